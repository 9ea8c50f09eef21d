package websocket

import (
	"encoding/json"
	"fmt"

	"drawtogether-server/core"
)

// Wire payloads arrive as decoded JSON (or msgpack) values; these helpers
// turn them into the closed domain types. Key lookups accept both the
// lowercase wire form and the capitalized form older clients send.

func field(m map[string]any, names ...string) (any, bool) {
	for _, name := range names {
		if v, ok := m[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func parsePoint(v any) (core.Point, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return core.Point{}, fmt.Errorf("point must be an object")
	}

	xv, okX := field(m, "x", "X")
	yv, okY := field(m, "y", "Y")
	if !okX || !okY {
		return core.Point{}, fmt.Errorf("point requires x and y")
	}

	x, okX := toInt(xv)
	y, okY := toInt(yv)
	if !okX || !okY {
		return core.Point{}, fmt.Errorf("point coordinates must be integers")
	}

	return core.Point{X: x, Y: y}, nil
}

func parseSegment(v any) (core.StrokeSegment, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return core.StrokeSegment{}, fmt.Errorf("stroke segment must be an object")
	}

	fromV, okFrom := field(m, "from", "From")
	toV, okTo := field(m, "to", "To")
	if !okFrom || !okTo {
		return core.StrokeSegment{}, fmt.Errorf("stroke segment requires from and to")
	}

	from, err := parsePoint(fromV)
	if err != nil {
		return core.StrokeSegment{}, fmt.Errorf("invalid from point: %w", err)
	}
	to, err := parsePoint(toV)
	if err != nil {
		return core.StrokeSegment{}, fmt.Errorf("invalid to point: %w", err)
	}

	return core.StrokeSegment{From: from, To: to}, nil
}

func parseRoomID(args []any) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("room id is required")
	}
	roomID, ok := args[0].(string)
	if !ok || roomID == "" {
		return "", fmt.Errorf("invalid room id")
	}
	return roomID, nil
}

// parseImage accepts the encoded snapshot either as raw bytes or as a
// string (the renderer sends a data URI).
func parseImage(v any) ([]byte, error) {
	switch data := v.(type) {
	case []byte:
		return data, nil
	case string:
		return []byte(data), nil
	default:
		return nil, fmt.Errorf("image payload must be bytes or a string")
	}
}
