package engine

import (
	"sync"
	"testing"
	"time"

	"drawtogether-server/core"
)

func drain(ch <-chan core.StrokeSegment) {
	go func() {
		for range ch {
		}
	}()
}

func TestRenderDebounce(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{HighWaterMark: 5}, push)

	stream, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	drain(stream)
	eng.RegisterRenderer("node")

	for i := 0; i < 6; i++ {
		if err := eng.SubmitStroke("a", segment(i, i, i+1, i+1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
	}

	waitFor(t, func() bool { return push.renderCount() == 1 })

	// a second burst while a render is in flight must not issue another
	for i := 0; i < 10; i++ {
		if err := eng.SubmitStroke("a", segment(i, i, i+1, i+1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := push.renderCount(); got != 1 {
		t.Errorf("Expected exactly 1 render request, got %d", got)
	}

	push.mu.Lock()
	req := push.renders[0]
	push.mu.Unlock()
	if req.conn != "node" || req.room != "1" {
		t.Errorf("Render request addressed to %q for room %q", req.conn, req.room)
	}
}

func TestRenderDebounceConcurrentBursts(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{HighWaterMark: 10}, push)

	stream, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	drain(stream)
	eng.RegisterRenderer("node")

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = eng.SubmitStroke("a", segment(g, i, g, i+1))
			}
		}(g)
	}
	wg.Wait()

	waitFor(t, func() bool { return push.renderCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := push.renderCount(); got != 1 {
		t.Errorf("Expected exactly 1 in-flight render request, got %d", got)
	}
}

func TestNoRendererBackpressure(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{HighWaterMark: 100}, push)

	stream, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	drain(stream)

	for i := 0; i < 250; i++ {
		if err := eng.SubmitStroke("a", segment(i, 0, i, 1)); err != nil {
			t.Fatalf("Submission %d failed: %v", i, err)
		}
	}

	if got := push.renderCount(); got != 0 {
		t.Errorf("Expected no render request without a worker, got %d", got)
	}

	rm := eng.GetOrCreateRoom("1")
	rm.mu.Lock()
	inFlight := rm.renderInFlight
	issued := rm.requestIssued
	logLen := len(rm.log)
	rm.mu.Unlock()

	if !inFlight {
		t.Error("Expected renderInFlight to stay true as the backpressure valve")
	}
	if issued {
		t.Error("Expected no request to have been issued")
	}
	if logLen != 250 {
		t.Errorf("Expected the log to keep all 250 entries, got %d", logLen)
	}
}

func TestRegisterRendererKicksDeferredRooms(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{HighWaterMark: 5}, push)

	stream, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	drain(stream)

	for i := 0; i < 6; i++ {
		if err := eng.SubmitStroke("a", segment(i, i, i+1, i+1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
	}
	if push.renderCount() != 0 {
		t.Fatal("No request should be issued before a worker registers")
	}

	if got := eng.RegisterRenderer("node"); got != StatusRendererConnected {
		t.Errorf("Registration status: got %q, want %q", got, StatusRendererConnected)
	}

	waitFor(t, func() bool { return push.renderCount() == 1 })
}

func TestRenderBatchBounded(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{HighWaterMark: 100, RenderTimeout: time.Hour}, push)

	stream, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	drain(stream)
	for i := 0; i < 250; i++ {
		if err := eng.SubmitStroke("a", segment(i, 0, i, 1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
	}

	eng.InstallSnapshot("1", []byte("previous"))
	batch := eng.RenderBatch("node", "1")

	if len(batch) != 100 {
		t.Fatalf("Expected a batch of 100, got %d", len(batch))
	}
	for i, seg := range batch {
		if seg.From.X != i {
			t.Fatalf("Batch entry %d out of order: %+v", i, seg)
		}
	}

	if got := push.reloadPayload("node"); string(got) != "previous" {
		t.Errorf("Expected the worker to receive the current snapshot, got %q", got)
	}
}

func TestRenderBatchShortLog(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{HighWaterMark: 100}, push)

	stream, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	drain(stream)
	for i := 0; i < 3; i++ {
		if err := eng.SubmitStroke("a", segment(i, 0, i, 1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
	}

	if batch := eng.RenderBatch("node", "1"); len(batch) != 3 {
		t.Errorf("Expected the batch to stop at the log end, got %d entries", len(batch))
	}
}

func TestInstallSnapshotDeferredTrim(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{HighWaterMark: 5, RenderTimeout: time.Hour}, push)

	stream, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	drain(stream)

	// Fill well past the mark with no worker; the single deferred cycle
	// carries debt computed at admission (len 6 - 2*5, clamped to 0).
	for i := 0; i < 30; i++ {
		if err := eng.SubmitStroke("a", segment(i, 0, i, 1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
	}

	eng.RegisterRenderer("node")
	waitFor(t, func() bool { return push.renderCount() == 1 })

	eng.InstallSnapshot("1", []byte("snap-1"))

	rm := eng.GetOrCreateRoom("1")
	rm.mu.Lock()
	logLen := len(rm.log)
	rm.mu.Unlock()
	if logLen != 30 {
		t.Fatalf("First cycle carried no debt, log should be intact: got %d", logLen)
	}

	// The next admission computes debt 31 - 10 = 21. Strokes appended
	// while the render runs must survive the trim.
	if err := eng.SubmitStroke("a", segment(30, 0, 30, 1)); err != nil {
		t.Fatalf("SubmitStroke failed: %v", err)
	}
	waitFor(t, func() bool { return push.renderCount() == 2 })

	for i := 31; i < 34; i++ {
		if err := eng.SubmitStroke("a", segment(i, 0, i, 1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
	}

	eng.InstallSnapshot("1", []byte("snap-2"))

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.log) != 13 {
		t.Fatalf("Expected 34 - 21 = 13 entries after the trim, got %d", len(rm.log))
	}
	if rm.log[0].From.X != 21 {
		t.Errorf("Expected the trim to remove the 21 oldest entries, front is %+v", rm.log[0])
	}
	if rm.log[len(rm.log)-1].From.X != 33 {
		t.Errorf("Entries appended during the render were lost, back is %+v", rm.log[len(rm.log)-1])
	}
	if rm.trimDebt != 0 {
		t.Errorf("Expected the debt to be settled, got %d", rm.trimDebt)
	}
	if rm.renderInFlight {
		t.Error("Expected the room to return to idle")
	}
	if string(rm.snapshot) != "snap-2" {
		t.Errorf("Expected the new snapshot installed, got %q", rm.snapshot)
	}
}

func TestInstallSnapshotTrimNeverExceedsLog(t *testing.T) {
	eng := New(Config{}, newFakePusher())

	rm := eng.GetOrCreateRoom("1")
	rm.mu.Lock()
	rm.log = []core.StrokeSegment{segment(0, 0, 1, 1), segment(1, 1, 2, 2)}
	rm.trimDebt = 99
	rm.renderInFlight = true
	rm.requestIssued = true
	rm.mu.Unlock()

	eng.InstallSnapshot("1", []byte("img"))

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.log) != 0 {
		t.Errorf("Expected the whole log trimmed, got %d entries", len(rm.log))
	}
	if rm.trimDebt != 97 {
		t.Errorf("Expected the unsettled debt to remain, got %d", rm.trimDebt)
	}
}

func TestRenderTimeoutReverts(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{HighWaterMark: 2, RenderTimeout: 30 * time.Millisecond}, push)

	stream, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	drain(stream)
	eng.RegisterRenderer("node")

	for i := 0; i < 3; i++ {
		if err := eng.SubmitStroke("a", segment(i, i, i+1, i+1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
	}
	waitFor(t, func() bool { return push.renderCount() == 1 })

	rm := eng.GetOrCreateRoom("1")
	waitFor(t, func() bool {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		return !rm.renderInFlight
	})

	// a later submission can retry
	if err := eng.SubmitStroke("a", segment(9, 9, 10, 10)); err != nil {
		t.Fatalf("SubmitStroke failed: %v", err)
	}
	waitFor(t, func() bool { return push.renderCount() == 2 })
}

func TestRendererDisconnectAbortsCycle(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{HighWaterMark: 2, RenderTimeout: time.Hour}, push)

	stream, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	drain(stream)
	eng.RegisterRenderer("node")

	for i := 0; i < 3; i++ {
		if err := eng.SubmitStroke("a", segment(i, i, i+1, i+1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
	}
	waitFor(t, func() bool { return push.renderCount() == 1 })

	eng.RemoveConnection("node")

	if got := eng.RendererID(); got != "" {
		t.Errorf("Expected the worker identity cleared, got %q", got)
	}

	rm := eng.GetOrCreateRoom("1")
	rm.mu.Lock()
	inFlight := rm.renderInFlight
	debt := rm.trimDebt
	rm.mu.Unlock()
	if inFlight {
		t.Error("Expected the room reverted to idle after the worker vanished")
	}
	if debt != 0 {
		t.Errorf("Expected the aborted cycle's debt rolled back, got %d", debt)
	}

	// membership was never involved: the room still broadcasts
	if err := eng.SubmitStroke("a", segment(9, 9, 10, 10)); err != nil {
		t.Fatalf("SubmitStroke failed: %v", err)
	}
}

func TestRendererReplacement(t *testing.T) {
	eng := New(Config{}, newFakePusher())

	eng.RegisterRenderer("node-1")
	eng.RegisterRenderer("node-2")

	if got := eng.RendererID(); got != "node-2" {
		t.Errorf("Expected the second registration to replace the first, got %q", got)
	}
}

func TestOutboxOverflowDisconnects(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{OutboxDepth: 2}, push)

	// "a" never consumes its stream
	if _, err := eng.Connect("a", "1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	streamB, err := eng.Connect("b", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// consume b's own copies synchronously so only "a" can stall
	for i := 0; i < 3; i++ {
		if err := eng.SubmitStroke("b", segment(i, i, i+1, i+1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
		recvSegment(t, streamB)
	}

	if !push.disconnected("a") {
		t.Error("Expected the stalled consumer to be disconnected")
	}
	if push.disconnected("b") {
		t.Error("The draining consumer must not be disconnected")
	}

	rm := eng.GetOrCreateRoom("1")
	rm.mu.Lock()
	_, stillMember := rm.members["a"]
	rm.mu.Unlock()
	if stillMember {
		t.Error("Stalled consumer still present in the membership set")
	}
}

func TestConnectBacklogOverflowDisconnects(t *testing.T) {
	push := newFakePusher()
	eng := New(Config{OutboxDepth: 2}, push)

	streamA, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := eng.SubmitStroke("a", segment(i, i, i+1, i+1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
		recvSegment(t, streamA)
	}

	if _, err := eng.Connect("b", "1"); err == nil {
		t.Error("Expected the join to fail when the backlog exceeds the outbox")
	}
	if !push.disconnected("b") {
		t.Error("Expected the joining connection to be disconnected")
	}
}

func TestLogCapForceDrop(t *testing.T) {
	eng := New(Config{HighWaterMark: 100, MaxLogSize: 10}, newFakePusher())

	stream, err := eng.Connect("a", "1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	drain(stream)

	for i := 0; i < 15; i++ {
		if err := eng.SubmitStroke("a", segment(i, 0, i, 1)); err != nil {
			t.Fatalf("SubmitStroke failed: %v", err)
		}
	}

	rm := eng.GetOrCreateRoom("1")
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.log) != 10 {
		t.Fatalf("Expected the log capped at 10, got %d", len(rm.log))
	}
	if rm.log[0].From.X != 5 {
		t.Errorf("Expected the oldest entries dropped, front is %+v", rm.log[0])
	}
}
