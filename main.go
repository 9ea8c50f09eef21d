package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"drawtogether-server/engine"
	"drawtogether-server/handlers/api/rooms"
	"drawtogether-server/handlers/websocket"
)

func setupRouter(eng *engine.Engine) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins: []string{"tauri://localhost"},
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}

			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "[::1]":
					return true
				}
			case "tauri":
				return parsed.Hostname() == "localhost"
			}

			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	r.Use(cors.Handler(corsOptions))

	r.Get("/api/rooms", rooms.HandleList(eng))
	r.Get("/api/rooms/{roomId}/chat", rooms.HandleChatHistory(eng))

	return r
}

func envInt(name string, fallback int) int {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"name":  name,
			"value": value,
		}).Warn("Ignoring non-numeric environment value")
		return fallback
	}
	return parsed
}

func engineConfigFromEnv() engine.Config {
	return engine.Config{
		HighWaterMark: envInt("HIGH_WATER_MARK", engine.DefaultHighWaterMark),
		ChunkSize:     envInt("CHUNK_SIZE", engine.DefaultChunkSize),
		OutboxDepth:   envInt("OUTBOX_DEPTH", engine.DefaultOutboxDepth),
		MaxLogSize:    envInt("MAX_LOG_SIZE", engine.DefaultMaxLogSize),
		RenderTimeout: time.Duration(envInt("RENDER_TIMEOUT_SECONDS", int(engine.DefaultRenderTimeout/time.Second))) * time.Second,
	}
}

func waitForShutdown(ioo *socketio.Server) {
	exit := make(chan struct{})
	SignalC := make(chan os.Signal, 1)

	signal.Notify(SignalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range SignalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down...")
	ioo.Close(nil)
	os.Exit(0)
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", ":3002", "Set the server listen address")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	cfg := engineConfigFromEnv()
	ioo, eng := websocket.SetupSocketIO(cfg)

	r := setupRouter(eng)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	logrus.WithFields(logrus.Fields{
		"addr":          *listenAddr,
		"highWaterMark": eng.Config().HighWaterMark,
		"chunkSize":     eng.Config().ChunkSize,
	}).Info("starting server")
	go func() {
		if err := http.ListenAndServe(*listenAddr, r); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(ioo)
}
