package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicecircle/native/internal/api"
	"voicecircle/native/internal/config"
	"voicecircle/native/internal/media"
	"voicecircle/native/internal/microphone"
	"voicecircle/native/internal/projector"
	"voicecircle/native/internal/server"
	sigclient "voicecircle/native/internal/signal"
	"voicecircle/native/internal/webrtc"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const helpText = `voicecircle - Talk to an OpenAI Realtime model over WebRTC

Usage:
  voicecircle [options]

Serves the credential endpoint (POST /api/session) and a WebSocket state
feed (GET /api/ws). Clients on the feed send intents such as
{"type":"connect"} or {"type":"start_listening"} and receive state frames.

Environment Variables:
  OPENAI_API_KEY        API key used to mint ephemeral credentials (required to connect)
  VOICE_PORT            HTTP port (default 5173)
  VOICE_MODE            release or debug (default release)
  VOICE_LOG_LEVEL       zerolog level (default info)
  VOICE_SERVER_URL      credential endpoint root (default http://localhost:<port>)
  VOICE_MODEL           realtime model
  VOICE_STUN            comma separated STUN URLs
  VOICE_MIC_FILE        stream this Ogg/Opus file instead of the microphone
  VOICE_RECORD_PATH     record the assistant's audio, one numbered .ogg file per session
  VOICE_AUTOCONNECT     connect and start listening at startup
  VOICE_ALLOWED_ORIGINS comma separated browser origins allowed on the state feed

A .env file in the working directory is loaded if present.

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Str("module", "main").Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("module", "main").Str("level", cfg.LogLevel).Msg("unknown log level, using info")
	}

	var mic webrtc.MicrophoneSource = microphone.New()
	if cfg.MicFile != "" {
		mic = media.NewFileSource(cfg.MicFile, true)
		log.Info().Str("module", "main").Str("path", cfg.MicFile).Msg("using file as microphone")
	}

	conn := cfg.Connection()
	manager := webrtc.NewManager(conn,
		api.NewClient(conn.ServerURL, nil),
		sigclient.NewClient(conn.SignalingURL, conn.Model, nil),
		mic,
		webrtc.WithAudioSink(media.NewPlayback(cfg.RecordPath)),
	)
	manager.On(webrtc.EventConnectionStateChange, func(p any) {
		log.Debug().Str("module", "main").Interface("state", p).Msg("transport")
	})
	manager.On(webrtc.EventParseError, func(p any) {
		log.Warn().Str("module", "main").Interface("error", p).Msg("unparseable event from provider")
	})

	proj := projector.New(manager, projector.SessionOptions{
		Instructions:       cfg.SessionInstructions,
		Voice:              cfg.SessionVoice,
		TranscriptionModel: cfg.TranscriptionModel,
	})
	proj.OnChange(func(s projector.Snapshot) {
		log.Info().Str("module", "main").Str("status", string(s.Status)).Str("error", s.Error).Msg("state")
	})

	sessions := server.NewSessionHandler(server.SessionConfig{
		APIKey:       cfg.APIKey,
		SessionsURL:  cfg.SessionsURL,
		Model:        cfg.Model,
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
	}, nil)
	feed := server.NewFeed(ctx, proj, server.FeedConfig{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		AllowedOrigins: cfg.Origins(),
	})
	r := server.SetupRouter(cfg.Mode, sessions, feed)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Str("module", "main").Err(err).Str("addr", addr).Msg("listen")
	}
	go func() {
		log.Info().Str("module", "main").Str("addr", addr).Msg("voicecircle server started")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("module", "main").Err(err).Msg("server error")
			cancel()
		}
	}()

	if cfg.AutoConnect {
		go func() {
			if err := proj.Connect(ctx); err != nil {
				log.Error().Str("module", "main").Err(err).Msg("autoconnect failed")
				return
			}
			if err := proj.StartListening(); err != nil {
				log.Error().Str("module", "main").Err(err).Msg("start listening")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Str("module", "main").Msg("shutting down")

	proj.Close()
	if err := manager.Close(); err != nil {
		log.Warn().Str("module", "main").Err(err).Msg("close connection")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("server forced to shutdown")
	}
	log.Info().Str("module", "main").Msg("done")
}
