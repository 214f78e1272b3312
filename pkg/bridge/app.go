// Package bridge wires the voxbridge components into a running application:
// media ingress, provider session, playback engine and fallback player.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/go-voxbridge/internal/log"
	"github.com/voxbridge/go-voxbridge/pkg/fallback"
	"github.com/voxbridge/go-voxbridge/pkg/mediaserver"
	"github.com/voxbridge/go-voxbridge/pkg/playback"
	"github.com/voxbridge/go-voxbridge/pkg/provider"
	"github.com/voxbridge/go-voxbridge/pkg/store"
	"github.com/voxbridge/go-voxbridge/pkg/toolcall"
)

// Config holds application settings.
type Config struct {
	BackendURL   string
	AuthToken    string
	ListenAddr   string
	SpoolDir     string
	Instructions string
	Greeting     string
	Mode         string
	ToolPolicy   string
	InputMode    string
	AllowedTools []string
	Debug        bool
}

// DefaultConfig returns application defaults suitable for local development.
func DefaultConfig() Config {
	return Config{
		BackendURL: "ws://127.0.0.1:8765",
		ListenAddr: ":8090",
		SpoolDir:   "/tmp/voxbridge-fallback",
		Mode:       "full",
		ToolPolicy: "auto",
		InputMode:  provider.InputMulaw8k,
	}
}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("bridge: backend URL is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("bridge: listen address is required")
	}
	return nil
}

// App is the assembled bridge.
type App struct {
	config   Config
	logger   *slog.Logger
	sessions store.Store
	media    *mediaserver.Server
	engine   *playback.Engine
	session  *provider.Session
	player   *fallback.WAVPlayer

	mu      sync.Mutex
	streams map[string]chan []byte
	greeted map[string]bool
}

// New creates the application with the given configuration.
func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &App{
		config:  cfg,
		logger:  log.Component("bridge"),
		streams: make(map[string]chan []byte),
		greeted: make(map[string]bool),
	}, nil
}

// Init builds and wires all components. Call after New and before Run.
func (a *App) Init() error {
	a.sessions = store.NewMemory()

	player, err := fallback.NewWAVPlayer(a.config.SpoolDir, 8000, "ulaw")
	if err != nil {
		return fmt.Errorf("fallback player: %w", err)
	}
	a.player = player

	a.media = mediaserver.NewServer(a.config.ListenAddr, a.sessions)

	engine, err := playback.New(playback.DefaultConfig(), a.sessions, a.media, a.player)
	if err != nil {
		return fmt.Errorf("playback engine: %w", err)
	}
	a.engine = engine

	provCfg := provider.DefaultConfig()
	provCfg.URL = a.config.BackendURL
	provCfg.AuthToken = a.config.AuthToken
	provCfg.Mode = a.config.Mode
	provCfg.ToolPolicy = a.config.ToolPolicy
	provCfg.InputMode = a.config.InputMode
	provCfg.Instructions = a.config.Instructions
	provCfg.Greeting = a.config.Greeting
	session, err := provider.NewSession(provCfg)
	if err != nil {
		return fmt.Errorf("provider session: %w", err)
	}
	a.session = session

	a.wire()
	return nil
}

// wire connects the component callbacks.
func (a *App) wire() {
	a.media.OnCallerAudio = func(callID string, audio []byte) {
		// Caller speech over active playback is a barge-in handled on
		// transcript events; raw audio always flows upstream.
		a.session.SendAudio(audio)
	}

	a.media.OnCallStarted = func(callID, connectionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := a.session.StartSession(ctx, callID, provider.SessionOptions{
			AllowedTools: a.config.AllowedTools,
		})
		if err != nil {
			a.logger.Error("session start failed", "call_id", callID, "error", err)
		}
	}

	a.media.OnCallEnded = func(callID string) {
		a.closeStream(callID)
		a.engine.Stop(callID)
		a.session.StopSession()
		a.mu.Lock()
		delete(a.greeted, callID)
		a.mu.Unlock()
	}

	a.session.OnAudio = func(callID string, data []byte, encoding string, rate int) {
		a.feedPlayback(callID, data)
	}

	a.session.OnAudioDone = func(callID string) {
		a.closeStream(callID)
	}

	a.session.OnTranscript = func(callID, text string, final bool) {
		if a.engine.IsActive(callID) {
			a.logger.Info("barge-in", "call_id", callID)
			a.closeStream(callID)
			a.engine.Stop(callID)
			a.session.NotifyBargeIn(callID)
		}
		if final {
			a.logger.Info("caller", "call_id", callID, "text", text)
		}
	}

	a.session.OnAgentTranscript = func(callID, text string) {
		a.logger.Info("agent", "call_id", callID, "text", text)
	}

	a.session.OnToolCalls = func(callID string, calls []toolcall.Call, spoken string) {
		for _, call := range calls {
			a.logger.Info("tool call", "call_id", callID, "tool", call.Name)
			if call.Name == "hangup_call" {
				// Let the farewell drain before dropping the leg.
				go func() {
					time.Sleep(2 * time.Second)
					a.media.Hangup(callID)
				}()
			}
		}
	}

	a.session.OnError = func(err error) {
		a.logger.Warn("provider error", "error", err)
	}
}

// feedPlayback routes agent audio into the call's playback stream, opening
// one when none is active. The first stream of a call plays as the greeting
// type so it starts with a shallower warm-up.
func (a *App) feedPlayback(callID string, data []byte) {
	a.mu.Lock()
	ch, ok := a.streams[callID]
	if !ok {
		playbackType := playback.PlaybackResponse
		if !a.greeted[callID] {
			playbackType = playback.PlaybackGreeting
			a.greeted[callID] = true
		}
		ch = make(chan []byte, 64)
		a.streams[callID] = ch
		a.mu.Unlock()
		if _, err := a.engine.Start(callID, ch, playbackType); err != nil {
			a.logger.Warn("playback start failed", "call_id", callID, "error", err)
			a.mu.Lock()
			delete(a.streams, callID)
			a.mu.Unlock()
			return
		}
		a.mu.Lock()
	}
	defer a.mu.Unlock()
	select {
	case ch <- data:
	default:
		a.logger.Warn("playback stream backlogged, dropping chunk", "call_id", callID)
	}
}

// closeStream ends the call's playback stream, signalling end-of-stream to
// the engine so buffered audio drains normally.
func (a *App) closeStream(callID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.streams[callID]; ok {
		close(ch)
		delete(a.streams, callID)
	}
}

// Run connects to the backend and serves media until the context ends.
func (a *App) Run(ctx context.Context) error {
	go func() {
		if err := a.session.Connect(ctx); err != nil {
			a.logger.Error("backend connect failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- a.media.Start() }()

	// Reap abandoned playback streams periodically.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.engine.ReapExpired(10 * time.Minute); n > 0 {
					a.logger.Warn("reaped expired streams", "count", n)
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() {
	if a.session != nil {
		a.session.Close()
	}
	if a.media != nil {
		a.media.Shutdown()
	}
}
