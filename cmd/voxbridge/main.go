// voxbridge - real-time audio bridge between telephony media streams and a
// speech AI backend.
package main

import (
	"context"
	"flag"
	stdlog "log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voxbridge/go-voxbridge/internal/config"
	"github.com/voxbridge/go-voxbridge/internal/log"
	"github.com/voxbridge/go-voxbridge/pkg/bridge"
)

func main() {
	cfg := parseFlags()

	app, err := bridge.New(cfg)
	if err != nil {
		stdlog.Fatalf("configuration error: %v", err)
	}

	if err := app.Init(); err != nil {
		stdlog.Fatalf("initialization failed: %v", err)
	}
	defer app.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		stdlog.Fatalf("runtime error: %v", err)
	}
}

// parseFlags parses command line flags and returns configuration.
// Flags override environment variables, which override defaults.
func parseFlags() bridge.Config {
	godotenv.Load()

	cfg := bridge.DefaultConfig()

	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	backendURL := flag.String("backend-url", "", "Backend websocket URL (overrides BACKEND_URL)")
	listenAddr := flag.String("listen", "", "Media server listen address (overrides LISTEN_ADDR)")
	spoolDir := flag.String("spool-dir", "", "Fallback WAV spool directory (overrides SPOOL_DIR)")
	mode := flag.String("mode", cfg.Mode, "Backend pipeline mode: full or stt")
	toolPolicy := flag.String("tool-policy", cfg.ToolPolicy, "Tool policy: auto, strict, compatible, off")
	inputMode := flag.String("input-mode", cfg.InputMode, "Caller audio format: mulaw8k, pcm16_8k, pcm16_16k")
	greeting := flag.String("greeting", "", "Greeting spoken when a call connects")
	instructions := flag.String("instructions", "", "System prompt for the agent")
	tools := flag.String("tools", "", "Comma-separated allowed tool names")
	flag.Parse()

	cfg.Debug = *debug
	cfg.Mode = *mode
	cfg.ToolPolicy = *toolPolicy
	cfg.InputMode = *inputMode
	cfg.Greeting = *greeting
	cfg.Instructions = *instructions
	cfg.BackendURL = config.BackendURL("")
	cfg.ListenAddr = config.ListenAddr("")
	cfg.SpoolDir = config.SpoolDir("")
	cfg.AuthToken = config.AuthToken()
	if *backendURL != "" {
		cfg.BackendURL = *backendURL
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *spoolDir != "" {
		cfg.SpoolDir = *spoolDir
	}
	if *tools != "" {
		for _, name := range strings.Split(*tools, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.AllowedTools = append(cfg.AllowedTools, name)
			}
		}
	}

	if cfg.Debug {
		log.Init("debug")
	} else {
		log.Init(config.LogLevel())
	}
	return cfg
}
