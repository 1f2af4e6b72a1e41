// Command tedge-agent is the gateway runtime's entrypoint: it parses the
// small set of process-level flags, builds C11's actor topology
// (internal/bootstrap), and runs it until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tedge-io/tedge-agent/internal/bootstrap"
	"github.com/tedge-io/tedge-agent/internal/config"
	"github.com/tedge-io/tedge-agent/internal/telemetry"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("TEDGE_LOG_FORMAT") != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configDir := flag.String("config-dir", "/etc/tedge", "tedge configuration root (tedge.toml, operations/, mappers/, device-certs/)")
	profile := flag.String("profile", "", "mapper profile to load bridge rules from (mappers/custom.<profile>/bridge); empty uses the default layout")
	flag.Parse()

	os.Exit(run(*configDir, *profile))
}

func run(configDir, profile string) int {
	log.Info().Str("version", version).Str("config_dir", configDir).Msg("tedge-agent starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "tedge-agent")
	if err != nil {
		log.Warn().Err(err).Msg("telemetry setup failed, tracing disabled")
	} else {
		defer shutdownTracing(context.Background())
	}

	rt, err := bootstrap.Build(ctx, bootstrap.Options{
		ConfigRoot: config.Root(configDir),
		Profile:    profile,
		Version:    version,
	})
	if err != nil {
		return reportAndExit(err, "failed to build runtime")
	}

	log.Info().Msg("tedge-agent ready")
	if err := rt.Run(ctx); err != nil {
		return reportAndExit(err, "runtime exited with error")
	}

	log.Info().Msg("tedge-agent stopped")
	return int(bootstrap.ExitOK)
}

func reportAndExit(err error, msg string) int {
	var bootErr *bootstrap.Error
	if errors.As(err, &bootErr) {
		log.Error().Err(bootErr.Err).Int("exit_code", int(bootErr.Code)).Msg(msg)
		return int(bootErr.Code)
	}
	log.Error().Err(err).Msg(msg)
	return int(bootstrap.ExitGenericFailure)
}
