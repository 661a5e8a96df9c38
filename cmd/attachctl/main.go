package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/calyxhpc/attachctl/internal/admin"
	"github.com/calyxhpc/attachctl/internal/attach"
	"github.com/calyxhpc/attachctl/internal/config"
	"github.com/calyxhpc/attachctl/internal/logging"
	"github.com/calyxhpc/attachctl/internal/observability"
	"github.com/calyxhpc/attachctl/internal/rtms"
	"github.com/calyxhpc/attachctl/internal/scheduler"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("attachctl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "tool config file (toml)")
	runtimeAddr := fs.String("runtime", "", "runtime endpoint address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: attachctl [flags] <launcher-namespace>\n")
		return 1
	}
	launcher := rtms.Namespace(fs.Arg(0))

	logging.ConfigureRuntime()
	observability.RegisterMetrics()

	cfg := config.DefaultToolConfig()
	if *configPath != "" {
		loaded, err := config.LoadToolConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "attachctl: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *runtimeAddr != "" {
		cfg.RuntimeAddr = *runtimeAddr
	}

	logRemainingTime(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := rtms.Dial(cfg.RuntimeAddr, cfg.DialTimeout)
	if err != nil {
		initErr := attach.InitError(err)
		log.Error().Err(initErr).Str("addr", cfg.RuntimeAddr).Msg("cannot become a tool client")
		return attach.ExitCode(initErr)
	}

	session, err := attach.NewSession(client, attach.Config{
		DaemonExec: cfg.DaemonExec,
		DaemonHost: cfg.DaemonHost,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "attachctl: %v\n", err)
		return 1
	}

	if cfg.AdminAddr != "" {
		adminSrv := admin.NewServer(cfg.AdminAddr, session)
		go func() {
			if err := adminSrv.Serve(ctx); err != nil {
				log.Warn().Err(err).Msg("admin endpoint stopped")
			}
		}()
	}

	if err := session.RegisterDefaultHandler(ctx); err != nil {
		log.Error().Err(err).Msg("default event handler registration failed")
		_ = client.Finalize()
		return attach.ExitCode(err)
	}

	attachErr := session.Attach(ctx, launcher)
	if attachErr != nil {
		log.Error().Err(attachErr).Str("launcher", string(launcher)).
			Msg("failed to attach to running job")
	}

	// Unwind regardless of the attach outcome, then print whatever the
	// daemon managed to write.
	session.Detach()
	if err := client.Finalize(); err != nil {
		log.Warn().Err(err).Msg("runtime finalize reported an error")
	}
	session.PrintForwardedOutput(os.Stdout)

	return attach.ExitCode(attachErr)
}

func logRemainingTime(cfg config.ToolConfig) {
	runner := schedulerRunner(cfg)
	remaining, err := scheduler.RemainingTime(runner, os.Getenv)
	switch {
	case errors.Is(err, scheduler.ErrNoJob):
		log.Debug().Msg("no batch allocation detected")
	case err != nil:
		log.Warn().Err(err).Msg("remaining-walltime query failed")
	case remaining == scheduler.Unlimited:
		log.Info().Msg("allocation walltime is unlimited")
	default:
		log.Info().Dur("remaining", remaining).Msg("allocation walltime remaining")
	}
}

func schedulerRunner(cfg config.ToolConfig) scheduler.Runner {
	if cfg.Scheduler.Mode == "ssh" {
		return scheduler.SSHRunner{
			Host:                        cfg.Scheduler.SSH.Host,
			Port:                        cfg.Scheduler.SSH.Port,
			User:                        cfg.Scheduler.SSH.User,
			KeyPath:                     cfg.Scheduler.SSH.KeyPath,
			KnownHostsPath:              cfg.Scheduler.SSH.KnownHostsPath,
			InsecureSkipHostKeyChecking: cfg.Scheduler.SSH.InsecureSkipHostKeyChecking,
			Timeout:                     cfg.Scheduler.SSH.Timeout,
		}
	}
	return scheduler.LocalRunner{}
}
