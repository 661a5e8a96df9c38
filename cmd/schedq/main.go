package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/calyxhpc/attachctl/internal/config"
	"github.com/calyxhpc/attachctl/internal/logging"
	"github.com/calyxhpc/attachctl/internal/scheduler"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("schedq", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "tool config file (toml)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: schedq [flags] {timeleft|sessiondir}\n")
		return 1
	}

	logging.ConfigureRuntime()

	cfg := config.DefaultToolConfig()
	if *configPath != "" {
		loaded, err := config.LoadToolConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "schedq: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	switch fs.Arg(0) {
	case "timeleft":
		return timeleft(cfg)
	case "sessiondir":
		return sessiondir()
	default:
		fmt.Fprintf(os.Stderr, "schedq: unknown query %q\n", fs.Arg(0))
		return 1
	}
}

func timeleft(cfg config.ToolConfig) int {
	var runner scheduler.Runner = scheduler.LocalRunner{}
	if cfg.Scheduler.Mode == "ssh" {
		runner = scheduler.SSHRunner{
			Host:                        cfg.Scheduler.SSH.Host,
			Port:                        cfg.Scheduler.SSH.Port,
			User:                        cfg.Scheduler.SSH.User,
			KeyPath:                     cfg.Scheduler.SSH.KeyPath,
			KnownHostsPath:              cfg.Scheduler.SSH.KnownHostsPath,
			InsecureSkipHostKeyChecking: cfg.Scheduler.SSH.InsecureSkipHostKeyChecking,
			Timeout:                     cfg.Scheduler.SSH.Timeout,
		}
	}
	remaining, err := scheduler.RemainingTime(runner, os.Getenv)
	switch {
	case errors.Is(err, scheduler.ErrNoJob):
		fmt.Println("unlimited (no batch allocation)")
	case err != nil:
		fmt.Fprintf(os.Stderr, "schedq: %v\n", err)
		return 1
	case remaining == scheduler.Unlimited:
		fmt.Println("unlimited")
	default:
		fmt.Println(remaining)
	}
	return 0
}

func sessiondir() int {
	dir, err := scheduler.SessionDir("attachctl", os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedq: %v\n", err)
		return 1
	}
	fmt.Println(dir)
	return 0
}
