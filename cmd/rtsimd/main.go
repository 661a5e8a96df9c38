package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/calyxhpc/attachctl/internal/observability"
	"github.com/calyxhpc/attachctl/internal/rtms/simd"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("rtsimd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	listen := fs.String("listen", simd.DefaultConfig().ListenAddr, "listen address")
	namespaces := fs.String("namespaces", "", "launcher namespace table, launcher=ns1,ns2;launcher2=ns3")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := observability.InitLogger("rtsimd")

	table, err := parseNamespaces(*namespaces)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtsimd: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := simd.New(simd.Config{ListenAddr: *listen, Namespaces: table})
	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error().Err(err).Msg("runtime simulator stopped")
		return 1
	}
	logger.Info().Msg("runtime simulator shut down")
	return 0
}

// parseNamespaces reads "launcher=ns1,ns2;other=ns3" into the query table.
func parseNamespaces(raw string) (map[string]string, error) {
	table := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return table, nil
	}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		launcher, list, ok := strings.Cut(entry, "=")
		launcher = strings.TrimSpace(launcher)
		list = strings.TrimSpace(list)
		if !ok || launcher == "" || list == "" {
			return nil, fmt.Errorf("bad namespace entry %q", entry)
		}
		table[launcher] = list
	}
	return table, nil
}
