package attach

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

// spawnDaemon launches one debugger daemon per target node and returns the
// spawned collective's namespace. Spawn is not retried: a partial spawn may
// already hold node resources.
func (s *Session) spawnDaemon(ctx context.Context) (rtms.Namespace, error) {
	cwd := s.cfg.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		cwd = wd
	}

	app := rtms.App{
		Cmd:      s.cfg.DaemonExec,
		Argv:     []string{s.cfg.DaemonExec},
		Env:      nil,
		Cwd:      cwd,
		MaxProcs: 1,
	}
	directives := []rtms.Info{
		rtms.StringInfo(rtms.KeyHost, s.cfg.DaemonHost),
		rtms.StringInfo(rtms.KeyMapBy, rtms.MapByNode),
		rtms.FlagInfo(rtms.KeyDebuggerDaemon),
		rtms.StringInfo(rtms.KeyDebugTarget, string(s.AppNamespace())),
		rtms.FlagInfo(rtms.KeyFwdStdout),
		rtms.FlagInfo(rtms.KeyFwdStderr),
		rtms.FlagInfo(rtms.KeyRequestorIsTool),
	}

	rv := newRendezvous()
	var spawned rtms.Namespace
	err := s.client.Spawn([]rtms.App{app}, directives, func(status rtms.Status, ns rtms.Namespace) {
		spawned = ns
		rv.resolve(status, 0)
	})
	if err != nil {
		return "", err
	}
	res, err := rv.wait(ctx)
	if err != nil {
		return "", err
	}
	if res.status != rtms.StatusOK {
		return "", statusErr(ErrSpawnFailed, "daemon spawn", res.status)
	}
	log.Info().Str("nspace", string(spawned)).Str("host", s.cfg.DaemonHost).
		Msg("debugger daemon spawned")
	return spawned, nil
}
