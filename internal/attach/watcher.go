package attach

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

// watchTermination installs an event handler scoped to the daemon collective
// and returns the release token the orchestration goroutine will block on,
// plus the token's registry id so the caller can drop the entry once the
// wait is over. The correlation id travels through the registration info
// list and comes back inside the termination notification.
func (s *Session) watchTermination(ctx context.Context, daemon rtms.Proc) (*ReleaseToken, uint64, error) {
	token := newReleaseToken(daemon.Namespace)
	id := s.tokens.add(token)

	directives := []rtms.Info{
		rtms.UintInfo(rtms.KeyEventReturnToken, id),
		rtms.ProcInfo(rtms.KeyEventAffectedProc, daemon),
	}

	rv := newRendezvous()
	err := s.client.RegisterEventHandler([]rtms.Status{rtms.EventJobTerminated},
		directives, s.terminationHandler, func(status rtms.Status, ref uint64) {
			rv.resolve(status, ref)
		})
	if err != nil {
		s.tokens.remove(id)
		return nil, 0, err
	}
	res, err := rv.wait(ctx)
	if err != nil {
		s.tokens.remove(id)
		return nil, 0, err
	}
	if res.status != rtms.StatusOK {
		s.tokens.remove(id)
		return nil, 0, statusErr(ErrRegistrationFailed, "termination watch registration", res.status)
	}
	token.markWatching()
	log.Info().Uint64("handler", res.ref).Str("nspace", string(daemon.Namespace)).
		Msg("termination watch registered")
	return token, id, nil
}

// terminationHandler runs on a runtime-owned goroutine when the watched job
// ends. It locates the release token by correlation id, records the optional
// exit code, signals the waiter, and closes the dispatch chain.
func (s *Session) terminationHandler(ev rtms.EventNotification, done func(rtms.Status)) {
	var token *ReleaseToken
	var exitCode int64
	exitCodeGiven := false
	affected := ev.Source

	for _, in := range ev.Info {
		switch in.Key {
		case rtms.KeyEventReturnToken:
			if id, ok := in.AsUint(); ok {
				token, _ = s.tokens.lookup(id)
			}
		case rtms.KeyExitCode:
			if code, ok := in.AsInt(); ok {
				exitCode = code
				exitCodeGiven = true
			}
		case rtms.KeyEventAffectedProc:
			if p, ok := in.AsProc(); ok {
				affected = p
			}
		}
	}

	if token == nil {
		// Contract violation on the runtime's side: the notification cannot
		// be correlated, so it is dropped and the chain keeps running.
		log.Error().Str("code", ev.Code.String()).Str("affected", affected.String()).
			Err(ErrProtocolViolation).Msg("termination notification carried no release token")
		done(rtms.StatusOK)
		return
	}

	logEv := log.Info().Str("nspace", string(token.Namespace)).Str("affected", affected.String())
	if exitCodeGiven {
		logEv = logEv.Int64("exit_code", exitCode)
	}
	logEv.Msg("watched job terminated")

	token.signal(exitCode, exitCodeGiven)
	done(rtms.StatusEventActionComplete)
}
