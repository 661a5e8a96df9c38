package attach

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

// RegisterDefaultHandler installs the catch-all notification sink. It is
// registered once at startup with no code filter, acknowledges every
// delivery so the dispatch chain can continue, and mutates nothing.
func (s *Session) RegisterDefaultHandler(ctx context.Context) error {
	rv := newRendezvous()
	err := s.client.RegisterEventHandler(nil, nil, defaultNotification,
		func(status rtms.Status, ref uint64) {
			rv.resolve(status, ref)
		})
	if err != nil {
		return err
	}
	res, err := rv.wait(ctx)
	if err != nil {
		return err
	}
	if res.status != rtms.StatusOK {
		return statusErr(ErrRegistrationFailed, "default handler registration", res.status)
	}
	s.defaultRef.Store(res.ref)
	return nil
}

func defaultNotification(ev rtms.EventNotification, done func(rtms.Status)) {
	log.Info().Str("code", ev.Code.String()).Str("source", ev.Source.String()).
		Msg("unclaimed event notification")
	done(rtms.StatusOK)
}
