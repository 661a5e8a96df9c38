package attach

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

// resolveApplicationNamespace asks the runtime which namespaces are reachable
// from the launcher and keeps the application one.
func (s *Session) resolveApplicationNamespace(ctx context.Context, launcher rtms.Namespace) (rtms.Namespace, error) {
	q := rtms.Query{
		Keys: []string{rtms.KeyQueryNamespaces},
		Qualifiers: []rtms.Info{
			rtms.StringInfo(rtms.KeyNamespace, string(launcher)),
			rtms.UintInfo(rtms.KeyRank, uint64(rtms.WildcardRank)),
		},
	}

	rv := newRendezvous()
	var results []rtms.Info
	err := s.client.Query(q, func(status rtms.Status, res []rtms.Info) {
		results = res
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
		return "", statusErr(ErrMalformedResponse, "namespace query", res.status)
	}

	ns, err := applicationNamespaceFromResults(results)
	if err != nil {
		return "", err
	}
	log.Info().Str("launcher", string(launcher)).Str("application", string(ns)).
		Msg("resolved application namespace")
	return ns, nil
}

// applicationNamespaceFromResults extracts the application namespace from a
// known-namespaces query response: exactly one string result, comma
// delimited, first element wins. The first-is-application ordering is an
// assumption inherited from the resource manager, not a verified contract.
func applicationNamespaceFromResults(results []rtms.Info) (rtms.Namespace, error) {
	if len(results) != 1 {
		return "", statusErr(ErrMalformedResponse, "namespace query", rtms.ErrStatusBadParam)
	}
	raw, ok := results[0].AsString()
	if !ok {
		return "", statusErr(ErrMalformedResponse, "namespace query", rtms.ErrStatusBadParam)
	}
	first := raw
	if idx := strings.IndexByte(raw, ','); idx >= 0 {
		first = raw[:idx]
		log.Debug().Str("namespaces", raw).
			Msg("multiple namespaces returned, assuming the first is the application")
	}
	ns := rtms.Namespace(first)
	if err := ns.Validate(); err != nil {
		return "", statusErr(ErrMalformedResponse, "namespace query", rtms.ErrStatusBadParam)
	}
	return ns, nil
}
