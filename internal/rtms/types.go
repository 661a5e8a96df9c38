package rtms

import (
	"fmt"
	"strings"
)

// MaxNamespaceLen bounds namespace handles the way the runtime does.
const MaxNamespaceLen = 255

// Namespace identifies a distributed job or process collective.
type Namespace string

func (n Namespace) Validate() error {
	if strings.TrimSpace(string(n)) == "" {
		return fmt.Errorf("namespace is empty")
	}
	if len(n) > MaxNamespaceLen {
		return fmt.Errorf("namespace exceeds %d bytes", MaxNamespaceLen)
	}
	return nil
}

// Rank addresses one process within a namespace.
type Rank uint32

// WildcardRank means "all ranks in this namespace".
const WildcardRank Rank = 0xFFFFFFFF

// Proc is a process reference within the runtime.
type Proc struct {
	Namespace Namespace `json:"nspace"`
	Rank      Rank      `json:"rank"`
}

// WildcardProc references every rank of one namespace.
func WildcardProc(ns Namespace) Proc {
	return Proc{Namespace: ns, Rank: WildcardRank}
}

func (p Proc) String() string {
	if p.Rank == WildcardRank {
		return string(p.Namespace) + ":*"
	}
	return fmt.Sprintf("%s:%d", p.Namespace, p.Rank)
}

// IOChannel is the forwarded stream selection bit mask.
type IOChannel uint8

const (
	ChannelStdout IOChannel = 1 << iota
	ChannelStderr
)

func (c IOChannel) String() string {
	switch {
	case c&ChannelStdout != 0 && c&ChannelStderr != 0:
		return "stdout|stderr"
	case c&ChannelStdout != 0:
		return "stdout"
	case c&ChannelStderr != 0:
		return "stderr"
	default:
		return "none"
	}
}

// Well-known info keys for queries, spawn directives, and event payloads.
const (
	KeyQueryNamespaces = "query.namespaces"
	KeyNamespace       = "nspace"
	KeyRank            = "rank"

	KeyHost            = "spawn.host"
	KeyMapBy           = "spawn.map_by"
	KeyDebuggerDaemon  = "spawn.debugger_daemon"
	KeyDebugTarget     = "spawn.debug_target"
	KeyFwdStdout       = "spawn.fwd_stdout"
	KeyFwdStderr       = "spawn.fwd_stderr"
	KeyRequestorIsTool = "spawn.requestor_is_tool"

	KeyIOFRedirect = "iof.redirect"

	KeyEventReturnToken  = "event.return_token"
	KeyEventAffectedProc = "event.affected_proc"
	KeyExitCode          = "event.exit_code"
)

// MapByNode is the placement directive value for one process per node.
const MapByNode = "ppr:1:node"

// Info is one key/value pair in a query, directive, or event payload list.
type Info struct {
	Key   string
	Value any
}

func StringInfo(key, value string) Info  { return Info{Key: key, Value: value} }
func IntInfo(key string, v int64) Info   { return Info{Key: key, Value: v} }
func UintInfo(key string, v uint64) Info { return Info{Key: key, Value: v} }
func ProcInfo(key string, p Proc) Info   { return Info{Key: key, Value: p} }

// FlagInfo marks a boolean directive that is true by presence.
func FlagInfo(key string) Info { return Info{Key: key, Value: true} }

func (in Info) AsString() (string, bool) {
	s, ok := in.Value.(string)
	return s, ok
}

func (in Info) AsBool() (bool, bool) {
	b, ok := in.Value.(bool)
	return b, ok
}

func (in Info) AsInt() (int64, bool) {
	switch v := in.Value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func (in Info) AsUint() (uint64, bool) {
	switch v := in.Value.(type) {
	case uint64:
		return v, true
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

func (in Info) AsProc() (Proc, bool) {
	p, ok := in.Value.(Proc)
	return p, ok
}

// LookupInfo returns the first entry with the given key.
func LookupInfo(infos []Info, key string) (Info, bool) {
	for _, in := range infos {
		if in.Key == key {
			return in, true
		}
	}
	return Info{}, false
}

// Query asks the runtime for a set of keys, narrowed by qualifiers.
type Query struct {
	Keys       []string
	Qualifiers []Info
}

// App describes one application in a spawn request.
type App struct {
	Cmd      string
	Argv     []string
	Env      []string
	Cwd      string
	MaxProcs int
}

func (a App) Validate() error {
	if strings.TrimSpace(a.Cmd) == "" {
		return fmt.Errorf("app missing cmd")
	}
	if a.MaxProcs <= 0 {
		return fmt.Errorf("app maxprocs must be positive")
	}
	return nil
}

// EventNotification is one delivered runtime event.
type EventNotification struct {
	Code   Status
	Source Proc
	Info   []Info
}
