package rtms

import (
	"fmt"
	"strings"
)

// Wire operation names for the JSON-line transport.
const (
	OpQuery           = "query"
	OpSpawn           = "spawn"
	OpPullIO          = "pull_io"
	OpStopIO          = "stop_io"
	OpRegisterEvent   = "register_event"
	OpDeregisterEvent = "deregister_event"
	OpFinalize        = "finalize"
)

// Server-push stream kinds.
const (
	StreamIO    = "io"
	StreamEvent = "event"
)

// InfoWire is the typed wire shape of one Info entry.
type InfoWire struct {
	Key  string `json:"key"`
	Type string `json:"type"`
	Str  string `json:"str,omitempty"`
	Flag bool   `json:"flag,omitempty"`
	Num  int64  `json:"num,omitempty"`
	UNum uint64 `json:"unum,omitempty"`
	Proc *Proc  `json:"proc,omitempty"`
}

// QueryWire carries one Query request.
type QueryWire struct {
	Keys       []string   `json:"keys"`
	Qualifiers []InfoWire `json:"qualifiers,omitempty"`
}

// AppWire carries one App in a spawn request.
type AppWire struct {
	Cmd      string   `json:"cmd"`
	Argv     []string `json:"argv,omitempty"`
	Env      []string `json:"env,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	MaxProcs int      `json:"maxprocs"`
}

// RequestEnvelope is one client->runtime request line.
type RequestEnvelope struct {
	ID         uint64     `json:"id"`
	Op         string     `json:"op"`
	Query      *QueryWire `json:"query,omitempty"`
	Apps       []AppWire  `json:"apps,omitempty"`
	Directives []InfoWire `json:"directives,omitempty"`
	Source     *Proc      `json:"source,omitempty"`
	Channels   uint8      `json:"channels,omitempty"`
	Codes      []int32    `json:"codes,omitempty"`
	Ref        uint64     `json:"ref,omitempty"`
}

// ServerEnvelope is one runtime->client line: either a completion paired to a
// request id, or an unsolicited stream delivery (Stream != "").
type ServerEnvelope struct {
	ID        uint64     `json:"id,omitempty"`
	Status    int32      `json:"status"`
	Results   []InfoWire `json:"results,omitempty"`
	Namespace string     `json:"nspace,omitempty"`
	Ref       uint64     `json:"ref,omitempty"`

	Stream  string     `json:"stream,omitempty"`
	Source  *Proc      `json:"source,omitempty"`
	Channel uint8      `json:"channel,omitempty"`
	Payload []byte     `json:"payload,omitempty"`
	Code    int32      `json:"code,omitempty"`
	Info    []InfoWire `json:"info,omitempty"`
}

func (e RequestEnvelope) Validate() error {
	if strings.TrimSpace(e.Op) == "" {
		return fmt.Errorf("request missing op")
	}
	if e.ID == 0 {
		return fmt.Errorf("request missing id")
	}
	return nil
}

func EncodeInfos(infos []Info) ([]InfoWire, error) {
	if len(infos) == 0 {
		return nil, nil
	}
	out := make([]InfoWire, 0, len(infos))
	for _, in := range infos {
		w := InfoWire{Key: in.Key}
		switch v := in.Value.(type) {
		case string:
			w.Type = "string"
			w.Str = v
		case bool:
			w.Type = "bool"
			w.Flag = v
		case int64:
			w.Type = "int"
			w.Num = v
		case int:
			w.Type = "int"
			w.Num = int64(v)
		case uint64:
			w.Type = "uint"
			w.UNum = v
		case Proc:
			w.Type = "proc"
			p := v
			w.Proc = &p
		default:
			return nil, fmt.Errorf("info %q has unsupported value type %T", in.Key, in.Value)
		}
		out = append(out, w)
	}
	return out, nil
}

func DecodeInfos(wires []InfoWire) ([]Info, error) {
	if len(wires) == 0 {
		return nil, nil
	}
	out := make([]Info, 0, len(wires))
	for _, w := range wires {
		in := Info{Key: w.Key}
		switch w.Type {
		case "string":
			in.Value = w.Str
		case "bool":
			in.Value = w.Flag
		case "int":
			in.Value = w.Num
		case "uint":
			in.Value = w.UNum
		case "proc":
			if w.Proc == nil {
				return nil, fmt.Errorf("info %q typed proc with no proc body", w.Key)
			}
			in.Value = *w.Proc
		default:
			return nil, fmt.Errorf("info %q has unknown wire type %q", w.Key, w.Type)
		}
		out = append(out, in)
	}
	return out, nil
}

func EncodeApps(apps []App) []AppWire {
	out := make([]AppWire, 0, len(apps))
	for _, a := range apps {
		out = append(out, AppWire{
			Cmd:      a.Cmd,
			Argv:     append([]string(nil), a.Argv...),
			Env:      append([]string(nil), a.Env...),
			Cwd:      a.Cwd,
			MaxProcs: a.MaxProcs,
		})
	}
	return out
}

func DecodeApps(wires []AppWire) []App {
	out := make([]App, 0, len(wires))
	for _, w := range wires {
		out = append(out, App{
			Cmd:      w.Cmd,
			Argv:     append([]string(nil), w.Argv...),
			Env:      append([]string(nil), w.Env...),
			Cwd:      w.Cwd,
			MaxProcs: w.MaxProcs,
		})
	}
	return out
}
