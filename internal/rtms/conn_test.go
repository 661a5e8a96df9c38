package rtms

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/calyxhpc/attachctl/internal/testutil/testlog"
)

// scriptServer accepts one connection and hands each decoded request to
// respond, which writes server lines back through send.
func scriptServer(t *testing.T, respond func(req RequestEnvelope, send func(ServerEnvelope))) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		send := func(env ServerEnvelope) {
			line, err := json.Marshal(env)
			if err != nil {
				t.Errorf("marshal server line: %v", err)
				return
			}
			conn.Write(append(line, '\n'))
		}
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var req RequestEnvelope
			if err := json.Unmarshal(line, &req); err != nil {
				t.Errorf("unmarshal request line: %v", err)
				return
			}
			if req.Op == OpFinalize {
				return
			}
			respond(req, send)
		}
	}()
	return ln.Addr().String()
}

func TestConnQueryRoundTrip(t *testing.T) {
	testlog.Start(t)

	addr := scriptServer(t, func(req RequestEnvelope, send func(ServerEnvelope)) {
		if req.Op != OpQuery {
			t.Errorf("server saw op %q, want query", req.Op)
		}
		results, _ := EncodeInfos([]Info{StringInfo(KeyQueryNamespaces, "app,daemon")})
		send(ServerEnvelope{ID: req.ID, Status: int32(StatusOK), Results: results})
	})

	c, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Finalize()

	type completion struct {
		status  Status
		results []Info
	}
	done := make(chan completion, 1)
	err = c.Query(Query{Keys: []string{KeyQueryNamespaces}}, func(st Status, res []Info) {
		done <- completion{st, res}
	})
	if err != nil {
		t.Fatalf("query submit: %v", err)
	}

	got := <-done
	if got.status != StatusOK {
		t.Fatalf("query status = %v", got.status)
	}
	in, ok := LookupInfo(got.results, KeyQueryNamespaces)
	if !ok {
		t.Fatalf("results missing namespace list: %+v", got.results)
	}
	if s, _ := in.AsString(); s != "app,daemon" {
		t.Fatalf("namespace list = %q", s)
	}
}

func TestConnPullIODeliversChunksInOrder(t *testing.T) {
	testlog.Start(t)

	source := Proc{Namespace: "daemon.0", Rank: 0}
	addr := scriptServer(t, func(req RequestEnvelope, send func(ServerEnvelope)) {
		if req.Op != OpPullIO {
			return
		}
		// Completion first, then chunks on the same stream: the client must
		// have the handler routable before it reads them.
		send(ServerEnvelope{ID: req.ID, Status: int32(StatusOK), Ref: 11})
		send(ServerEnvelope{Stream: StreamIO, Ref: 11, Source: &source,
			Channel: uint8(ChannelStdout), Payload: []byte("first ")})
		send(ServerEnvelope{Stream: StreamIO, Ref: 11, Source: &source,
			Channel: uint8(ChannelStderr), Payload: []byte("second")})
	})

	c, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Finalize()

	chunks := make(chan string, 2)
	regDone := make(chan Status, 1)
	err = c.PullIO(WildcardProc("daemon.0"), ChannelStdout|ChannelStderr, nil,
		func(src Proc, ch IOChannel, payload []byte) {
			chunks <- string(payload)
		},
		func(st Status, ref uint64) {
			regDone <- st
		})
	if err != nil {
		t.Fatalf("pull_io submit: %v", err)
	}

	if st := <-regDone; st != StatusOK {
		t.Fatalf("registration status = %v", st)
	}
	if got := <-chunks; got != "first " {
		t.Fatalf("first chunk = %q", got)
	}
	if got := <-chunks; got != "second" {
		t.Fatalf("second chunk = %q", got)
	}
}

func TestConnEventDispatch(t *testing.T) {
	testlog.Start(t)

	addr := scriptServer(t, func(req RequestEnvelope, send func(ServerEnvelope)) {
		if req.Op != OpRegisterEvent {
			return
		}
		send(ServerEnvelope{ID: req.ID, Status: int32(StatusOK), Ref: req.Ref})
		info, _ := EncodeInfos([]Info{IntInfo(KeyExitCode, 2)})
		source := Proc{Namespace: "daemon.0", Rank: 0}
		send(ServerEnvelope{Stream: StreamEvent, Code: int32(EventJobTerminated),
			Source: &source, Info: info})
	})

	c, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Finalize()

	events := make(chan EventNotification, 1)
	regDone := make(chan Status, 1)
	err = c.RegisterEventHandler([]Status{EventJobTerminated}, nil,
		func(ev EventNotification, done func(Status)) {
			events <- ev
			done(StatusEventActionComplete)
		},
		func(st Status, ref uint64) {
			regDone <- st
		})
	if err != nil {
		t.Fatalf("register submit: %v", err)
	}

	if st := <-regDone; st != StatusOK {
		t.Fatalf("registration status = %v", st)
	}
	ev := <-events
	if ev.Code != EventJobTerminated {
		t.Fatalf("event code = %v", ev.Code)
	}
	in, ok := LookupInfo(ev.Info, KeyExitCode)
	if !ok {
		t.Fatalf("event info missing exit code: %+v", ev.Info)
	}
	if code, _ := in.AsInt(); code != 2 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestConnSkipsMalformedServerLine(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	// Garbage precedes the completion; the reader must drop it and keep going.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req RequestEnvelope
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		conn.Write([]byte("not a server line\n"))
		resp, _ := json.Marshal(ServerEnvelope{ID: req.ID, Status: int32(StatusOK)})
		conn.Write(append(resp, '\n'))
		reader.ReadBytes('\n')
	}()

	c, err := Dial(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Finalize()

	done := make(chan Status, 1)
	err = c.Query(Query{Keys: []string{KeyQueryNamespaces}}, func(st Status, _ []Info) {
		done <- st
	})
	if err != nil {
		t.Fatalf("query submit: %v", err)
	}
	select {
	case st := <-done:
		if st != StatusOK {
			t.Fatalf("query status = %v after a skipped bad line", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("completion never arrived past the bad line")
	}
}

func TestConnSubmitAfterFinalize(t *testing.T) {
	testlog.Start(t)

	addr := scriptServer(t, func(req RequestEnvelope, send func(ServerEnvelope)) {})
	c, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	err = c.Query(Query{Keys: []string{KeyQueryNamespaces}}, func(Status, []Info) {})
	if err != ErrConnClosed {
		t.Fatalf("submit after finalize = %v, want ErrConnClosed", err)
	}
}

func TestConnFailsPendingOnServerClose(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	// Read one request line, then drop the connection without answering.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		bufio.NewReader(conn).ReadBytes('\n')
		conn.Close()
	}()

	c, err := Dial(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Finalize()

	done := make(chan Status, 1)
	err = c.Query(Query{Keys: []string{KeyQueryNamespaces}}, func(st Status, _ []Info) {
		done <- st
	})
	if err != nil {
		t.Fatalf("query submit: %v", err)
	}

	select {
	case st := <-done:
		if st == StatusOK {
			t.Fatalf("pending query completed ok after connection loss")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending query never completed after connection loss")
	}
}
