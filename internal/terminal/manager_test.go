package terminal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pairlink/hostsync/internal/runloop"
	"github.com/pairlink/hostsync/internal/transport"
)

type notifyCall struct {
	method string
	params bindParams
}

type mockClient struct {
	mu       sync.Mutex
	notifies []notifyCall
	calls    []string
	reply    map[string]json.RawMessage

	events chan transport.Envelope
	frames chan transport.BinaryFrame
	states chan transport.ConnState
}

func newMockClient() *mockClient {
	return &mockClient{
		reply:  make(map[string]json.RawMessage),
		events: make(chan transport.Envelope, 16),
		frames: make(chan transport.BinaryFrame, 16),
		states: make(chan transport.ConnState, 16),
	}
}

func (m *mockClient) Call(ctx context.Context, method string, params any) (<-chan transport.CallChunk, error) {
	m.mu.Lock()
	m.calls = append(m.calls, method)
	payload := m.reply[method]
	m.mu.Unlock()

	ch := make(chan transport.CallChunk, 1)
	ch <- transport.CallChunk{Payload: payload, Final: true}
	close(ch)
	return ch, nil
}

func (m *mockClient) Notify(ctx context.Context, method string, params any) error {
	raw, _ := json.Marshal(params)
	var bp bindParams
	_ = json.Unmarshal(raw, &bp)
	m.mu.Lock()
	m.notifies = append(m.notifies, notifyCall{method: method, params: bp})
	m.mu.Unlock()
	return nil
}

func (m *mockClient) Events() <-chan transport.Envelope          { return m.events }
func (m *mockClient) BinaryFrames() <-chan transport.BinaryFrame { return m.frames }
func (m *mockClient) ConnStates() <-chan transport.ConnState     { return m.states }
func (m *mockClient) ActiveDeviceID() string                     { return "device-1" }

func (m *mockClient) notifiesFor(method string) []notifyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notifyCall, 0)
	for _, n := range m.notifies {
		if n.method == method {
			out = append(out, n)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *mockClient, *runloop.Loop) {
	t.Helper()
	loop := runloop.New()
	t.Cleanup(loop.Stop)
	client := newMockClient()
	m := NewManager(ManagerConfig{
		Loop:        loop,
		Client:      client,
		RingBytes:   1 << 16,
		UnbindGrace: 20 * time.Millisecond,
	})
	return m, client, loop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAttachSendsBindWithBufferRequest(t *testing.T) {
	m, client, _ := newTestManager(t)
	m.Attach(context.Background(), "s1")
	m.Attach(context.Background(), "s1")

	binds := client.notifiesFor(methodBind)
	if len(binds) != 1 {
		t.Fatalf("sent %d binds, want 1", len(binds))
	}
	if binds[0].params.SessionID != "s1" || !binds[0].params.IncludeBuffered {
		t.Fatalf("bind params = %+v", binds[0].params)
	}
}

func TestHydratedSubscribeSnapshotThenLive(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Attach(context.Background(), "s1")

	m.HandleFrame(transport.BinaryFrame{SessionID: "s1", Data: []byte("before")})
	// Flush the posted frame before subscribing.
	m.loop.Call(func() {})

	out, cancel := m.Subscribe("s1", 8)
	defer cancel()

	first := <-out
	if string(first) != "before" {
		t.Fatalf("snapshot = %q, want %q", first, "before")
	}

	m.HandleFrame(transport.BinaryFrame{SessionID: "s1", Data: []byte("after")})
	select {
	case live := <-out:
		if string(live) != "after" {
			t.Fatalf("live chunk = %q", live)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live tail never arrived")
	}

	// A second reader still gets the full snapshot: reads never clear.
	out2, cancel2 := m.Subscribe("s1", 8)
	defer cancel2()
	if snap := <-out2; string(snap) != "beforeafter" {
		t.Fatalf("second snapshot = %q, want %q", snap, "beforeafter")
	}
}

func TestFrameRoutingFallsBackToLastBound(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Attach(context.Background(), "s1")

	out, cancel := m.Subscribe("s1", 8)
	defer cancel()
	<-out // empty snapshot

	m.HandleFrame(transport.BinaryFrame{Data: []byte("untagged")})
	select {
	case chunk := <-out:
		if string(chunk) != "untagged" {
			t.Fatalf("chunk = %q", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("untagged frame was not routed to the last bound session")
	}
}

func TestRebindAfterReconnect(t *testing.T) {
	m, client, _ := newTestManager(t)
	m.Attach(context.Background(), "s1")
	m.Attach(context.Background(), "s2")

	m.HandleConnState(transport.ConnState{Connected: false, DeviceID: "device-1"})
	m.HandleConnState(transport.ConnState{Connected: true, DeviceID: "device-1"})

	waitFor(t, "rebinds", func() bool {
		return len(client.notifiesFor(methodBind)) >= 4
	})

	rebinds := make(map[string]bool)
	for _, n := range client.notifiesFor(methodBind)[2:] {
		rebinds[n.params.SessionID] = n.params.IncludeBuffered
	}
	if !rebinds["s1"] || !rebinds["s2"] {
		t.Fatalf("rebinds = %v, want both sessions with buffered snapshot", rebinds)
	}
}

func TestReconnectSnapshotReplacesRing(t *testing.T) {
	m, client, _ := newTestManager(t)
	m.Attach(context.Background(), "s1")
	m.HandleFrame(transport.BinaryFrame{SessionID: "s1", Data: []byte("pre-outage")})

	m.HandleConnState(transport.ConnState{Connected: false, DeviceID: "device-1"})
	m.HandleConnState(transport.ConnState{Connected: true, DeviceID: "device-1"})
	waitFor(t, "rebind", func() bool {
		return len(client.notifiesFor(methodBind)) >= 2
	})

	// The remote re-sends its retained buffer after the rebind.
	m.HandleFrame(transport.BinaryFrame{SessionID: "s1", Data: []byte("pre-outagepost")})
	m.loop.Call(func() {})

	out, cancel := m.Subscribe("s1", 8)
	defer cancel()
	if snap := <-out; string(snap) != "pre-outagepost" {
		t.Fatalf("snapshot = %q, want the re-delivered buffer only", snap)
	}
}

func TestDeviceSwitchResetsState(t *testing.T) {
	m, client, _ := newTestManager(t)
	m.HandleConnState(transport.ConnState{Connected: true, DeviceID: "device-1"})
	m.Attach(context.Background(), "s1")
	m.HandleFrame(transport.BinaryFrame{SessionID: "s1", Data: []byte("old device bytes")})

	m.HandleConnState(transport.ConnState{Connected: true, DeviceID: "device-2"})
	m.loop.Call(func() {})

	out, cancel := m.Subscribe("s1", 8)
	defer cancel()
	if snap := <-out; len(snap) != 0 {
		t.Fatalf("ring survived device switch: %q", snap)
	}
	m.loop.Call(func() {
		if len(m.bindings.Bound()) != 0 {
			t.Error("bindings survived device switch")
		}
	})
	// No rebind for the old device's sessions.
	time.Sleep(50 * time.Millisecond)
	if binds := client.notifiesFor(methodBind); len(binds) != 1 {
		t.Fatalf("unexpected rebinds after device switch: %v", binds)
	}
}

func TestFinalizeSendsDeferredUnbind(t *testing.T) {
	m, client, _ := newTestManager(t)
	m.Attach(context.Background(), "s1")
	m.Finalize("s1")

	waitFor(t, "deferred unbind", func() bool {
		return len(client.notifiesFor(methodUnbind)) == 1
	})
}

func TestReattachDuringGraceSkipsUnbind(t *testing.T) {
	m, client, _ := newTestManager(t)
	m.Attach(context.Background(), "s1")
	m.Finalize("s1")
	m.Attach(context.Background(), "s1")

	time.Sleep(100 * time.Millisecond)
	if unbinds := client.notifiesFor(methodUnbind); len(unbinds) != 0 {
		t.Fatalf("unbind sent despite re-attach: %v", unbinds)
	}
	if binds := client.notifiesFor(methodBind); len(binds) != 1 {
		t.Fatalf("re-attach during grace should not rebind, got %d binds", len(binds))
	}
}

func TestStartSessionRegistersStream(t *testing.T) {
	m, client, _ := newTestManager(t)
	client.reply[methodStart] = json.RawMessage(`{"id":"term-9","deviceId":"device-1","shell":"/bin/zsh","isActive":true}`)

	session, err := m.StartSession(context.Background(), StartOptions{Shell: "/bin/zsh"})
	if err != nil {
		t.Fatal(err)
	}
	if session.ID != "term-9" || session.Shell != "/bin/zsh" {
		t.Fatalf("session = %+v", session)
	}
	if _, ok := m.Session("term-9"); !ok {
		t.Fatal("started session not registered")
	}
}

func TestBootstrapHydratesSessions(t *testing.T) {
	m, client, _ := newTestManager(t)
	client.reply[methodList] = json.RawMessage(`{"sessions":[{"id":"a","deviceId":"device-1","isActive":true},{"id":"b","deviceId":"device-1","isActive":false}]}`)

	if err := m.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(m.Sessions()); got != 2 {
		t.Fatalf("sessions = %d, want 2", got)
	}
}
