package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"

	"github.com/saveenergy/latbench/pkg/types"
)

type logCall struct {
	identity  types.Identity
	sent      float64
	underLoad bool
}

type fakeReducers struct {
	mu           sync.Mutex
	logs         []logCall
	data         [][]int32
	deletes      []uint64
	calls        chan string
	disconnected chan types.Identity
	addDataErr   error
}

func newFakeReducers() *fakeReducers {
	return &fakeReducers{
		calls:        make(chan string, 32),
		disconnected: make(chan types.Identity, 4),
	}
}

func (f *fakeReducers) Connect(_ context.Context, identity types.Identity) (types.ConnectionClock, error) {
	return types.ConnectionClock{Identity: identity, Clock: 1000}, nil
}

func (f *fakeReducers) Disconnect(identity types.Identity) {
	f.disconnected <- identity
}

func (f *fakeReducers) AddLog(_ context.Context, identity types.Identity, sent float64, underLoad bool) error {
	f.mu.Lock()
	f.logs = append(f.logs, logCall{identity, sent, underLoad})
	f.mu.Unlock()
	f.calls <- frameAddLog
	return nil
}

func (f *fakeReducers) AddData(_ context.Context, _ types.Identity, data []int32) error {
	f.mu.Lock()
	f.data = append(f.data, data)
	f.mu.Unlock()
	f.calls <- frameAddData
	return f.addDataErr
}

func (f *fakeReducers) DeleteData(_ context.Context, _ types.Identity, deletionID uint64) {
	f.mu.Lock()
	f.deletes = append(f.deletes, deletionID)
	f.mu.Unlock()
	f.calls <- frameDeleteDataWorker
}

func startServer(t *testing.T, r Reducers) (*Server, string) {
	t.Helper()
	s := NewServer(r)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleConnect))
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f serverFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func waitCall(t *testing.T, f *fakeReducers, want string) {
	t.Helper()
	select {
	case got := <-f.calls:
		if got != want {
			t.Fatalf("call = %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestConnectIssuesIdentity(t *testing.T) {
	_, url := startServer(t, newFakeReducers())
	conn := dial(t, url)

	f := readFrame(t, conn)
	if f.Type != frameConnected {
		t.Fatalf("type = %q", f.Type)
	}
	if _, err := uuid.Parse(f.Identity); err != nil {
		t.Fatalf("identity %q is not a uuid", f.Identity)
	}
	if f.Clock != 1000 {
		t.Fatalf("clock = %v", f.Clock)
	}
}

func TestConnectKeepsRequestedIdentity(t *testing.T) {
	_, url := startServer(t, newFakeReducers())
	want := "4b1f8a2e-5c6d-4e7f-8a9b-0c1d2e3f4a5b"
	conn := dial(t, url+"?identity="+want)

	if f := readFrame(t, conn); f.Identity != want {
		t.Fatalf("identity = %q, want %q", f.Identity, want)
	}
}

func TestConnectNeverGrantsSystemIdentity(t *testing.T) {
	_, url := startServer(t, newFakeReducers())
	conn := dial(t, url+"?identity="+string(types.SystemIdentity))

	f := readFrame(t, conn)
	if f.Identity == string(types.SystemIdentity) {
		t.Fatal("client was granted the system identity")
	}
}

func TestFramesReachReducers(t *testing.T) {
	fr := newFakeReducers()
	_, url := startServer(t, fr)
	conn := dial(t, url)
	hello := readFrame(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"add_log","sent":1700000000.25,"under_load":true}`))
	waitCall(t, fr, frameAddLog)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"add_data","data":[0,17,255]}`))
	waitCall(t, fr, frameAddData)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"delete_data_worker","deletion_id":42}`))
	waitCall(t, fr, frameDeleteDataWorker)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.logs) != 1 || fr.logs[0].sent != 1700000000.25 || !fr.logs[0].underLoad {
		t.Fatalf("logs = %+v", fr.logs)
	}
	if string(fr.logs[0].identity) != hello.Identity {
		t.Fatalf("add_log identity = %s, want %s", fr.logs[0].identity, hello.Identity)
	}
	if len(fr.data) != 1 || len(fr.data[0]) != 3 || fr.data[0][2] != 255 {
		t.Fatalf("data = %v", fr.data)
	}
	if len(fr.deletes) != 1 || fr.deletes[0] != 42 {
		t.Fatalf("deletes = %v", fr.deletes)
	}
}

func TestMalformedFrameGetsErrorAndConnectionSurvives(t *testing.T) {
	fr := newFakeReducers()
	_, url := startServer(t, fr)
	conn := dial(t, url)
	readFrame(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"add_log"`))
	if f := readFrame(t, conn); f.Type != frameError || f.Message == "" {
		t.Fatalf("frame = %+v", f)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"add_log","sent":1}`))
	waitCall(t, fr, frameAddLog)
}

func TestReducerFailureIsNotReportedToClient(t *testing.T) {
	fr := newFakeReducers()
	fr.addDataErr = errors.New("disk full")
	_, url := startServer(t, fr)
	conn := dial(t, url)
	readFrame(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"add_data","data":[1]}`))
	waitCall(t, fr, frameAddData)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))

	// The next frame is the error for "bogus", not one for the failed add_data.
	f := readFrame(t, conn)
	if f.Type != frameError || !strings.Contains(f.Message, "bogus") {
		t.Fatalf("frame = %+v", f)
	}
}

func TestDisconnectNotifiesReducers(t *testing.T) {
	fr := newFakeReducers()
	_, url := startServer(t, fr)
	conn := dial(t, url)
	hello := readFrame(t, conn)

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	select {
	case id := <-fr.disconnected:
		if string(id) != hello.Identity {
			t.Fatalf("disconnected %s, want %s", id, hello.Identity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect was not called")
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	fr := newFakeReducers()
	s, url := startServer(t, fr)
	conn := dial(t, url)
	readFrame(t, conn)

	s.Close()
	if n := s.ClientCount(); n != 0 {
		t.Fatalf("ClientCount = %d after Close", n)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}
}

func TestDecodeFrame(t *testing.T) {
	var p fastjson.Parser
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"add_log defaults under_load", `{"type":"add_log","sent":12.5}`, false},
		{"add_log missing sent", `{"type":"add_log"}`, true},
		{"add_log string sent", `{"type":"add_log","sent":"12"}`, true},
		{"add_data", `{"type":"add_data","data":[1,2]}`, false},
		{"add_data overflow", `{"type":"add_data","data":[4294967296]}`, true},
		{"add_data not array", `{"type":"add_data","data":5}`, true},
		{"delete negative id", `{"type":"delete_data_worker","deletion_id":-1}`, true},
		{"missing type", `{"sent":1}`, true},
		{"unknown type", `{"type":"drop_tables"}`, true},
		{"not an object", `[1,2]`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeFrame(&p, []byte(tc.in))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestServerAllowedOriginWildcard(t *testing.T) {
	s := NewServer(newFakeReducers())
	defer s.Close()
	s.SetAllowedOrigins([]string{"*.example.com"})

	if !s.isAllowedOrigin("https://foo.example.com", "foo.example.com") {
		t.Fatalf("expected wildcard origin to be allowed")
	}
	if s.isAllowedOrigin("https://evil.test", "foo.example.com") {
		t.Fatalf("expected foreign origin to be rejected")
	}
}

func TestServerSameOriginByDefault(t *testing.T) {
	s := NewServer(newFakeReducers())
	defer s.Close()

	if !s.isAllowedOrigin("https://bench.local:8443", "bench.local:8443") {
		t.Fatalf("expected same-origin request to be allowed")
	}
	if s.isAllowedOrigin("https://other.local", "bench.local") {
		t.Fatalf("expected cross-origin request to be rejected")
	}
}
