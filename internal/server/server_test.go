package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/collab/internal/awareness"
	"github.com/roach88/collab/internal/config"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/engine"
	"github.com/roach88/collab/internal/tracelog"
	"github.com/roach88/collab/internal/transport"
)

const waitFor = 3 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ReplicaID = "server"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TickInterval = 20 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Stop(ctx)
		ts.Close()
	})
	return s, ts
}

// client is a peer replica joined to a room through the server.
func client(t *testing.T, ts *httptest.Server, room string, replica crdt.ReplicaID) *engine.Engine {
	t.Helper()
	m := transport.NewMux(transport.WithMuxLogger(quietLogger()))
	eng := engine.New(crdt.New(replica), m, engine.WithRoom(room), engine.WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = m.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/" + room
	ws, err := transport.DialWebSocket(ctx, url, transport.KindRelay, nil)
	require.NoError(t, err)
	_, err = eng.Attach(ws)
	require.NoError(t, err)
	return eng
}

func requireText(t *testing.T, want string, engines ...*engine.Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range engines {
			if e.Doc().Snapshot() != want {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)
}

func TestServer_RelaysBetweenClients(t *testing.T) {
	s, ts := startServer(t)

	a := client(t, ts, "notes", "a")
	b := client(t, ts, "notes", "b")

	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "hi"})
	require.NoError(t, err)
	requireText(t, "hi", a, b)

	_, err = b.Apply(crdt.Insert{Pos: 2, Text: "!"})
	require.NoError(t, err)
	requireText(t, "hi!", a, b)

	eng, ok := s.Room("notes")
	require.True(t, ok)
	assert.Equal(t, "hi!", eng.Doc().Snapshot())
	assert.Equal(t, crdt.ReplicaID("server"), eng.Doc().Replica())
}

func TestServer_LateJoinerReceivesState(t *testing.T) {
	srv, ts := startServer(t)

	a := client(t, ts, "notes", "a")
	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "draft"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		eng, ok := srv.Room("notes")
		return ok && eng.Doc().Snapshot() == "draft"
	}, waitFor, 10*time.Millisecond)

	b := client(t, ts, "notes", "b")
	requireText(t, "draft", b)
}

func TestServer_RoomsAreIsolated(t *testing.T) {
	srv, ts := startServer(t)

	a := client(t, ts, "one", "a")
	b := client(t, ts, "two", "b")

	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "first"})
	require.NoError(t, err)
	_, err = b.Apply(crdt.Insert{Pos: 0, Text: "second"})
	require.NoError(t, err)

	requireText(t, "first", a)
	requireText(t, "second", b)
	require.Eventually(t, func() bool {
		one, ok1 := srv.Room("one")
		two, ok2 := srv.Room("two")
		return ok1 && ok2 && one.Doc().Snapshot() == "first" && two.Doc().Snapshot() == "second"
	}, waitFor, 10*time.Millisecond)

	rooms := srv.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "one", rooms[0].Name)
	assert.Equal(t, "two", rooms[1].Name)
	assert.Equal(t, 5, rooms[0].Length)
}

func TestServer_PresenceRelayed(t *testing.T) {
	_, ts := startServer(t)

	a := client(t, ts, "notes", "a")
	b := client(t, ts, "notes", "b")

	_, err := a.Awareness().SetLocal(awareness.Presence{User: "ana", Cursor: &awareness.Cursor{Line: 1, Column: 4}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := b.Awareness().Get("a")
		return ok && rec.Presence.User == "ana"
	}, waitFor, 10*time.Millisecond)
}

func TestServer_RoomsEndpoint(t *testing.T) {
	_, ts := startServer(t)
	a := client(t, ts, "notes", "a")
	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "x"})
	require.NoError(t, err)

	var rooms []RoomInfo
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/rooms")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		rooms = nil
		if json.NewDecoder(resp.Body).Decode(&rooms) != nil || len(rooms) != 1 {
			return false
		}
		return rooms[0].Length == 1 && len(rooms[0].Sessions) == 1
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, "notes", rooms[0].Name)
	assert.Equal(t, "relay", rooms[0].Sessions[0].Kind)
	assert.Equal(t, uint64(1), rooms[0].Vector["a"])
}

func TestServer_Healthz(t *testing.T) {
	_, ts := startServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "server", body["replica"])
}

func TestServer_Metrics(t *testing.T) {
	_, ts := startServer(t)
	a := client(t, ts, "notes", "a")
	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "m"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), `collab_ops_applied_total{origin="remote"} 1`) &&
			strings.Contains(string(body), `collab_connections{kind="relay"} 1`)
	}, waitFor, 20*time.Millisecond)
}

func TestServer_RejectsBadRoomName(t *testing.T) {
	_, ts := startServer(t)

	resp, err := http.Get(ts.URL + "/rooms/bad%20name")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_PlainGETIsNotUpgraded(t *testing.T) {
	_, ts := startServer(t)

	resp, err := http.Get(ts.URL + "/rooms/notes")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_TraceRecordedAndResumed(t *testing.T) {
	path := t.TempDir() + "/trace.db"
	log, err := tracelog.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	srv, ts := startServer(t, WithTraceLog(log))
	a := client(t, ts, "notes", "a")
	_, err = a.Apply(crdt.Insert{Pos: 0, Text: "rec"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		eng, ok := srv.Room("notes")
		return ok && eng.Doc().Snapshot() == "rec"
	}, waitFor, 10*time.Millisecond)

	in, err := log.Entries(context.Background(), tracelog.Filter{Room: "notes", Direction: tracelog.In})
	require.NoError(t, err)
	require.NotEmpty(t, in)
	assert.Equal(t, crdt.ReplicaID("server"), in[0].Replica)

	last, err := log.LastSeq(context.Background(), "notes", "server")
	require.NoError(t, err)
	assert.Positive(t, last)

	ops, _, err := log.Ops(context.Background(), "notes")
	require.NoError(t, err)
	res, err := engine.VerifyReplay(ops)
	require.NoError(t, err)
	assert.Equal(t, "rec", res.Text)
	assert.True(t, res.Matching)
}

func TestServer_StopRefusesNewRooms(t *testing.T) {
	s, ts := startServer(t)
	require.NoError(t, s.Stop(context.Background()))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, err = s.open("late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServer_StartAndAddr(t *testing.T) {
	s, err := New(testConfig(), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", s.Addr())

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.NotEqual(t, "127.0.0.1:0", s.Addr())
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Room = ""
	_, err := New(cfg)
	require.Error(t, err)
}

func TestServer_WebRTCClient(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real WebRTC session")
	}
	_, ts := startServer(t, WithWebRTC(transport.PeerConfig{Loopback: true, Kind: transport.KindRelay}))
	ws := client(t, ts, "notes", "a")

	m := transport.NewMux(transport.WithMuxLogger(quietLogger()))
	rtc := engine.New(crdt.New("b"), m, engine.WithRoom("notes"), engine.WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rtc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = m.Close()
	})

	dialCtx, dialCancel := context.WithTimeout(ctx, 20*time.Second)
	defer dialCancel()
	ch, err := transport.DialWebRTC(dialCtx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/rooms/notes",
		transport.PeerConfig{Loopback: true, Kind: transport.KindRelay})
	require.NoError(t, err)
	_, err = rtc.Attach(ch)
	require.NoError(t, err)

	_, err = rtc.Apply(crdt.Insert{Pos: 0, Text: "over rtc"})
	require.NoError(t, err)
	requireText(t, "over rtc", ws, rtc)
}

func TestServer_WebRTCRejectsBadOffer(t *testing.T) {
	_, ts := startServer(t)

	resp, err := http.Post(ts.URL+"/rooms/notes/webrtc", "application/json", strings.NewReader(`{"sdp":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/rooms/notes/webrtc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
