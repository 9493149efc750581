package bridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallen-shinigami/VRCX-sub000/internal/engine"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/gamelog"
	"github.com/fallen-shinigami/VRCX-sub000/internal/lobby"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
)

var t0 = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	inputs []engine.Input
	closed bool
}

func (s *recordingSink) Enqueue(in engine.Input) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inputs = append(s.inputs, in)
	return true
}

func (s *recordingSink) snapshot() []engine.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Input{}, s.inputs...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, sink Sink, b *Broadcaster) string {
	t.Helper()
	srv := httptest.NewServer(NewServer(sink, b, discard()).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestRecords_DropsMalformedAndKeepsReading(t *testing.T) {
	sink := &recordingSink{}
	conn := dial(t, startServer(t, sink, nil)+"/records")

	send(t, conn, `{"type":"player-joined","dt":"2024-03-01T20:00:00Z","displayName":"A"}`)
	send(t, conn, `{"type":"player-joined"`)
	send(t, conn, `{"type":"no-such-kind","dt":"2024-03-01T20:00:00Z"}`)
	send(t, conn, `{"type":"player-left","dt":"2024-03-01T20:00:05Z","displayName":"A"}`)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	got := sink.snapshot()
	joined := got[0].(engine.LogRecord).Record.(gamelog.PlayerJoined)
	assert.Equal(t, "A", joined.DisplayName)
	assert.Equal(t, t0, joined.At)
	assert.IsType(t, gamelog.PlayerLeft{}, got[1].(engine.LogRecord).Record)
}

func TestFrames_Decoded(t *testing.T) {
	sink := &recordingSink{}
	conn := dial(t, startServer(t, sink, nil)+"/frames")

	send(t, conn, `{"opcode":255,"parameters":{"254":3},"dt":"2024-03-01T20:00:00Z"}`)
	send(t, conn, `{"opcode":255,"parameters":{"254":3}}`)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	f := sink.snapshot()[0].(engine.ProtocolFrame).Frame
	assert.Equal(t, lobby.OpJoin, f.Opcode)
}

func TestDecodeSource(t *testing.T) {
	in, err := decodeSource([]byte(`{"source":"friendlog","entry":{"type":"Friend","createdAt":"2024-03-01T20:00:00Z","displayName":"C"}}`))
	require.NoError(t, err)
	se := in.(engine.SourceEntry)
	assert.Equal(t, feed.SourceFriendLog, se.Source)
	assert.Equal(t, feed.TypeFriend, se.Entry.Type)

	in, err = decodeSource([]byte(`{"ping":{"location":"wrld_1:1","displayName":"C","dt":"2024-03-01T20:00:00Z"}}`))
	require.NoError(t, err)
	assert.Equal(t, "wrld_1:1", in.(engine.PresencePing).Ping.Location)

	for _, bad := range []string{
		`{}`,
		`not json`,
		`{"source":"nowhere","entry":{"type":"Friend","createdAt":"2024-03-01T20:00:00Z"}}`,
		`{"source":"gamelog","entry":{"type":"OnPlayerJoined","createdAt":"2024-03-01T20:00:00Z"}}`,
		`{"source":"status","entry":{"type":"Status"}}`,
		`{"ping":{"location":"wrld_1:1"}}`,
	} {
		_, err := decodeSource([]byte(bad))
		assert.ErrorIs(t, err, ErrMalformed, bad)
	}
}

func TestIngress_ClosesWhenEngineStopped(t *testing.T) {
	sink := &recordingSink{closed: true}
	conn := dial(t, startServer(t, sink, nil)+"/records")

	send(t, conn, `{"type":"vrc-quit","dt":"2024-03-01T20:00:00Z"}`)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestIngress_RejectsOversizedMessage(t *testing.T) {
	sink := &recordingSink{}
	conn := dial(t, startServer(t, sink, nil)+"/records")

	big := `{"type":"event","dt":"2024-03-01T20:00:00Z","data":"` + strings.Repeat("x", maxMessageSize) + `"}`
	_ = conn.WriteMessage(websocket.TextMessage, []byte(big))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
	assert.Empty(t, sink.snapshot())
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var m Message
	require.NoError(t, json.Unmarshal(payload, &m))
	return m
}

func TestBroadcaster_FansOut(t *testing.T) {
	b := NewBroadcaster(discard())
	url := startServer(t, &recordingSink{}, b) + "/feed"

	b.PublishFeed([]feed.Entry{{Type: feed.TypeLocation, CreatedAt: t0}})

	// A late client gets the last feed first.
	conn := dial(t, url)
	m := readMessage(t, conn)
	assert.Equal(t, "feed", m.Kind)
	require.Len(t, m.Feed, 1)

	require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)
	b.PublishAlert(feed.Entry{Type: feed.TypeBlocked, DisplayName: "X", CreatedAt: t0})
	b.PublishHUD(presence.Report{Timeouts: []presence.Timeout{{ActorID: 2, DisplayName: "A"}}})

	m = readMessage(t, conn)
	assert.Equal(t, "alert", m.Kind)
	assert.Equal(t, feed.TypeBlocked, m.Alert.Type)

	m = readMessage(t, conn)
	assert.Equal(t, "hud", m.Kind)
	require.Len(t, m.HUD.Timeouts, 1)
	assert.Equal(t, 2, m.HUD.Timeouts[0].ActorID)
}

func TestBroadcaster_ClientDisconnect(t *testing.T) {
	b := NewBroadcaster(discard())
	url := startServer(t, &recordingSink{}, b) + "/feed"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Clients() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return b.Clients() == 0 }, time.Second, 5*time.Millisecond)

	// Publishing with no clients is a no-op.
	b.PublishAlert(feed.Entry{Type: feed.TypeFriend})
}
