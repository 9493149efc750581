package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fallen-shinigami/VRCX-sub000/internal/engine"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/gamelog"
	"github.com/fallen-shinigami/VRCX-sub000/internal/lobby"
)

// ErrMalformed marks a message the bridge could not decode.
var ErrMalformed = errors.New("bridge: malformed message")

// Sink accepts decoded inputs. *engine.Engine implements it.
type Sink interface {
	Enqueue(in engine.Input) bool
}

// decoder turns one websocket message into an engine input.
type decoder func(payload []byte) (engine.Input, error)

func decodeRecord(payload []byte) (engine.Input, error) {
	rec, err := gamelog.DecodeRecord(payload)
	if err != nil {
		return nil, err
	}
	return engine.LogRecord{Record: rec}, nil
}

func decodeFrame(payload []byte) (engine.Input, error) {
	f, err := lobby.DecodeFrame(payload)
	if err != nil {
		return nil, err
	}
	return engine.ProtocolFrame{Frame: f}, nil
}

// sourceMessage is either an entry from an external source or a raw
// presence ping:
//
//	{"source":"friendlog","entry":{"type":"Friend","createdAt":"...","displayName":"C"}}
//	{"ping":{"location":"wrld_1:1","displayName":"C","dt":"..."}}
type sourceMessage struct {
	Source string      `json:"source"`
	Entry  *feed.Entry `json:"entry"`
	Ping   *feed.Ping  `json:"ping"`
}

func decodeSource(payload []byte) (engine.Input, error) {
	var msg sourceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case msg.Ping != nil:
		if msg.Ping.DisplayName == "" || msg.Ping.At.IsZero() {
			return nil, fmt.Errorf("%w: ping needs displayName and dt", ErrMalformed)
		}
		return engine.PresencePing{Ping: *msg.Ping}, nil
	case msg.Entry != nil:
		src, ok := feed.ParseSource(msg.Source)
		if !ok {
			return nil, fmt.Errorf("%w: unknown source %q", ErrMalformed, msg.Source)
		}
		// The game log and moderation sources belong to the engine.
		if src == feed.SourceGameLog || src == feed.SourceModeration {
			return nil, fmt.Errorf("%w: source %q is not external", ErrMalformed, msg.Source)
		}
		if msg.Entry.Type == "" || msg.Entry.CreatedAt.IsZero() {
			return nil, fmt.Errorf("%w: entry needs type and createdAt", ErrMalformed)
		}
		return engine.SourceEntry{Source: src, Entry: *msg.Entry}, nil
	default:
		return nil, fmt.Errorf("%w: neither entry nor ping", ErrMalformed)
	}
}

// maxMessageSize bounds one upstream message. Join frames carry whole
// profiles, so this matches the replay line limit.
const maxMessageSize = 1 << 20

// ingress reads messages from one upstream connection until it closes.
type ingress struct {
	name     string
	sink     Sink
	decode   decoder
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func (h *ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "endpoint", h.name, "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	h.logger.Info("upstream connected", "endpoint", h.name, "remote", r.RemoteAddr)
	var accepted, dropped int
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("upstream read failed", "endpoint", h.name, "error", err)
			}
			h.logger.Info("upstream disconnected", "endpoint", h.name,
				"accepted", accepted, "dropped", dropped)
			return
		}
		if msgType != websocket.TextMessage {
			dropped++
			continue
		}

		in, err := h.decode(payload)
		if err != nil {
			dropped++
			h.logger.Warn("discarding malformed message", "endpoint", h.name, "error", err)
			continue
		}
		if !h.sink.Enqueue(in) {
			h.logger.Info("engine stopped, closing upstream", "endpoint", h.name)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine stopped")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		accepted++
	}
}
