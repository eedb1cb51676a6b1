package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Session mailbox capacity and keep-alive timings (spec.md §4.7, §6).
const (
	sessionMailboxSize = 65536
	sessionMaxFrame    = 128 * 1024
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	writeWait          = 10 * time.Second
)

// WSSession is the session adapter (C7): one per inbound WebSocket
// connection. It implements the Session interface the consumer actors use
// to push inbound record frames, and owns the readPump/writePump pair that
// translate client frames into dispatcher calls and dispatcher/consumer
// output back onto the wire.
type WSSession struct {
	clientID   string
	conn       *websocket.Conn
	dispatcher *Dispatcher
	metrics    *Metrics
	log        *slog.Logger

	mailbox chan []byte
	done    chan struct{}
}

// NewWSSession wraps an upgraded connection. Call Run to start serving it;
// Run blocks until the connection closes.
func NewWSSession(clientID string, conn *websocket.Conn, d *Dispatcher, m *Metrics, log *slog.Logger) *WSSession {
	conn.SetReadLimit(sessionMaxFrame)
	return &WSSession{
		clientID:   clientID,
		conn:       conn,
		dispatcher: d,
		metrics:    m,
		log:        log.With(slog.String("client_id", clientID)),
		mailbox:    make(chan []byte, sessionMailboxSize),
		done:       make(chan struct{}),
	}
}

// TrySend implements Session: a non-blocking attempt to queue an outbound
// frame. Returns false when the session's mailbox is saturated, which the
// consumer actor treats as backpressure (spec.md §4.4, §4.7).
func (s *WSSession) TrySend(frame []byte) bool {
	select {
	case s.mailbox <- frame:
		return true
	default:
		if s.metrics != nil {
			s.metrics.MailboxFullTotal.Inc()
		}
		return false
	}
}

// Run serves the connection until it closes, then unregisters the client
// from every partition (spec.md §4.7 "on disconnect").
func (s *WSSession) Run() {
	if s.metrics != nil {
		s.metrics.SessionsConnected.Inc()
		defer s.metrics.SessionsConnected.Dec()
	}
	go s.writePump()

	s.send(Response{RS: true, Detail: "connected"})
	s.readPump()

	close(s.done)
	s.dispatcher.Unsubscribe(s.clientID)
}

func (s *WSSession) readPump() {
	defer s.conn.Close()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleFrame(data)
		case websocket.BinaryMessage:
			s.TrySend(data)
		}
	}
}

func (s *WSSession) handleFrame(data []byte) {
	env, err := parseEnvelope(data)
	if err != nil {
		s.log.Warn("invalid_envelope", slog.Any("err", err))
		s.send(Response{RS: false, Detail: "Invalid json:" + err.Error()})
		return
	}

	switch {
	case env.Cmd == "subscribe":
		if err := s.dispatcher.Subscribe(s.clientID, s, env.Params, env.Offset); err != nil {
			s.send(Response{RS: false, Detail: err.Error()})
			return
		}
		if s.metrics != nil {
			s.metrics.SubscribeTotal.Inc()
		}
		s.send(Response{RS: true, Detail: "Subscribe Success"})
	case env.Topic != "":
		if _, err := s.dispatcher.Publish(env); err != nil {
			s.log.Warn("publish_failed", slog.String("topic", env.Topic), slog.Any("err", err))
			if s.metrics != nil && errors.Is(err, ErrMailboxFull) {
				s.metrics.MailboxFullTotal.Inc()
			}
			return
		}
		if s.metrics != nil {
			s.metrics.PublishTotal.Inc()
		}
	}
	// Other shapes are ignored (spec.md §4.7).
}

func (s *WSSession) send(v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal_control_frame_failed", slog.Any("err", err))
		return
	}
	s.TrySend(frame)
}

func (s *WSSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.mailbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
