package dispatch

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 64
)

var ErrSessionFull = errors.New("session send buffer full")

// Session is one live client connection able to receive events.
type Session interface {
	ID() string
	Send(ev any) error
	Close() error
}

// WSSession represents a connected websocket client. Sends are queued and
// written by WritePump so a slow peer never blocks the fan-out.
type WSSession struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func NewWSSession(id string, conn *websocket.Conn) *WSSession {
	return &WSSession{id: id, conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) Conn() *websocket.Conn { return s.conn }

func (s *WSSession) Send(ev any) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrNoSession
	default:
	}
	select {
	case s.send <- b:
		return nil
	default:
		return ErrSessionFull
	}
}

func (s *WSSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// WritePump drains the send queue to the socket and pings the peer until the
// session is closed or a write fails.
func (s *WSSession) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
