package xrpledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
)

// WebsocketTransport dials rippled subscription streams over websocket.
type WebsocketTransport struct {
	url string
	log logging.Logger
}

func NewWebsocketTransport(url string, log logging.Logger) *WebsocketTransport {
	return &WebsocketTransport{url: url, log: log.With("module", "xrpledger")}
}

// Dial implements SubscribeTransport.
func (t *WebsocketTransport) Dial(ctx context.Context) (Stream, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger subscribe dial: %w", err)
	}
	return &websocketStream{conn: conn, log: t.log}, nil
}

type websocketStream struct {
	conn *websocket.Conn
	log  logging.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

type subscribeCommand struct {
	Command  string   `json:"command"`
	Accounts []string `json:"accounts"`
}

// Subscribe implements Stream. Re-subscribing an address the server already
// tracks is harmless.
func (s *websocketStream) Subscribe(ctx context.Context, addresses []string) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cmd := subscribeCommand{Command: "subscribe", Accounts: addresses}
	if err := s.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("ledger subscribe: %w", err)
	}
	return nil
}

// Next implements Stream. Messages that do not decode as stream events are
// skipped; only transport failures surface as errors.
func (s *websocketStream) Next(ctx context.Context) (*StreamMessage, error) {
	// ReadMessage has no context support, so cancellation is enforced by
	// closing the connection from a watcher goroutine.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("ledger stream read: %w", err)
		}

		msg, ok := DecodeStreamMessage(data)
		if !ok {
			continue
		}
		return msg, nil
	}
}

// Close implements Stream. Safe to call more than once.
func (s *websocketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

var _ SubscribeTransport = (*WebsocketTransport)(nil)
var _ Stream = (*websocketStream)(nil)
