package horizon

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// StreamReader delivers trade records in stream order. Recv blocks
// until a record arrives, the stream fails, or the opening context is
// cancelled.
type StreamReader interface {
	Recv() (*Trade, error)
	Close() error
}

const streamHandshakeTimeout = 30 * time.Second

// OpenTradeStream opens the trade-event stream of an account, starting
// after the given cursor ("0" or "" for the beginning). The stream is
// closed when ctx is cancelled.
func (c *Client) OpenTradeStream(ctx context.Context, account, cursor string) (StreamReader, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.streamURL + "/accounts/" + account + "/trades"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: streamHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing trade stream for %s", account)
	}

	s := &tradeStream{conn: conn, done: make(chan struct{})}
	// Unblock Recv when the context is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type tradeStream struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (s *tradeStream) Recv() (*Trade, error) {
	var t Trade
	if err := s.conn.ReadJSON(&t); err != nil {
		return nil, errors.Wrap(err, "reading trade stream")
	}
	return &t, nil
}

func (s *tradeStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
