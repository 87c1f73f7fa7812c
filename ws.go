package bililive

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsHandshakeTimeout bounds how long a single WebSocket dial may take,
// mirroring the dialer configuration.
const wsHandshakeTimeout = 10 * time.Second

// wsRawDuplex adapts a *websocket.Conn to RawDuplex. gorilla/websocket
// requires a single writer at a time, so writes are serialized by wsMu.
type wsRawDuplex struct {
	conn *websocket.Conn
	wsMu sync.Mutex
}

// DialWebSocket is the default Dialer: it opens a WebSocket connection to
// url with the headers Bilibili's edge expects (User-Agent, and Cookie
// when cookies is non-empty).
func DialWebSocket(cookies string) Dialer {
	return func(ctx context.Context, url string) (RawDuplex, error) {
		dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
		header := http.Header{}
		header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
		if cookies != "" {
			header.Set("Cookie", cookies)
		}

		conn, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", url, err)
		}
		return &wsRawDuplex{conn: conn}, nil
	}
}

func (w *wsRawDuplex) ReadMessage(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		_, data, err := w.conn.ReadMessage()
		ch <- result{data: data, err: err}
	}()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		w.conn.Close()
		return nil, ctx.Err()
	}
}

func (w *wsRawDuplex) WriteMessage(ctx context.Context, data []byte) error {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsRawDuplex) Close() error {
	return w.conn.Close()
}
