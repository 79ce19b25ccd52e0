package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the relay uses on both sockets.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the speech provider socket.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// RealtimeDialer dials an OpenAI-compatible realtime endpoint.
type RealtimeDialer struct {
	URL    string
	APIKey string
	// HandshakeTimeout bounds the websocket handshake. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d *RealtimeDialer) Dial(ctx context.Context) (Conn, error) {
	if d.APIKey == "" {
		return nil, errors.New("no speech provider api key configured")
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing speech provider: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing speech provider: %w", err)
	}
	return conn, nil
}
