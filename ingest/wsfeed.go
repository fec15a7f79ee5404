package ingest

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

// maxMessageBytes bounds a single feed message; anything larger kills the
// read and triggers a reconnect.
const maxMessageBytes = 1 << 20

// WSFeed reads newline-free JSON messages from a WebSocket endpoint.
type WSFeed struct {
	name      string
	url       string
	authToken string
	conn      *websocket.Conn
}

// NewWSFeed builds a feed for the given endpoint. When authToken is
// non-empty it is sent as a bearer token on the dial request.
func NewWSFeed(name, url, authToken string) *WSFeed {
	return &WSFeed{name: name, url: url, authToken: authToken}
}

func (f *WSFeed) Name() string { return f.name }

func (f *WSFeed) Connect(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if f.authToken != "" {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+f.authToken)
		opts.HTTPHeader = h
	}
	conn, resp, err := websocket.Dial(ctx, f.url, opts)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageBytes)
	if f.conn != nil {
		f.conn.CloseNow()
	}
	f.conn = conn
	return nil
}

func (f *WSFeed) Read(ctx context.Context) ([]byte, error) {
	if f.conn == nil {
		return nil, errors.New("feed is not connected")
	}
	_, data, err := f.conn.Read(ctx)
	return data, err
}

func (f *WSFeed) Close() error {
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close(websocket.StatusNormalClosure, "shutting down")
	f.conn = nil
	return err
}
