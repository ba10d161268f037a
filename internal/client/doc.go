package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lydiehq/lydie-sub006/internal/crdt"
)

var ErrDocClosed = errors.New("document connection closed")

// DocClient edits one document over the sync channel. The local doc keeps
// every edit made while disconnected; reconnecting with the same doc sends
// the server whatever it is missing.
type DocClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	doc     *crdt.Doc
	updates chan struct{}
	done    chan struct{}
	err     error
}

// SyncURL turns an http(s) base into the sync endpoint of documentID.
func SyncURL(baseURL, documentID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/sync/" + url.PathEscape(documentID))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// DialDoc connects local to documentID. A nil local starts empty.
func DialDoc(ctx context.Context, baseURL, token, documentID string, local *crdt.Doc) (*DocClient, error) {
	target, err := SyncURL(baseURL, documentID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, fmt.Errorf("dial sync: %w", err)
	}
	if local == nil {
		local = crdt.New()
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	kind, first, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read initial state: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if kind != websocket.BinaryMessage {
		_ = conn.Close()
		return nil, fmt.Errorf("read initial state: unexpected frame type %d", kind)
	}
	server, err := crdt.Restore(first)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read initial state: %w", err)
	}
	if _, err := local.Apply(first); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &DocClient{conn: conn, doc: local, updates: make(chan struct{}, 1), done: make(chan struct{})}
	if !bytes.Equal(server.Snapshot(), local.Snapshot()) {
		if err := c.write(crdt.Diff(server, local)); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	go c.read()
	return c, nil
}

func (c *DocClient) read() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.signal()
			return
		}
		c.mu.Lock()
		_, err = c.doc.Apply(data)
		c.mu.Unlock()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			_ = c.conn.Close()
			c.signal()
			return
		}
		c.signal()
	}
}

func (c *DocClient) signal() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *DocClient) write(delta []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, delta)
}

func (c *DocClient) edit(fn func(*crdt.Doc) []byte) error {
	select {
	case <-c.done:
		return ErrDocClosed
	default:
	}
	c.mu.Lock()
	delta := fn(c.doc)
	c.mu.Unlock()
	return c.write(delta)
}

func (c *DocClient) Insert(pos int, s string) error {
	return c.edit(func(d *crdt.Doc) []byte { return d.InsertText(pos, s) })
}

func (c *DocClient) Delete(pos, n int) error {
	return c.edit(func(d *crdt.Doc) []byte { return d.DeleteText(pos, n) })
}

func (c *DocClient) Replace(text string) error {
	return c.edit(func(d *crdt.Doc) []byte { return d.ReplaceText(text) })
}

func (c *DocClient) SetAttr(key, value string) error {
	return c.edit(func(d *crdt.Doc) []byte { return d.SetAttr(key, value) })
}

func (c *DocClient) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Text()
}

// Doc returns the local doc for reuse after a reconnect. It must not be
// used while the client is open.
func (c *DocClient) Doc() *crdt.Doc {
	return c.doc
}

// Updates signals after remote frames were merged or the connection ended.
func (c *DocClient) Updates() <-chan struct{} {
	return c.updates
}

// Done closes when the connection ends.
func (c *DocClient) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the connection ended, such as a *websocket.CloseError
// carrying the gateway's close code.
func (c *DocClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection normally.
func (c *DocClient) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	_ = c.conn.Close()
	<-c.done
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
