package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/query"
)

// Feeder delivers confirmed rows for one query into a replica.
type Feeder interface {
	// Feed blocks, applying rows until ctx ends or the source fails.
	Feed(ctx context.Context, r *Replica) error
}

// LocalFeed follows an in-process subscription.
type LocalFeed struct {
	Table        string
	Subscription *query.Subscription
}

func (f LocalFeed) Feed(ctx context.Context, r *Replica) error {
	defer f.Subscription.Close()
	initial := make([]query.Event, 0, len(f.Subscription.Initial))
	for _, row := range f.Subscription.Initial {
		initial = append(initial, query.Event{Op: changefeed.OpInsert, Row: row})
	}
	if err := r.ApplyRows(f.Table, initial...); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-f.Subscription.Events:
			if !ok {
				return nil
			}
			if err := r.ApplyRows(f.Table, ev); err != nil {
				return err
			}
		}
	}
}

// RemoteFeed follows /api/subscribe over a websocket.
type RemoteFeed struct {
	BaseURL string
	Token   string
	Request query.Request
	Dialer  *websocket.Dialer
}

// SubscribeURL turns an http(s) base into the subscription endpoint.
func SubscribeURL(baseURL string, req query.Request) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/api/subscribe")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("query", req.Name)
	if len(req.Params) > 0 {
		q.Set("params", string(req.Params))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f RemoteFeed) Feed(ctx context.Context, r *Replica) error {
	target, err := SubscribeURL(f.BaseURL, f.Request)
	if err != nil {
		return err
	}
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.Token)
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("dial subscription: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	table := ""
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		var frame query.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("decode subscription frame: %w", err)
		}
		switch frame.Type {
		case query.FrameRows:
			table = frame.Table
			events := make([]query.Event, 0, len(frame.Rows))
			for _, row := range frame.Rows {
				events = append(events, query.Event{Op: changefeed.OpInsert, Row: row})
			}
			err = r.ApplyRows(table, events...)
		case query.FrameEvent:
			err = r.ApplyRows(table, query.Event{Op: frame.Op, Row: frame.Row})
		case query.FrameError:
			return fmt.Errorf("subscription %s: %s: %s", f.Request.Name, frame.Code, frame.Error)
		}
		if err != nil {
			return err
		}
	}
}
