package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pingai/internal/realtime"
)

const pongWait = 90 * time.Second

// Subscription is a realtime.Stream over the auth service websocket.
type Subscription struct {
	endpoint string
	ch       chan realtime.Change

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	stopped bool
	quit    chan struct{}
	done    chan struct{}
}

// Subscribe prepares a change feed for table, optionally narrowed to one row
// with filter "id=eq.<id>". Nothing is dialed until Start.
func (c *Client) Subscribe(token, table, filter string) *Subscription {
	q := url.Values{}
	q.Set("table", table)
	if strings.TrimSpace(filter) != "" {
		q.Set("filter", filter)
	}
	q.Set("access_token", token)
	endpoint := c.baseURL + "/realtime/v1/changes?" + q.Encode()
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return &Subscription{
		endpoint: endpoint,
		ch:       make(chan realtime.Change, 16),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start dials and waits for the subscribed acknowledgement.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return realtime.ErrStopped
	}
	if s.started {
		return nil
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: "realtime subscribe rejected"}
		}
		return fmt.Errorf("dial realtime: %w", err)
	}
	var ack realtime.Frame
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("read realtime ack: %w", err)
	}
	if ack.Type != realtime.FrameSubscribed {
		conn.Close()
		return fmt.Errorf("realtime subscribe failed: %s", ack.Error)
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	s.conn = conn
	s.started = true
	go s.readLoop(conn)
	return nil
}

func (s *Subscription) C() <-chan realtime.Change { return s.ch }

// Stop closes the socket and C. Safe to call repeatedly and before Start.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conn := s.conn
	close(s.quit)
	s.mu.Unlock()

	if conn == nil {
		close(s.ch)
		close(s.done)
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"),
		time.Now().Add(time.Second))
	_ = conn.Close()
	<-s.done
}

func (s *Subscription) readLoop(conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.ch)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case realtime.FrameChange:
			if frame.Change == nil {
				continue
			}
			select {
			case s.ch <- *frame.Change:
			case <-s.quit:
				return
			}
		case realtime.FrameError:
			return
		}
	}
}

var _ realtime.Stream = (*Subscription)(nil)
