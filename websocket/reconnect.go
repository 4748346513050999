package websocket

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/types"
)

const (
	// Initial delay before first reconnection attempt
	initialReconnectDelay = 1 * time.Second
	// Maximum delay between reconnection attempts
	maxReconnectDelay = 30 * time.Second
	// Factor to multiply delay after each failed attempt
	reconnectDelayMultiplier = 2
)

// Follower reads an activity feed and reconnects with exponential backoff
// whenever the connection drops.
type Follower struct {
	url         *url.URL
	log         *logger.Logger
	onEvent     func(types.ActivityEvent)
	onConnect   func()
	maxAttempts int // 0 retries forever
	delay       time.Duration
	maxDelay    time.Duration
}

// NewFollower creates a follower for a feed such as ws://localhost:8085/ws.
func NewFollower(urlStr string, onEvent func(types.ActivityEvent), log *logger.Logger) (*Follower, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	return &Follower{
		url:      u,
		log:      logger.Or(log).WithField("component", "feed-follower"),
		onEvent:  onEvent,
		delay:    initialReconnectDelay,
		maxDelay: maxReconnectDelay,
	}, nil
}

// SetMaxAttempts bounds consecutive failed connection attempts.
func (f *Follower) SetMaxAttempts(n int) { f.maxAttempts = n }

// SetOnConnect sets the callback for connection events
func (f *Follower) SetOnConnect(fn func()) { f.onConnect = fn }

// SetBackoff overrides the reconnection delays.
func (f *Follower) SetBackoff(initial, max time.Duration) {
	f.delay, f.maxDelay = initial, max
}

// Run follows the feed until ctx ends or reconnection gives up.
func (f *Follower) Run(ctx context.Context) error {
	delay := f.delay
	failures := 0
	for {
		connected, err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			failures = 0
			delay = f.delay
		} else {
			failures++
			if f.maxAttempts > 0 && failures >= f.maxAttempts {
				f.log.Warnf("giving up after %d attempts: %v", failures, err)
				return ErrReconnectGaveUp
			}
		}
		f.log.WithField("attempt", failures).Infof("feed disconnected (%v), reconnecting in %s", err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= reconnectDelayMultiplier
		if delay > f.maxDelay {
			delay = f.maxDelay
		}
	}
}

// session holds one connection; connected reports whether the dial worked.
func (f *Follower) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url.String(), nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	if f.onConnect != nil {
		f.onConnect()
	}
	f.log.Infof("following %s", f.url)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		f.dispatch(data)
	}
}

func (f *Follower) dispatch(data []byte) {
	var frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		f.log.Debugf("skipping undecodable frame: %v", err)
		return
	}
	if frame.Type != types.WSTypeActivity && frame.Type != types.WSTypeError {
		return
	}
	var ev types.ActivityEvent
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		f.log.Debugf("skipping undecodable event: %v", err)
		return
	}
	if f.onEvent != nil {
		f.onEvent(ev)
	}
}
