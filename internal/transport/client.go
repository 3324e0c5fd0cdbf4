package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Config struct {
	// URL is the websocket endpoint carrying the STOMP stream.
	URL   string
	Token string
	// Heartbeat is the outgoing heart-beat period negotiated with the
	// broker.
	Heartbeat    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *Config) withDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

type subscription struct {
	id    string
	topic string
	fn    func(body []byte)
}

// Client is a STOMP-over-WebSocket connection with automatic reconnect.
// Subscriptions survive reconnects; publishes do not queue — a publish
// while disconnected simply reports false and the caller falls back.
type Client struct {
	cfg Config
	log zerolog.Logger

	connected atomic.Bool

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]*subscription
	nextSub int
}

func New(cfg Config, log zerolog.Logger) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:  cfg,
		log:  log.With().Str("component", "transport").Logger(),
		subs: make(map[string]*subscription),
	}
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run drives the connect/read/reconnect loop until the context is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectMin
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("connection lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
		if err == nil {
			delay = c.cfg.ReconnectMin
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	hb := strconv.FormatInt(c.cfg.Heartbeat.Milliseconds(), 10)
	connect := &frame{
		command: cmdConnect,
		headers: [][2]string{
			{"accept-version", "1.2"},
			{"heart-beat", hb + "," + hb},
		},
	}
	if c.cfg.Token != "" {
		connect.headers = append(connect.headers, [2]string{"Authorization", "Bearer " + c.cfg.Token})
	}
	if err := conn.WriteMessage(websocket.TextMessage, connect.marshal()); err != nil {
		return fmt.Errorf("connect frame: %w", err)
	}

	if err := c.awaitConnected(conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	c.connected.Store(true)
	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	for _, s := range subs {
		if err := c.writeFrame(&frame{
			command: cmdSubscribe,
			headers: [][2]string{{"id", s.id}, {"destination", s.topic}, {"ack", "auto"}},
		}); err != nil {
			return fmt.Errorf("resubscribe %s: %w", s.topic, err)
		}
	}
	c.log.Info().Int("subscriptions", len(subs)).Msg("connected")

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.heartbeatLoop(hbCtx)

	return c.readLoop(ctx, conn)
}

func (c *Client) awaitConnected(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await connected: %w", err)
		}
		if isHeartbeat(data) {
			continue
		}
		f, err := parseFrame(data)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		switch f.command {
		case cmdConnected:
			return nil
		case cmdError:
			return fmt.Errorf("broker refused connection: %s", f.header("message"))
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			if conn != nil {
				conn.WriteMessage(websocket.TextMessage, heartbeatFrame)
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if isHeartbeat(data) {
			continue
		}
		f, err := parseFrame(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("unparseable frame dropped")
			continue
		}
		switch f.command {
		case cmdMessage:
			c.dispatch(f)
		case cmdError:
			return errors.New("broker error: " + f.header("message"))
		}
	}
}

func (c *Client) dispatch(f *frame) {
	id := f.header("subscription")
	c.mu.Lock()
	sub := c.subs[id]
	c.mu.Unlock()
	if sub == nil {
		c.log.Debug().Str("subscription", id).Msg("frame for unknown subscription")
		return
	}
	sub.fn(f.body)
}

// Subscribe registers a handler for a topic. The subscription is replayed
// after every reconnect until the returned unsubscribe func is called.
func (c *Client) Subscribe(topic string, fn func(body []byte)) (func(), error) {
	if topic == "" {
		return nil, errors.New("empty topic")
	}
	c.mu.Lock()
	c.nextSub++
	sub := &subscription{
		id:    "sub-" + strconv.Itoa(c.nextSub),
		topic: topic,
		fn:    fn,
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if c.Connected() {
		if err := c.writeFrame(&frame{
			command: cmdSubscribe,
			headers: [][2]string{{"id", sub.id}, {"destination", topic}, {"ack", "auto"}},
		}); err != nil {
			c.log.Debug().Err(err).Str("topic", topic).Msg("subscribe deferred to reconnect")
		}
	}

	return func() {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		if c.Connected() {
			_ = c.writeFrame(&frame{
				command: cmdUnsubscribe,
				headers: [][2]string{{"id", sub.id}},
			})
		}
	}, nil
}

// Publish sends a JSON body to a destination. Returns false when the
// socket is down or the write fails; the caller owns any fallback.
func (c *Client) Publish(destination string, body any) bool {
	if destination == "" || !c.Connected() {
		return false
	}
	data, err := json.Marshal(body)
	if err != nil {
		c.log.Error().Err(err).Str("destination", destination).Msg("unmarshalable publish body")
		return false
	}
	err = c.writeFrame(&frame{
		command: cmdSend,
		headers: [][2]string{
			{"destination", destination},
			{"content-type", "application/json"},
		},
		body: data,
	})
	if err != nil {
		c.log.Debug().Err(err).Str("destination", destination).Msg("publish failed")
		return false
	}
	return true
}

func (c *Client) writeFrame(f *frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, f.marshal())
}
