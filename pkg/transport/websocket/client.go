package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/tinyland-inc/taleclaw/pkg/bus"
	"github.com/tinyland-inc/taleclaw/pkg/logger"
	"github.com/tinyland-inc/taleclaw/pkg/transport"
)

var errNotConnected = errors.New("websocket transport: not connected")

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
)

type ClientConfig struct {
	// URL is the hub's base address, e.g. ws://relay.example:8740.
	URL          string
	Group        string
	MemberID     string
	MaxPayload   int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client is a transport that joins one group on a relay hub. It keeps
// reconnecting until stopped.
type Client struct {
	*transport.BaseTransport
	cfg    ClientConfig
	dialer *gws.Dialer

	writeMu sync.Mutex
	conn    *gws.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Client)(nil)

func NewClient(cfg ClientConfig, mb *bus.MessageBus) *Client {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
	}
	return &Client{
		BaseTransport: transport.NewBaseTransport("websocket", cfg.Group, mb,
			transport.WithMaxPayload(cfg.MaxPayload)),
		cfg:    cfg,
		dialer: &gws.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// GroupURL builds the hub endpoint for a group member.
func GroupURL(base, group, memberID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path += "/groups/" + group
	u.RawQuery = url.Values{"member": {memberID}}.Encode()
	return u.String(), nil
}

// Start performs the first dial synchronously so configuration errors surface
// immediately; later disconnects are retried in the background.
func (c *Client) Start(ctx context.Context) error {
	endpoint, err := GroupURL(c.cfg.URL, c.cfg.Group, c.cfg.MemberID)
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.SetRunning(true)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx, endpoint, conn)
	}()
	logger.InfoCF("websocket", "Connected to relay", map[string]any{
		"group":  c.cfg.Group,
		"member": c.cfg.MemberID,
	})
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.writeMu.Lock()
	if c.conn != nil {
		c.conn.WriteControl(gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.conn.Close()
	}
	c.writeMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Send(ctx context.Context, groupID string, payload []byte) error {
	if !c.IsRunning() {
		return transport.ErrNotRunning
	}
	if groupID != c.cfg.Group {
		return fmt.Errorf("websocket transport: unknown group %q", groupID)
	}
	if limit := c.MaxPayload(); limit > 0 && len(payload) > limit {
		return fmt.Errorf("websocket transport: payload of %d bytes exceeds %d", len(payload), limit)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(gws.BinaryMessage, payload)
}

func (c *Client) dial(ctx context.Context, endpoint string) (*gws.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if limit := c.MaxPayload(); limit > 0 {
		// Relay frames carry the payload base64-encoded inside JSON.
		conn.SetReadLimit(int64(limit*2 + 1024))
	}
	return conn, nil
}

func (c *Client) run(ctx context.Context, endpoint string, conn *gws.Conn) {
	backoff := c.cfg.ReconnectMin
	for {
		c.setConn(conn)
		c.readPump(ctx, conn)
		c.setConn(nil)

		for {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			var err error
			conn, err = c.dial(ctx, endpoint)
			if err == nil {
				backoff = c.cfg.ReconnectMin
				logger.InfoCF("websocket", "Reconnected to relay", map[string]any{"group": c.cfg.Group})
				break
			}
			logger.WarnCF("websocket", "Reconnect failed", map[string]any{
				"error":   err.Error(),
				"backoff": backoff.String(),
			})
			backoff = min(backoff*2, c.cfg.ReconnectMax)
		}
	}
}

func (c *Client) setConn(conn *gws.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

func (c *Client) readPump(ctx context.Context, conn *gws.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(gws.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.WarnCF("websocket", "Relay connection lost", map[string]any{"error": err.Error()})
			}
			return
		}
		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.WarnCF("websocket", "Dropping malformed relay frame", map[string]any{"error": err.Error()})
			continue
		}
		c.HandleFrame(ctx, frame.From, frame.Payload)
	}
}
