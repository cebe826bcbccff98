package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cipherrelay/internal/domain"
	"cipherrelay/internal/relay"

	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("websocket closed")

type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

// Conn adapts a websocket to the session transport. Send writes
// synchronously so a nil error means the frame reached the socket.
type Conn struct {
	ws      *websocket.Conn
	cfg     Config
	log     *slog.Logger
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	return &Conn{ws: ws, cfg: cfg, log: logger, done: make(chan struct{})}
}

func (c *Conn) Send(ctx context.Context, ev domain.Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	deadline := time.Now().Add(c.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(ev); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// pingLoop keeps the peer's read deadline moving until the conn closes.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Debug("ws ping", "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readLoop decodes frames onto frames until the socket fails, then closes it.
func (c *Conn) readLoop(frames chan<- relay.Frame) {
	defer close(frames)
	defer c.Close()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("ws read", "error", err)
			}
			return
		}
		f := decodeFrame(raw)
		select {
		case frames <- f:
		case <-c.done:
			return
		}
	}
}

func decodeFrame(raw []byte) relay.Frame {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return relay.Frame{Err: domain.WrapError(domain.CodeMalformedPayload, "frame is not JSON", err)}
	}
	if in.Event != string(domain.EventMessage) {
		return relay.Frame{Err: domain.NewError(domain.CodeMalformedPayload, "unsupported event "+in.Event)}
	}
	var msg domain.Inbound
	if err := json.Unmarshal(in.Data, &msg); err != nil {
		return relay.Frame{Err: domain.WrapError(domain.CodeMalformedPayload, "message payload", err)}
	}
	return relay.Frame{Inbound: msg}
}
