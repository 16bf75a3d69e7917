// Package transport wraps a gorilla WebSocket in a connection with a buffered,
// single-writer send queue.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSlowConsumer = errors.New("send buffer full")
	ErrClosed       = errors.New("connection closed")
)

// Frame is one WebSocket message. Binary frames and text frames are relayed
// with their original type.
type Frame struct {
	Binary bool
	Data   []byte
}

func Text(data []byte) Frame   { return Frame{Data: data} }
func Binary(data []byte) Frame { return Frame{Binary: true, Data: data} }

func (f Frame) messageType() int {
	if f.Binary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

type Options struct {
	SendBuffer      int
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

// Conn is safe for concurrent Send and Close. Reads happen on the goroutine
// that calls Run.
type Conn struct {
	id   string
	ws   *websocket.Conn
	opts Options
	send chan Frame

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	writerWG  sync.WaitGroup

	logger *slog.Logger
}

func New(ws *websocket.Conn, opts Options, logger *slog.Logger) *Conn {
	opts = opts.withDefaults()
	id := uuid.NewString()
	if opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(opts.MaxMessageBytes)
	}
	return &Conn{
		id:     id,
		ws:     ws,
		opts:   opts,
		send:   make(chan Frame, opts.SendBuffer),
		done:   make(chan struct{}),
		logger: logger.With("connection_id", id),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Run starts the write pump and reads until the socket fails, the peer goes
// away, ctx ends or Close is called. Frames are delivered to onFrame in
// arrival order. Run returns the reason the connection ended.
func (c *Conn) Run(ctx context.Context, onFrame func(Frame)) error {
	c.writerWG.Add(1)
	go c.writePump()

	stop := context.AfterFunc(ctx, func() { c.Close(ctx.Err()) })
	defer stop()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Close(err)
			break
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		onFrame(Frame{Binary: typ == websocket.BinaryMessage, Data: data})
	}
	c.writerWG.Wait()
	c.logger.Debug("connection ended", "reason", c.closeErr)
	return c.closeErr
}

// Send queues a frame without blocking. A full queue means the peer is not
// keeping up; the connection is closed rather than stalling the sender.
func (c *Conn) Send(frame Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.Close(ErrSlowConsumer)
		return false
	}
}

// Close is idempotent; the first reason wins.
func (c *Conn) Close(reason error) {
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrClosed
		}
		c.closeErr = reason
		close(c.done)
	})
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writePump() {
	defer c.writerWG.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(frame.messageType(), frame.Data); err != nil {
				c.Close(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.Close(err)
				return
			}
		case <-c.done:
			c.flush()
			code, text := closeStatus(c.closeErr)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.opts.WriteWait))
			return
		}
	}
}

// flush writes whatever is already queued so a server-initiated close does not
// drop the last messages.
func (c *Conn) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(frame.messageType(), frame.Data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func closeStatus(reason error) (int, string) {
	switch {
	case errors.Is(reason, ErrSlowConsumer):
		return websocket.ClosePolicyViolation, "slow consumer"
	case errors.Is(reason, context.Canceled), errors.Is(reason, ErrShuttingDown):
		return websocket.CloseGoingAway, "server shutting down"
	case errors.Is(reason, ErrTryAgainLater):
		return websocket.CloseTryAgainLater, "try again later"
	default:
		return websocket.CloseNormalClosure, ""
	}
}

// ErrShuttingDown is the close reason used when the process drains.
var ErrShuttingDown = errors.New("server shutting down")

// ErrTryAgainLater closes an upgraded connection that could not be bound to
// its document.
var ErrTryAgainLater = errors.New("try again later")

// IsNormalClose reports whether err is an ordinary end of a session rather
// than a transport failure worth logging loudly.
func IsNormalClose(err error) bool {
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrShuttingDown) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
