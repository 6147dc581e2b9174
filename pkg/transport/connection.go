package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	// ErrUnreachable is the class of every send failure.
	ErrUnreachable = errors.New("recipient unreachable")
	ErrClosed      = fmt.Errorf("%w: connection closed", ErrUnreachable)
	ErrQueueFull   = fmt.Errorf("%w: send queue full", ErrUnreachable)

	// ErrGoingAway is the close reason used when the server shuts down.
	ErrGoingAway = errors.New("server going away")
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

type OnCloseHandler func(connId uuid.UUID, err error)

// SlowConsumerPolicy decides what Send does when the outbound queue is full.
type SlowConsumerPolicy string

const (
	SlowConsumerDrop  SlowConsumerPolicy = "drop"
	SlowConsumerClose SlowConsumerPolicy = "close"
)

type ConnectionConfig struct {
	// zero disables the idle read timeout.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// zero disables heartbeats.
	PingInterval    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	SlowConsumer    SlowConsumerPolicy
}

const defaultSendBuffer = 256

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	closed    atomic.Bool
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

// NewConnection wraps an accepted socket. wg is incremented here and released
// when the connection closes, so a server can wait for every connection.
func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}
	if config.SlowConsumer == "" {
		config.SlowConsumer = SlowConsumerDrop
	}
	if conn != nil && config.MaxMessageBytes > 0 {
		conn.SetReadLimit(config.MaxMessageBytes)
	}
	wg.Add(1)

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()
	if c.config.PingInterval > 0 {
		go c.heartbeat()
	}

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
// Messages from one connection are handled strictly in arrival order.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		message, err := c.read()
		if err != nil {
			readErr = err
			return
		}
		if message == nil || c.closed.Load() {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) read() ([]byte, error) {
	readCtx, cancelRead := c.ctx, context.CancelFunc(func() {})
	if c.config.ReadTimeout > 0 {
		readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
	}
	defer cancelRead()

	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return nil, err
	}
	// Ensure we are only handling text or binary messages.
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return nil, nil
	}
	message, err := io.ReadAll(r)
	if err != nil {
		c.logger.Warn("Failed to read message body", slog.Any("error", err))
		return nil, err
	}
	return message, nil
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				writeErr = err
				return
			}
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	ctx, cancel := c.ctx, context.CancelFunc(func() {})
	if c.config.WriteTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.config.WriteTimeout)
	}
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, message)
}

// heartbeat pings the peer so that dead sockets are noticed and cleaned up.
func (c *Connection) heartbeat() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.config.PingInterval)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.Close(fmt.Errorf("heartbeat failed: %w", err))
				return
			}
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message for the client without blocking. It is safe for
// concurrent use. Any error wraps ErrUnreachable.
func (c *Connection) Send(message []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return ErrClosed
	default:
	}

	if c.config.SlowConsumer == SlowConsumerClose {
		c.logger.Warn("Send queue full, closing slow consumer", slog.Int("buffer", c.config.SendBuffer))
		go c.Close(ErrQueueFull)
		return ErrQueueFull
	}
	c.logger.Warn("Send queue full, dropping message", slog.Int("buffer", c.config.SendBuffer))
	return ErrQueueFull
}

// Close shuts down the connection and its resources. Only the first call has
// any effect. The closing handshake runs in the background so callers on the
// routing path never wait on a peer. The read context is cancelled only once
// the handshake is over, so the peer sees our close code.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.closed.Store(true)
		if c.conn != nil {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer c.cancel()
				c.conn.Close(closeCode(err), closeReason(err))
			}()
		} else {
			c.cancel()
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
		c.logger.Info("Connection closed")
	})
}

func closeCode(err error) websocket.StatusCode {
	switch {
	case err == nil, websocket.CloseStatus(err) != -1:
		return websocket.StatusNormalClosure
	case errors.Is(err, ErrQueueFull):
		return websocket.StatusTryAgainLater
	case errors.Is(err, ErrGoingAway):
		return websocket.StatusGoingAway
	default:
		return websocket.StatusPolicyViolation
	}
}

func closeReason(err error) string {
	if err == nil || websocket.CloseStatus(err) != -1 {
		return ""
	}
	return truncateReason(err.Error(), maxCloseReason)
}

// close frames carry at most 123 bytes of reason
const maxCloseReason = 123

// truncateReason cuts s to at most n bytes without splitting a rune.
func truncateReason(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Pending reports how many messages are waiting in the send queue.
func (c *Connection) Pending() int {
	return len(c.send)
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}
func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
