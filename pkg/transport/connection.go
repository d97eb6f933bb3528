package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataHandler is invoked with each chunk of bytes read from the peer. Framing
// is the caller's concern; chunks may contain partial or multiple frames.
type DataHandler func(connID uuid.UUID, p []byte)

type CloseHandler func(connID uuid.UUID, err error)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrSlowConsumer = errors.New("transport: outbound queue overflow")
)

type Config struct {
	WriteTimeout time.Duration
	SendBuffer   int
}

// Carrier is the byte-level half of a connection. Read blocks until data
// arrives or the carrier is closed; Close must unblock a pending Read.
type Carrier interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	Close() error
	RemoteAddr() string
}

// Connection drives one Carrier with a read pump and a write pump. The write
// pump exclusively owns the outbound path; Send hands frames to it and is safe
// for concurrent use. A full outbound queue closes the connection rather than
// stalling the sender.
type Connection struct {
	id      uuid.UUID
	carrier Carrier
	config  Config
	send    chan []byte

	onData  DataHandler
	onClose CloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

// NewConnection registers the connection with wg immediately, so a teardown
// racing an unstarted connection still balances the counter; Close releases
// it exactly once whether or not Run ever happened.
func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, carrier Carrier, config Config, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	wg.Add(1)
	return &Connection{
		id:      id,
		carrier: carrier,
		config:  config,
		send:    make(chan []byte, config.SendBuffer),
		done:    make(chan struct{}),
		wg:      wg,
		ctx:     connCtx,
		cancel:  cancel,
		logger:  logger.With(slog.String("connID", id.String())),
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()
	c.logger.Debug("connection established", slog.String("remoteAddr", c.carrier.RemoteAddr()))
}

func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		p, err := c.carrier.Read(c.ctx)
		if len(p) > 0 && c.onData != nil {
			c.onData(c.id, p)
		}
		if err != nil {
			readErr = err
			return
		}
	}
}

func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			writeCtx := c.ctx
			var cancelWrite context.CancelFunc
			if c.config.WriteTimeout > 0 {
				writeCtx, cancelWrite = context.WithTimeout(c.ctx, c.config.WriteTimeout)
			}
			err := c.carrier.Write(writeCtx, message)
			if cancelWrite != nil {
				cancelWrite()
			}
			if err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a frame for delivery. It never blocks: a peer that cannot drain
// its queue is disconnected instead of stalling the caller.
func (c *Connection) Send(p []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case c.send <- p:
		return nil
	default:
		c.logger.Warn("outbound queue full, disconnecting peer")
		c.Close(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

// Close tears the connection down. Safe to call multiple times and from any
// goroutine, including concurrently with an in-flight read.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("connection closing", slog.Any("reason", err))
		c.cancel()
		if cErr := c.carrier.Close(); cErr != nil {
			c.logger.Debug("carrier close failed", slog.Any("error", cErr))
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) RemoteAddr() string {
	return c.carrier.RemoteAddr()
}

func (c *Connection) SetOnData(handler DataHandler) {
	c.onData = handler
}

func (c *Connection) SetOnClose(handler CloseHandler) {
	c.onClose = handler
}
