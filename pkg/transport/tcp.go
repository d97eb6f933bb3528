package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const tcpReadChunk = 4096

// tcpCarrier adapts a raw net.Conn. Reads return whatever bytes are available
// up to one chunk; the frame codec downstream reassembles message boundaries.
type tcpCarrier struct {
	conn net.Conn
	buf  []byte
}

// NewTCP wraps an accepted TCP connection. Closing the Connection closes the
// socket, which unblocks any pending read.
func NewTCP(parentCtx context.Context, wg *sync.WaitGroup, conn net.Conn, config Config, logger *slog.Logger) *Connection {
	carrier := &tcpCarrier{conn: conn, buf: make([]byte, tcpReadChunk)}
	return NewConnection(parentCtx, wg, carrier, config, logger)
}

func (t *tcpCarrier) Read(ctx context.Context) ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if n == 0 {
		return nil, err
	}
	p := make([]byte, n)
	copy(p, t.buf[:n])
	return p, err
}

func (t *tcpCarrier) Write(ctx context.Context, p []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	} else {
		if err := t.conn.SetWriteDeadline(time.Time{}); err != nil {
			return err
		}
	}
	_, err := t.conn.Write(p)
	return err
}

func (t *tcpCarrier) Close() error {
	return t.conn.Close()
}

func (t *tcpCarrier) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
