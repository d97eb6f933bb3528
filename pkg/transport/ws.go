package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/medichat/relay/pkg/wire"
)

// wsCarrier adapts a WebSocket connection to the byte-stream contract.
// Browser clients send one envelope per message without a trailing delimiter,
// so Read reinserts it; both transports then share the same frame codec.
type wsCarrier struct {
	conn       *websocket.Conn
	remoteAddr string
}

// NewWS wraps an accepted WebSocket connection.
func NewWS(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, remoteAddr string, config Config, logger *slog.Logger) *Connection {
	carrier := &wsCarrier{conn: conn, remoteAddr: remoteAddr}
	return NewConnection(parentCtx, wg, carrier, config, logger)
}

func (w *wsCarrier) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, r, err := w.conn.Reader(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		message, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if len(message) == 0 || message[len(message)-1] != wire.Delimiter {
			message = append(message, wire.Delimiter)
		}
		return message, nil
	}
}

func (w *wsCarrier) Write(ctx context.Context, p []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, p)
}

func (w *wsCarrier) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

func (w *wsCarrier) RemoteAddr() string {
	return w.remoteAddr
}
