package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openrelay/signaling/internal/app"
	"github.com/openrelay/signaling/internal/core"
	"github.com/openrelay/signaling/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Controller owns the persistent signaling connections. One instance
// serves all clients; per-connection state lives in wsSignalConn.
type Controller struct {
	Registry  *app.Registry
	Lifecycle *app.Lifecycle
	ReadLimit int64
}

func NewController(reg *app.Registry, lc *app.Lifecycle, readLimit int64) *Controller {
	return &Controller{Registry: reg, Lifecycle: lc, ReadLimit: readLimit}
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the connection until it
// drops. The caller has already authenticated; subject is only carried for
// logging. Disconnect, however it happens, ends in lifecycle cleanup.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context, subject string) {
	cid := domain.NewClientID()
	log.Info().Str("module", "signal").
		Str("client", string(cid)).Str("subject", subject).
		Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctl.Registry.AddClient(cid)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, cid, conn)
		ctl.Lifecycle.OnDisconnect(cid)
	}()
}
