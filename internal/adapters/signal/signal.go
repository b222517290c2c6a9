// Package signal is the websocket shell: one connection per participant, JSON
// commands in, call events out, binary frames for local media samples.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Callkit/internal/app"
	"github.com/dkeye/Callkit/internal/app/orch"
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const sendBuffer = 256

// Options tune the websocket side of the controller.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
}

type SignalWSController struct {
	deps    orch.Deps
	cfg     orch.Config
	opts    Options
	clients *app.Registry[*Client]
	limiter *CallRateLimiter
	wg      sync.WaitGroup
}

// NewSignalWSController builds the controller. deps.Events is ignored; every
// client receives its own events.
func NewSignalWSController(deps orch.Deps, cfg orch.Config, opts Options, limiter *CallRateLimiter) *SignalWSController {
	return &SignalWSController{
		deps:    deps,
		cfg:     cfg,
		opts:    opts,
		clients: app.NewRegistry[*Client](),
		limiter: limiter,
	}
}

// Online lists registered participants.
func (ctl *SignalWSController) Online() []domain.ParticipantID {
	return ctl.clients.Online()
}

// Shutdown disconnects every registered client and waits until all connections
// are gone; their calls end with reason shutdown.
func (ctl *SignalWSController) Shutdown(ctx context.Context) error {
	ctl.clients.CancelAll()
	done := make(chan struct{})
	go func() {
		ctl.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outFrame struct {
	kind int
	data []byte
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan outFrame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f []byte) error {
	return c.push(outFrame{kind: websocket.TextMessage, data: f})
}

// TrySendBinary queues a media frame.
func (c *WsSignalConn) TrySendBinary(f []byte) error {
	return c.push(outFrame{kind: websocket.BinaryMessage, data: f})
}

func (c *WsSignalConn) push(f outFrame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
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

// Client is one websocket connection and, once registered, its participant's
// orchestrator. It is also that orchestrator's event sink.
type Client struct {
	ctl    *SignalWSController
	conn   *WsSignalConn
	sid    string
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	self *domain.Profile
	orch *orch.Orchestrator
	gen  uint64
}

var _ core.CallEvents = (*Client)(nil)

func (cl *Client) orchestrator() *orch.Orchestrator {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.orch
}

func (cl *Client) profile() *domain.Profile {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.self
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("sid", sid).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan outFrame, sendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	cl := &Client{ctl: ctl, conn: conn, sid: sid, ctx: ctx, cancel: cancel}

	ctl.wg.Add(1)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(cl)
}

// disconnect ends the participant's calls and frees its registry slot.
func (ctl *SignalWSController) disconnect(cl *Client) {
	cl.cancel()
	cl.mu.Lock()
	o, self, gen := cl.orch, cl.self, cl.gen
	cl.orch = nil
	cl.mu.Unlock()
	if o != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		o.Close(shutdownCtx)
		cancel()
	}
	if self != nil {
		ctl.clients.Unbind(self.ID, gen)
	}
	cl.conn.Close()
}
