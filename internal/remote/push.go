package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/huddleapp/huddle/internal/bus"
	"github.com/huddleapp/huddle/internal/model"
	"github.com/huddleapp/huddle/internal/status"
	"go.uber.org/zap"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// PushListener maintains the websocket push channel and republishes
// decoded server events on the bus under the "push." namespace. It owns
// no state of its own; the sync engine is the only consumer that writes.
type PushListener struct {
	wsURL   string
	session Session
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	dialer  *websocket.Dialer
	resync  func(context.Context) error
	cancel  context.CancelFunc
}

// NewPushListener creates a push listener for the given websocket URL.
func NewPushListener(wsURL string, session Session, b *bus.Bus, m *status.Machine, logger *zap.Logger) *PushListener {
	return &PushListener{
		wsURL:   wsURL,
		session: session,
		bus:     b,
		machine: m,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// SetResync installs the catch-up routine run after every successful
// dial. Events published while the socket was down are only recoverable
// through it, so it runs on first connect and on each reconnect alike.
// Must be called before Start.
func (p *PushListener) SetResync(fn func(context.Context) error) {
	p.resync = fn
}

// Start connects and keeps reading until the context is cancelled,
// reconnecting with bounded backoff.
func (p *PushListener) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

// Stop shuts the listener down.
func (p *PushListener) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *PushListener) run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+p.session.Token)
		conn, resp, err := p.dialer.DialContext(ctx, p.wsURL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				// Credential expired: surface and stop; reconnecting
				// with the same token cannot succeed.
				p.logger.Warn("push channel rejected credentials")
				p.bus.Emit(bus.KindAuthExpired, nil)
				_ = p.machine.Transition(status.AuthRequired)
				return
			}
			p.logger.Warn("push channel dial failed", zap.Error(err), zap.Duration("backoff", backoff))
			_ = p.machine.Transition(status.Reconnecting)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		backoff = reconnectMin
		_ = p.machine.Transition(status.Connecting)
		p.logger.Info("push channel connected")
		if p.resync != nil {
			go p.runResync(ctx)
		}
		p.readLoop(ctx, conn)
		_ = conn.Close()
	}
}

// runResync catches the local state up over REST while the fresh socket
// is already reading, then settles the machine in Ready.
func (p *PushListener) runResync(ctx context.Context) {
	_ = p.machine.Transition(status.Syncing)
	if err := p.resync(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("resync failed", zap.Error(err))
		if model.IsAuth(err) {
			p.bus.Emit(bus.KindAuthExpired, nil)
			_ = p.machine.Transition(status.AuthRequired)
			return
		}
		// Local state stays usable; the next reconnect retries.
		_ = p.machine.Transition(status.Degraded)
		return
	}
	_ = p.machine.Transition(status.Ready)
}

func (p *PushListener) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("push channel read failed", zap.Error(err))
				_ = p.machine.Transition(status.Reconnecting)
			}
			return
		}

		var env PushEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.logger.Warn("malformed push event", zap.Error(err))
			continue
		}
		p.dispatch(env)
	}
}

func (p *PushListener) dispatch(env PushEnvelope) {
	switch env.Kind {
	case PushMessage:
		if env.Message != nil {
			p.bus.Emit(bus.KindPushMessage, env.Message)
		}
	case PushReceipt:
		if env.Receipt != nil {
			p.bus.Emit(bus.KindPushReceipt, env.Receipt)
		}
	case PushConversation:
		if env.Conversation != nil {
			p.bus.Emit(bus.KindPushConversation, env.Conversation)
		}
	case PushMembership:
		if env.Membership != nil {
			p.bus.Emit(bus.KindPushMembership, env.Membership)
		}
	default:
		p.logger.Debug("unknown push kind", zap.String("kind", env.Kind))
	}
}
