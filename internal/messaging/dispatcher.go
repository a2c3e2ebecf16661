package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrentHandlers bounds how many inbound messages are handled at once
// across all chats.
const DefaultMaxConcurrentHandlers = 8

// Handler processes one inbound message and returns the replies to send back to its chat,
// in order.
type Handler interface {
	HandleInbound(ctx context.Context, msg models.InboundMessage) []string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg models.InboundMessage) []string

// HandleInbound calls f.
func (f HandlerFunc) HandleInbound(ctx context.Context, msg models.InboundMessage) []string {
	return f(ctx, msg)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxConcurrentHandlers overrides DefaultMaxConcurrentHandlers.
func WithMaxConcurrentHandlers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxConcurrent = n
		}
	}
}

// Dispatcher pumps every service's inbound channel into a Handler and delivers the replies.
// Messages of one chat are handled in arrival order; different chats are handled in
// parallel.
type Dispatcher struct {
	handler       Handler
	services      []Service
	maxConcurrent int

	mu     sync.Mutex
	queues map[string]*chatQueue
}

type chatQueue struct {
	pending []models.InboundMessage
}

// NewDispatcher creates a dispatcher for the given services.
func NewDispatcher(handler Handler, services []Service, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler:       handler,
		services:      services,
		maxConcurrent: DefaultMaxConcurrentHandlers,
		queues:        make(map[string]*chatQueue),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts all services and dispatches their inbound messages until ctx is cancelled.
// On return every service has been stopped and every handler has finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, d.maxConcurrent)

	started := make([]Service, 0, len(d.services))
	defer func() {
		for _, svc := range started {
			if err := svc.Stop(); err != nil {
				slog.Error("Dispatcher.Run: stop failed", "service", svc.Name(), "error", err)
			}
		}
	}()

	for _, svc := range d.services {
		if err := svc.Start(gctx); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("start %s service: %w", svc.Name(), err)
		}
		started = append(started, svc)
		slog.Info("Dispatcher.Run: service started", "service", svc.Name())

		g.Go(func() error {
			d.pump(gctx, g, sem, svc)
			return nil
		})
		g.Go(func() error {
			drainReceipts(gctx, svc)
			return nil
		})
	}

	err := g.Wait()
	slog.Info("Dispatcher.Run: stopped")
	return err
}

func (d *Dispatcher) pump(ctx context.Context, g *errgroup.Group, sem chan struct{}, svc Service) {
	inbound := svc.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				slog.Debug("Dispatcher.pump: inbound channel closed", "service", svc.Name())
				return
			}
			d.enqueue(ctx, g, sem, svc, msg)
		}
	}
}

// enqueue appends msg to its chat's queue, starting a worker for the chat if none runs.
func (d *Dispatcher) enqueue(ctx context.Context, g *errgroup.Group, sem chan struct{}, svc Service, msg models.InboundMessage) {
	key := svc.Name() + ":" + msg.ChatID

	d.mu.Lock()
	q, running := d.queues[key]
	if !running {
		q = &chatQueue{}
		d.queues[key] = q
	}
	q.pending = append(q.pending, msg)
	d.mu.Unlock()

	if running {
		return
	}
	g.Go(func() error {
		for {
			d.mu.Lock()
			if len(q.pending) == 0 {
				delete(d.queues, key)
				d.mu.Unlock()
				return nil
			}
			next := q.pending[0]
			q.pending = q.pending[1:]
			d.mu.Unlock()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				slog.Warn("Dispatcher: dropping message on shutdown", "service", svc.Name(), "chat", next.ChatID)
				continue
			}
			d.handle(ctx, svc, next)
			<-sem
		}
	})
}

func (d *Dispatcher) handle(ctx context.Context, svc Service, msg models.InboundMessage) {
	slog.Debug("Dispatcher.handle: inbound", "service", svc.Name(), "from", msg.SenderID, "chat", msg.ChatID)
	for _, reply := range d.handler.HandleInbound(ctx, msg) {
		if reply == "" {
			continue
		}
		if err := svc.SendMessage(ctx, msg.ChatID, reply); err != nil {
			slog.Error("Dispatcher.handle: send failed", "service", svc.Name(), "chat", msg.ChatID, "error", err)
			return
		}
	}
}

func drainReceipts(ctx context.Context, svc Service) {
	receipts := svc.Receipts()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-receipts:
			if !ok {
				return
			}
			slog.Debug("Dispatcher: receipt", "service", svc.Name(), "to", r.To, "status", r.Status)
		}
	}
}
