// Package bridge forwards pitch events to a remote WebSocket sink.
//
// The bridge sits strictly off the audio path: [Bridge.Offer] hands an event
// to a buffered queue without ever blocking, and the goroutine inside
// [Bridge.Run] owns the socket. A full queue drops its oldest event, a lost
// connection is re-dialled with capped exponential backoff, and
// [Bridge.Close] flushes whatever is still queued before returning. Losing
// events is acceptable here; stalling the capture callback is not.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tonewire/internal/observe"
	"github.com/MrWong99/tonewire/pkg/pitch"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultBuffer is the event queue capacity when WithBuffer is not given.
	defaultBuffer = 64

	// defaultBackoff is the initial delay after a failed dial attempt.
	defaultBackoff = time.Second

	// defaultMaxBackoff caps the exponential dial backoff.
	defaultMaxBackoff = 30 * time.Second

	// dialTimeout bounds a single dial attempt.
	dialTimeout = 10 * time.Second

	// writeTimeout bounds a single event write or ping.
	writeTimeout = 5 * time.Second

	// pingInterval is how often an idle connection is verified.
	pingInterval = 15 * time.Second

	// drainTimeout bounds the flush of queued events during Close.
	drainTimeout = 2 * time.Second

	// closeTimeout bounds how long Close waits for Run to wind down.
	closeTimeout = 5 * time.Second
)

// errClosed is returned by the write loop when the bridge was closed, so Run
// knows to stop instead of reconnecting.
var errClosed = errors.New("bridge closed")

// wireEvent is the JSON envelope for one forwarded pitch event.
type wireEvent struct {
	Type string `json:"type"`
	pitch.Event
}

// Bridge forwards pitch events to a remote WebSocket sink. Create one with
// [New], start it with [Bridge.Run], and hand events in through
// [Bridge.Offer].
type Bridge struct {
	url        string
	buffer     int
	backoff    time.Duration
	maxBackoff time.Duration
	metrics    *observe.Metrics

	// events is the hand-off queue between Offer and the socket goroutine.
	events chan pitch.Event

	// done is closed by Close; finished is closed when Run returns.
	done     chan struct{}
	finished chan struct{}

	stopOnce sync.Once

	mu      sync.Mutex
	started bool

	dropped atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithBuffer sets the event queue capacity. Values below one keep the
// default of 64.
func WithBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithBackoff sets the initial reconnect delay. Growth stays exponential,
// capped at 30s.
func WithBackoff(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.backoff = d
		}
	}
}

// WithMetrics wires publish and reconnect counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a Bridge that forwards events to the WebSocket endpoint at
// url. Nothing is dialled until [Bridge.Run].
func New(url string, opts ...Option) *Bridge {
	b := &Bridge{
		url:        url,
		buffer:     defaultBuffer,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.events = make(chan pitch.Event, b.buffer)
	return b
}

// Offer queues ev for delivery and returns immediately. When the buffer is
// full the oldest queued event is discarded to make room, so a slow or dead
// sink turns into drops rather than back-pressure on the caller. Safe for
// concurrent use; a no-op after Close.
func (b *Bridge) Offer(ev pitch.Event) {
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.events <- ev:
		return
	default:
	}

	// Full: discard the oldest queued event to make room, then try once
	// more. A concurrent Offer can claim the freed slot first; then ev is
	// lost as well.
	select {
	case <-b.events:
		b.recordDrop()
	default:
	}
	select {
	case b.events <- ev:
	default:
		b.recordDrop()
	}
}

// Dropped reports how many events have been discarded since the bridge was
// created.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bridge) recordDrop() {
	b.dropped.Add(1)
	if b.metrics != nil {
		b.metrics.RecordBridgeMessage(context.Background(), "dropped")
	}
}

// Run dials the sink and pumps queued events onto it until ctx is cancelled
// or Close is called. A lost connection is re-dialled with exponential
// backoff; the queue keeps absorbing events in the meantime. Run returns nil
// after Close and ctx.Err() on cancellation. It must be called at most once.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("bridge: already running")
	}
	b.started = true
	b.mu.Unlock()
	defer close(b.finished)

	backoff := b.backoff
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		default:
		}

		if attempt > 0 && b.metrics != nil {
			b.metrics.BridgeReconnects.Add(ctx, 1)
		}

		conn, err := b.dial(ctx)
		if err != nil {
			slog.Warn("event bridge dial failed", "url", b.url, "backoff", backoff, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > b.maxBackoff {
				backoff = b.maxBackoff
			}
			continue
		}

		slog.Info("event bridge connected", "url", b.url)
		backoff = b.backoff

		err = b.serve(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "bridge shutting down")
		switch {
		case errors.Is(err, errClosed):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}
		slog.Warn("event bridge connection lost", "err", err)
	}
}

// Close stops the bridge and flushes queued events to the sink within a
// short deadline when a connection is up. Safe to call more than once, and
// before or without Run.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return
	}

	select {
	case <-b.finished:
	case <-time.After(closeTimeout):
		slog.Warn("event bridge close timed out", "queued", len(b.events))
	}
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, b.url, nil)
	return conn, err
}

// serve runs the write and keepalive loops until the connection dies, ctx is
// cancelled, or the bridge is closed. CloseRead handles control frames and
// surfaces peer closure through the returned context.
func (b *Bridge) serve(ctx context.Context, conn *websocket.Conn) error {
	readCtx := conn.CloseRead(ctx)

	eg, egCtx := errgroup.WithContext(readCtx)
	eg.Go(func() error { return b.writeLoop(egCtx, conn) })
	eg.Go(func() error { return b.pingLoop(egCtx, conn) })
	return eg.Wait()
}

func (b *Bridge) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return b.drain(conn)
		case ev := <-b.events:
			if err := b.send(ctx, conn, ev); err != nil {
				return err
			}
		}
	}
}

// pingLoop keeps the write-mostly connection verified while the queue is
// idle. A missed pong kills the connection and triggers a reconnect.
func (b *Bridge) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (b *Bridge) send(ctx context.Context, conn *websocket.Conn, ev pitch.Event) error {
	data, err := json.Marshal(wireEvent{Type: "pitch", Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if b.metrics != nil {
		b.metrics.RecordBridgeMessage(ctx, "sent")
	}
	return nil
}

// drain flushes whatever is still queued after Close, bounded by
// drainTimeout, then reports errClosed so Run stops.
func (b *Bridge) drain(conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-b.events:
			if err := b.send(ctx, conn, ev); err != nil {
				return errClosed
			}
		default:
			return errClosed
		}
	}
}
