// Package listener reconciles notarized documents with pending escrows.
//
// A Listener subscribes to DocumentHashRecorded events on the notary
// contract. When an event names a document registered in the pending
// escrow registry it releases the matching escrow and, once the release is
// mined, forgets the entry. The subscription is held only while entries
// are pending and is recovered with a bounded reconnect policy when it
// fails, goes silent or needs a refresh.
//
// All listener state is owned by one loop goroutine. Timers come from an
// injected clockwork.Clock so tests drive them deterministically.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/jonboulle/clockwork"

	"github.com/proofmint/notarylistener/internal/chain"
	"github.com/proofmint/notarylistener/internal/logging"
	"github.com/proofmint/notarylistener/internal/registry"
)

var (
	ErrInvalidDocumentHash = errors.New("listener: document hash must be 0x followed by 64 hex characters")
	ErrInvalidEscrowID     = errors.New("listener: escrow id must be a non-negative decimal integer below 2^256")
	ErrNotInitialized      = errors.New("listener: contracts not initialized")
	ErrEventTimeout        = errors.New("listener: no events received within the event timeout")
	ErrSubscriptionClosed  = errors.New("listener: subscription closed")
	ErrStopped             = errors.New("listener: stopped")
)

// Ledger is the notary event source.
type Ledger interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Network(ctx context.Context) (chain.Network, error)
	SubscribeDocumentRecorded(ctx context.Context, sink chan<- chain.DocumentRecorded) (ethereum.Subscription, error)
	FilterDocumentRecorded(ctx context.Context, from, to uint64) ([]chain.DocumentRecorded, error)
	Close()
}

// PendingTx is a broadcast release transaction.
type PendingTx interface {
	Hash() string
	Wait(ctx context.Context) error
}

// Escrow releases escrowed payments.
type Escrow interface {
	Release(ctx context.Context, escrowID *big.Int) (PendingTx, error)
}

// Connector builds the ledger and escrow handles. It returns an error
// wrapping chain.ErrNotConfigured when blockchain settings are absent.
type Connector interface {
	Connect(ctx context.Context) (Ledger, Escrow, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Ledger, Escrow, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Ledger, Escrow, error) { return f(ctx) }

// Notifier receives listener activity. realtime.Hub implements it.
type Notifier interface {
	Publish(eventType string, data map[string]any)
}

// Notifiers fans activity out to each notifier in order.
type Notifiers []Notifier

func (ns Notifiers) Publish(eventType string, data map[string]any) {
	for _, n := range ns {
		n.Publish(eventType, data)
	}
}

// Activity types passed to the Notifier.
const (
	ActivityEscrowRegistered = "escrow_registered"
	ActivityDocumentRecorded = "document_recorded"
	ActivityEscrowReleased   = "escrow_released"
	ActivityReleaseFailed    = "release_failed"
	ActivityState            = "listener_state"
)

// Config tunes the connection lifecycle.
type Config struct {
	MaxReconnectAttempts  int
	ReconnectDelay        time.Duration
	HealthCheckInterval   time.Duration
	EventTimeout          time.Duration
	FilterRefreshInterval time.Duration
	LookbackBlocks        uint64
	ConnectTimeout        time.Duration // bounds Connect and Subscribe
	ProbeTimeout          time.Duration // bounds one health probe
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts:  5,
		ReconnectDelay:        10 * time.Second,
		HealthCheckInterval:   30 * time.Second,
		EventTimeout:          60 * time.Second,
		FilterRefreshInterval: 5 * time.Minute,
		LookbackBlocks:        100,
		ConnectTimeout:        30 * time.Second,
		ProbeTimeout:          10 * time.Second,
	}
}

// Option configures a Listener.
type Option func(*Listener)

// WithClock replaces the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Listener) { l.clock = clock }
}

// WithNotifier publishes listener activity to n.
func WithNotifier(n Notifier) Option {
	return func(l *Listener) { l.notifier = n }
}

const eventBuffer = 64

// Listener is the escrow reconciliation listener.
type Listener struct {
	cfg       Config
	connector Connector
	registry  *registry.Registry
	clock     clockwork.Clock
	notifier  Notifier
	logger    *slog.Logger

	ctx         context.Context // cancelled when Shutdown gives up on releases
	cancel      context.CancelFunc
	cmds        chan func()
	completions chan func()
	quit        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	releases    sync.WaitGroup

	// Owned by the loop goroutine.
	ledger            Ledger
	escrow            Escrow
	sub               ethereum.Subscription
	events            chan chain.DocumentRecorded
	subErr            <-chan error
	gen               uint64 // bumped on every subscribe
	listening         bool
	probing           bool
	reconnectAttempts int
	retriesExhausted  bool
	disabledErr       error
	lastError         string
	lastEventTime     time.Time
	inflight          map[string]string // documentHash -> escrowId being released
	healthTicker      clockwork.Ticker
	filterTicker      clockwork.Ticker
	eventTimer        clockwork.Timer
	reconnectTimer    clockwork.Timer
	stopped           bool

	statusMu sync.RWMutex
	status   Status
}

// New creates a listener and starts its loop goroutine. Nothing touches
// the chain until Start, RegisterEscrow or Reconnect is called.
func New(cfg Config, connector Connector, reg *registry.Registry, logger *slog.Logger, opts ...Option) *Listener {
	def := DefaultConfig()
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = def.EventTimeout
	}
	if cfg.FilterRefreshInterval <= 0 {
		cfg.FilterRefreshInterval = def.FilterRefreshInterval
	}
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = def.LookbackBlocks
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		cfg:         cfg,
		connector:   connector,
		registry:    reg,
		clock:       clockwork.NewRealClock(),
		logger:      logging.Component(logger, "listener"),
		ctx:         ctx,
		cancel:      cancel,
		cmds:        make(chan func()),
		completions: make(chan func(), eventBuffer),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		inflight:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastEventTime = l.clock.Now()
	l.publishStatus()

	go l.run()
	return l
}

// do runs fn on the loop goroutine and waits for it. The status snapshot
// reflects fn's effects when do returns.
func (l *Listener) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case l.cmds <- func() {
		fn()
		l.publishStatus()
		close(finished)
	}:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// complete hands a release result back to the loop. Results arriving after
// the loop exited are dropped.
func (l *Listener) complete(fn func()) {
	select {
	case l.completions <- fn:
	case <-l.done:
	}
}

func (l *Listener) notify(eventType string, data map[string]any) {
	if l.notifier != nil {
		l.notifier.Publish(eventType, data)
	}
}

// Start connects to the chain and, when escrows are already pending,
// subscribes. A missing blockchain configuration leaves the listener
// disabled and is returned as an error wrapping chain.ErrNotConfigured; the
// caller is expected to keep serving. A failed initial connection or
// subscription is returned and, when escrows are pending, retried by the
// reconnect policy.
func (l *Listener) Start(ctx context.Context) error {
	var err error
	if derr := l.do(ctx, func() {
		if err = l.initialize(); err != nil {
			if !errors.Is(err, chain.ErrNotConfigured) && l.registry.Len() > 0 {
				l.onFailure(triggerSubscribe, err)
			}
			return
		}
		if l.registry.Len() == 0 {
			l.logger.Info("no pending escrows, listener idle until the first registration")
			return
		}
		if err = l.subscribe(); err != nil {
			l.onFailure(triggerSubscribe, err)
		}
	}); derr != nil {
		return derr
	}
	return err
}

// Shutdown tears down the subscription and every timer, stops the loop and
// waits for in-flight releases. When ctx ends first, in-flight releases are
// cancelled.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.quit) })
	<-l.done

	waited := make(chan struct{})
	go func() {
		l.releases.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		l.logger.Warn("shutdown deadline reached, cancelling in-flight releases")
		l.cancel()
		<-waited
		err = ctx.Err()
	}
	l.cancel()

	if l.ledger != nil {
		l.ledger.Close()
	}
	l.logger.Info("listener stopped")
	return err
}

func (l *Listener) run() {
	defer close(l.done)

	for {
		select {
		case <-l.quit:
			l.stopListening("shutdown")
			l.stopped = true
			l.publishStatus()
			return

		case fn := <-l.cmds:
			fn()

		case fn := <-l.completions:
			fn()

		case ev, ok := <-l.events:
			if !ok {
				l.events = nil
				break
			}
			l.handleEvent(ev)

		case err, ok := <-l.subErr:
			l.subErr = nil
			if !ok || err == nil {
				err = ErrSubscriptionClosed
			}
			// The subscription is gone; stop its timers before recovery.
			l.detach()
			l.onFailure(triggerSubscription, err)

		case <-tickerChan(l.healthTicker):
			l.probeHealth()

		case <-timerChan(l.eventTimer):
			l.eventTimer = nil
			l.onFailure(triggerEventTimeout, ErrEventTimeout)

		case <-tickerChan(l.filterTicker):
			l.refreshFilter()

		case <-timerChan(l.reconnectTimer):
			l.reconnectTimer = nil
			l.attemptReconnect()
		}
		l.publishStatus()
	}
}

// tickerChan returns nil for a stopped ticker so its select case never fires.
func tickerChan(t clockwork.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}
