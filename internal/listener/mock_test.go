package listener

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/proofmint/notarylistener/internal/chain"
	"github.com/proofmint/notarylistener/internal/logging"
	"github.com/proofmint/notarylistener/internal/registry"
)

const (
	hashABC   = "0x0000000000000000000000000000000000000000000000000000000000000abc"
	hashOther = "0x00000000000000000000000000000000000000000000000000000000000000ff"
)

// fakeLedger counts live subscriptions so tests can assert that at most
// one is ever attached.
type fakeLedger struct {
	mu             sync.Mutex
	subs           []*fakeSub
	subscribeCalls int
	subscribeErr   error
	networkErr     error
	head           uint64
	recorded       []chain.DocumentRecorded
	filterRange    [2]uint64
	closed         bool
	// delivered into the sink while the next Unsubscribe runs
	inFlight []chain.DocumentRecorded
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{head: 1000}
}

type fakeSub struct {
	ledger *fakeLedger
	sink   chan<- chain.DocumentRecorded
	err    chan error
	quit   chan struct{}
	once   sync.Once
}

func (s *fakeSub) Err() <-chan error { return s.err }

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() {
		s.ledger.mu.Lock()
		pending := s.ledger.inFlight
		s.ledger.inFlight = nil
		s.ledger.mu.Unlock()
		for _, ev := range pending {
			select {
			case s.sink <- ev:
			default:
			}
		}

		close(s.quit)
		s.ledger.mu.Lock()
		for i, sub := range s.ledger.subs {
			if sub == s {
				s.ledger.subs = append(s.ledger.subs[:i], s.ledger.subs[i+1:]...)
				break
			}
		}
		s.ledger.mu.Unlock()
	})
}

func (f *fakeLedger) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networkErr != nil {
		return 0, f.networkErr
	}
	return f.head, nil
}

func (f *fakeLedger) Network(ctx context.Context) (chain.Network, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networkErr != nil {
		return chain.Network{}, f.networkErr
	}
	return chain.Network{Name: "amoy", ChainID: 80002}, nil
}

func (f *fakeLedger) SubscribeDocumentRecorded(ctx context.Context, sink chan<- chain.DocumentRecorded) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeSub{ledger: f, sink: sink, err: make(chan error, 1), quit: make(chan struct{})}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeLedger) FilterDocumentRecorded(ctx context.Context, from, to uint64) ([]chain.DocumentRecorded, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterRange = [2]uint64{from, to}
	return append([]chain.DocumentRecorded(nil), f.recorded...), nil
}

func (f *fakeLedger) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeLedger) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls
}

func (f *fakeLedger) setSubscribeErr(err error) {
	f.mu.Lock()
	f.subscribeErr = err
	f.mu.Unlock()
}

func (f *fakeLedger) setNetworkErr(err error) {
	f.mu.Lock()
	f.networkErr = err
	f.mu.Unlock()
}

// deliverOnUnsubscribe queues ev to land in the sink while the next
// subscription is being torn down, after the cursor has moved past it.
func (f *fakeLedger) deliverOnUnsubscribe(ev chain.DocumentRecorded) {
	f.mu.Lock()
	f.inFlight = append(f.inFlight, ev)
	f.mu.Unlock()
}

// emit delivers ev to every live subscription.
func (f *fakeLedger) emit(ev chain.DocumentRecorded) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		select {
		case s.sink <- ev:
		case <-s.quit:
		}
	}
}

// fail reports err on every live subscription.
func (f *fakeLedger) fail(err error) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		select {
		case s.err <- err:
		default:
		}
	}
}

func recorded(hash string, block uint64) chain.DocumentRecorded {
	return chain.DocumentRecorded{
		DocumentHash: common.HexToHash(hash),
		Recorder:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Timestamp:    big.NewInt(1700000000),
		BlockNumber:  block,
		TxHash:       common.HexToHash("0xfeed"),
	}
}

type fakeTx struct {
	hash string
	wait func(ctx context.Context) error
}

func (t *fakeTx) Hash() string { return t.hash }

func (t *fakeTx) Wait(ctx context.Context) error {
	if t.wait == nil {
		return nil
	}
	return t.wait(ctx)
}

// fakeEscrow records release calls.
type fakeEscrow struct {
	mu         sync.Mutex
	released   []string
	releaseErr error
	waitErr    error
	hold       chan struct{} // when set, Wait blocks until closed
}

func (e *fakeEscrow) Release(ctx context.Context, escrowID *big.Int) (PendingTx, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = append(e.released, escrowID.String())
	if e.releaseErr != nil {
		return nil, e.releaseErr
	}
	hold, waitErr := e.hold, e.waitErr
	return &fakeTx{
		hash: "0xtx" + escrowID.String(),
		wait: func(ctx context.Context) error {
			if hold != nil {
				select {
				case <-hold:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return waitErr
		},
	}, nil
}

func (e *fakeEscrow) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.released...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	counts map[string]int
}

func (n *fakeNotifier) Publish(eventType string, data map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.counts == nil {
		n.counts = make(map[string]int)
	}
	n.counts[eventType]++
}

func (n *fakeNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[eventType]
}

func testConfig() Config {
	return Config{
		MaxReconnectAttempts:  3,
		ReconnectDelay:        10 * time.Second,
		HealthCheckInterval:   30 * time.Second,
		EventTimeout:          60 * time.Second,
		FilterRefreshInterval: 5 * time.Minute,
		LookbackBlocks:        100,
		ConnectTimeout:        time.Second,
		ProbeTimeout:          time.Second,
	}
}

type harness struct {
	listener *Listener
	ledger   *fakeLedger
	escrow   *fakeEscrow
	clock    *clockwork.FakeClock
	registry *registry.Registry
	store    *registry.MemoryStore
	notifier *fakeNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		ledger:   newFakeLedger(),
		escrow:   &fakeEscrow{},
		clock:    clockwork.NewFakeClock(),
		store:    registry.NewMemoryStore(),
		notifier: &fakeNotifier{},
	}
	h.registry = registry.New(context.Background(), h.store, logging.Discard())
	connector := ConnectorFunc(func(ctx context.Context) (Ledger, Escrow, error) {
		return h.ledger, h.escrow, nil
	})
	h.listener = New(cfg, connector, h.registry, logging.Discard(),
		WithClock(h.clock), WithNotifier(h.notifier))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.listener.Shutdown(ctx)
	})
	return h
}

func (h *harness) eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// register adds an escrow. The first registration subscribes before returning.
func (h *harness) register(t *testing.T, hash, id string) {
	t.Helper()
	_, err := h.listener.RegisterEscrow(context.Background(), hash, id)
	require.NoError(t, err)
}

var errConnLost = errors.New("websocket: connection lost")
