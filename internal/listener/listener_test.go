package listener

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofmint/notarylistener/internal/chain"
	"github.com/proofmint/notarylistener/internal/logging"
	"github.com/proofmint/notarylistener/internal/registry"
)

func TestRegisterEscrow_ReleasesOnMatchingEvent(t *testing.T) {
	h := newHarness(t, testConfig())

	h.register(t, hashABC, "42")
	require.Equal(t, 1, h.registry.Len())
	require.Equal(t, 1, h.ledger.active())
	assert.True(t, h.listener.Status().IsListening)

	h.ledger.emit(recorded(hashABC, 10))

	h.eventually(t, func() bool { return h.registry.Len() == 0 }, "registry should drain")
	h.eventually(t, func() bool { return h.ledger.active() == 0 }, "subscription should be torn down")
	assert.Equal(t, []string{"42"}, h.escrow.calls())

	h.eventually(t, func() bool { return !h.listener.Status().IsListening }, "listener should stop")
	st := h.listener.Status()
	assert.Equal(t, Timers{}, st.Timers)
	assert.Equal(t, 0, st.InFlightReleases)
	assert.Equal(t, 1, h.notifier.count(ActivityEscrowReleased))
}

func TestRegisterEscrow_Idempotent(t *testing.T) {
	h := newHarness(t, testConfig())

	h.register(t, hashABC, "1")
	reg, err := h.listener.RegisterEscrow(context.Background(), hashABC, "2")
	require.NoError(t, err)

	assert.False(t, reg.Created)
	assert.Equal(t, "1", reg.Previous)
	assert.Equal(t, 1, reg.Size)
	id, ok := h.registry.Get(hashABC)
	require.True(t, ok)
	assert.Equal(t, "2", id)
	assert.Equal(t, 1, h.ledger.calls(), "re-registration must not resubscribe")
}

func TestRegisterEscrow_NormalizesInput(t *testing.T) {
	h := newHarness(t, testConfig())

	upper := "0X" + "0000000000000000000000000000000000000000000000000000000000000ABC"
	_, err := h.listener.RegisterEscrow(context.Background(), "  "+upper+" ", "0042")
	require.NoError(t, err)

	id, ok := h.registry.Get(hashABC)
	require.True(t, ok)
	assert.Equal(t, "42", id)
}

func TestRegisterEscrow_InvalidInput(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.listener.RegisterEscrow(context.Background(), "0xabc", "1")
	assert.ErrorIs(t, err, ErrInvalidDocumentHash)

	_, err = h.listener.RegisterEscrow(context.Background(), hashABC, "-1")
	assert.ErrorIs(t, err, ErrInvalidEscrowID)

	assert.Equal(t, 0, h.registry.Len())
	assert.Equal(t, 0, h.ledger.calls())
}

func TestSubscribe_AtMostOneActive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, hashABC, "7")

	require.NoError(t, h.listener.Reconnect(context.Background()))
	require.NoError(t, h.listener.Reconnect(context.Background()))
	assert.Equal(t, 3, h.ledger.calls())
	assert.Equal(t, 1, h.ledger.active())

	h.ledger.emit(recorded(hashABC, 5))
	h.eventually(t, func() bool { return h.registry.Len() == 0 }, "release should complete")
	assert.Equal(t, []string{"7"}, h.escrow.calls())
}

func TestEvent_UnmatchedIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, hashABC, "1")

	h.ledger.emit(recorded(hashOther, 3))
	h.eventually(t, func() bool { return h.notifier.count(ActivityDocumentRecorded) == 1 }, "event should be seen")

	assert.Empty(t, h.escrow.calls())
	assert.Equal(t, 1, h.registry.Len())
	assert.True(t, h.listener.Status().IsListening)
}

func TestRelease_FailureKeepsEntryAndIsNotRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.escrow.releaseErr = &chain.TxError{Op: "estimate_gas", Err: errors.New("execution reverted")}
	h.register(t, hashABC, "9")

	h.ledger.emit(recorded(hashABC, 4))
	h.eventually(t, func() bool { return h.notifier.count(ActivityReleaseFailed) == 1 }, "release should fail")
	h.eventually(t, func() bool { return h.listener.Status().InFlightReleases == 0 }, "release should settle")

	assert.Equal(t, []string{"9"}, h.escrow.calls())
	assert.Equal(t, 1, h.registry.Len())
	assert.True(t, h.listener.Status().IsListening)

	// The next matching event tries again.
	h.ledger.emit(recorded(hashABC, 5))
	h.eventually(t, func() bool { return len(h.escrow.calls()) == 2 }, "second event should release again")
}

func TestRelease_RevertedConfirmationKeepsEntry(t *testing.T) {
	h := newHarness(t, testConfig())
	h.escrow.waitErr = &chain.TxError{Op: "confirm", TxHash: "0x1", Err: chain.ErrTransactionFailed}
	h.register(t, hashABC, "9")

	h.ledger.emit(recorded(hashABC, 4))
	h.eventually(t, func() bool { return h.notifier.count(ActivityReleaseFailed) == 1 }, "release should fail")
	assert.Equal(t, 1, h.registry.Len())
}

func TestRelease_DuplicateEventWhileInFlight(t *testing.T) {
	h := newHarness(t, testConfig())
	hold := make(chan struct{})
	h.escrow.hold = hold
	h.register(t, hashABC, "3")

	h.ledger.emit(recorded(hashABC, 4))
	h.ledger.emit(recorded(hashABC, 4))
	h.eventually(t, func() bool { return h.notifier.count(ActivityDocumentRecorded) == 2 }, "both events should be seen")

	assert.Equal(t, []string{"3"}, h.escrow.calls())
	assert.Equal(t, 1, h.listener.Status().InFlightReleases)

	close(hold)
	h.eventually(t, func() bool { return h.registry.Len() == 0 }, "release should complete")
	assert.Equal(t, []string{"3"}, h.escrow.calls())
}

func TestRelease_ReregistrationDuringReleaseSurvives(t *testing.T) {
	h := newHarness(t, testConfig())
	hold := make(chan struct{})
	h.escrow.hold = hold
	h.register(t, hashABC, "3")

	h.ledger.emit(recorded(hashABC, 4))
	h.eventually(t, func() bool { return len(h.escrow.calls()) == 1 }, "release should start")

	h.register(t, hashABC, "4")
	close(hold)

	h.eventually(t, func() bool { return h.listener.Status().InFlightReleases == 0 }, "release should settle")
	id, ok := h.registry.Get(hashABC)
	require.True(t, ok)
	assert.Equal(t, "4", id)
	assert.True(t, h.listener.Status().IsListening)
}

func TestSubscriptionError_ReconnectsAndResetsAttempts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, hashABC, "1")

	h.ledger.fail(errConnLost)
	h.eventually(t, func() bool {
		st := h.listener.Status()
		return st.Reconnecting && st.ReconnectAttempts == 1
	}, "reconnect should be scheduled")
	assert.Equal(t, 0, h.ledger.active())
	assert.Contains(t, h.listener.Status().LastError, "connection lost")

	h.clock.Advance(10 * time.Second)
	h.eventually(t, func() bool {
		st := h.listener.Status()
		return st.IsListening && !st.Reconnecting
	}, "listener should reconnect")

	st := h.listener.Status()
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Equal(t, 2, h.ledger.calls())
	assert.Equal(t, 1, h.ledger.active())
}

func TestReconnect_BoundedThenManualReset(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.register(t, hashABC, "1")

	h.ledger.setSubscribeErr(errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"))
	h.ledger.fail(errConnLost)

	for attempt := 1; attempt <= cfg.MaxReconnectAttempts; attempt++ {
		h.eventually(t, func() bool {
			st := h.listener.Status()
			return st.Reconnecting && st.ReconnectAttempts == attempt
		}, fmt.Sprintf("attempt %d should be scheduled", attempt))
		h.clock.Advance(cfg.ReconnectDelay)
	}

	h.eventually(t, func() bool { return h.listener.Status().RetriesExhausted }, "retries should be exhausted")
	st := h.listener.Status()
	assert.False(t, st.Reconnecting)
	assert.False(t, st.IsListening)
	assert.Equal(t, cfg.MaxReconnectAttempts, st.ReconnectAttempts)
	assert.Equal(t, 1+cfg.MaxReconnectAttempts, h.ledger.calls())

	// No timer is armed, so time passing changes nothing.
	h.clock.Advance(time.Hour)
	assert.Equal(t, 1+cfg.MaxReconnectAttempts, h.ledger.calls())
	assert.Equal(t, Timers{}, h.listener.Status().Timers)

	h.ledger.setSubscribeErr(nil)
	require.NoError(t, h.listener.Reconnect(context.Background()))

	st = h.listener.Status()
	assert.True(t, st.IsListening)
	assert.False(t, st.RetriesExhausted)
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Equal(t, 1, h.ledger.active())
}

func TestReconnect_ManualFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, hashABC, "1")

	h.ledger.setSubscribeErr(errors.New("dial tcp: i/o timeout"))
	err := h.listener.Reconnect(context.Background())
	require.Error(t, err)

	st := h.listener.Status()
	assert.True(t, st.Reconnecting)
	assert.Equal(t, 1, st.ReconnectAttempts)
	assert.Equal(t, 0, h.ledger.active())
}

func TestEventTimeout_TriggersReconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, hashABC, "1")

	h.clock.Advance(60 * time.Second)
	h.eventually(t, func() bool { return h.listener.Status().Reconnecting }, "silence should trigger reconnect")
	assert.Contains(t, h.listener.Status().LastError, "no events")

	h.clock.Advance(10 * time.Second)
	h.eventually(t, func() bool { return h.ledger.calls() == 2 && h.listener.Status().IsListening }, "listener should resubscribe")
	assert.Equal(t, 1, h.ledger.active())
	assert.Equal(t, 0, h.listener.Status().ReconnectAttempts)
}

func TestEventTimeout_ResetByEvents(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheckInterval = time.Hour
	h := newHarness(t, cfg)
	h.register(t, hashABC, "1")

	h.clock.Advance(40 * time.Second)
	eventAt := h.clock.Now()
	h.ledger.emit(recorded(hashOther, 2))
	h.eventually(t, func() bool { return h.listener.Status().LastEventTime.Equal(eventAt) }, "event should be recorded")

	h.clock.Advance(40 * time.Second)
	st := h.listener.Status()
	assert.False(t, st.Reconnecting)
	assert.Equal(t, int64(40_000), st.TimeSinceLastEvent)

	h.clock.Advance(20 * time.Second)
	h.eventually(t, func() bool { return h.listener.Status().Reconnecting }, "timeout should fire 60s after the event")
}

func TestHealthCheck_FailureSchedulesReconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, hashABC, "1")

	h.ledger.setNetworkErr(errors.New("connection refused"))
	h.clock.Advance(30 * time.Second)

	h.eventually(t, func() bool { return h.listener.Status().Reconnecting }, "failed probe should schedule reconnect")
	assert.Contains(t, h.listener.Status().LastError, "health check")
	// The old subscription stays attached until the reconnect fires.
	assert.Equal(t, 1, h.ledger.active())
}

func TestFilterRefresh_Resubscribes(t *testing.T) {
	cfg := testConfig()
	cfg.EventTimeout = time.Hour
	cfg.HealthCheckInterval = time.Hour
	h := newHarness(t, cfg)
	h.register(t, hashABC, "1")

	h.clock.Advance(5 * time.Minute)
	h.eventually(t, func() bool { return h.ledger.calls() == 2 }, "filter should be refreshed")
	h.eventually(t, func() bool { return h.listener.Status().IsListening }, "listener should stay attached")
	assert.Equal(t, 1, h.ledger.active())
	assert.False(t, h.listener.Status().Reconnecting)
}

func TestFilterRefresh_FailureSchedulesReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.EventTimeout = time.Hour
	cfg.HealthCheckInterval = time.Hour
	h := newHarness(t, cfg)
	h.register(t, hashABC, "1")

	h.ledger.setSubscribeErr(errors.New("filter not found"))
	h.clock.Advance(5 * time.Minute)

	h.eventually(t, func() bool { return h.listener.Status().Reconnecting }, "refresh failure should schedule reconnect")
	assert.Equal(t, 0, h.ledger.active())
}

func TestFilterRefresh_DoesNotDropBufferedEvents(t *testing.T) {
	cfg := testConfig()
	cfg.EventTimeout = time.Hour
	cfg.HealthCheckInterval = time.Hour
	h := newHarness(t, cfg)
	h.register(t, hashABC, "42")

	h.ledger.deliverOnUnsubscribe(recorded(hashABC, 1001))
	h.clock.Advance(5 * time.Minute)

	h.eventually(t, func() bool { return len(h.escrow.calls()) == 1 }, "buffered event should be released")
	assert.Equal(t, []string{"42"}, h.escrow.calls())
	h.eventually(t, func() bool { return h.registry.Len() == 0 }, "registry should drain")
	h.eventually(t, func() bool { return h.ledger.active() == 0 }, "subscription should be torn down")
}

func TestReconnect_HandlesBufferedEvents(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, hashABC, "8")

	h.ledger.deliverOnUnsubscribe(recorded(hashABC, 1002))
	require.NoError(t, h.listener.Reconnect(context.Background()))

	h.eventually(t, func() bool { return h.registry.Len() == 0 }, "buffered event should be released")
	assert.Equal(t, []string{"8"}, h.escrow.calls())
}

func TestStart_NotConfiguredDisables(t *testing.T) {
	reg := registry.New(context.Background(), registry.NewMemoryStore(), logging.Discard())
	connector := ConnectorFunc(func(ctx context.Context) (Ledger, Escrow, error) {
		return nil, nil, fmt.Errorf("%w: missing RPC_URL", chain.ErrNotConfigured)
	})
	l := New(testConfig(), connector, reg, logging.Discard())
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })

	err := l.Start(context.Background())
	require.ErrorIs(t, err, chain.ErrNotConfigured)

	st := l.Status()
	assert.Equal(t, StateDisabled, st.State)
	assert.Contains(t, st.DisabledReason, "RPC_URL")
	assert.False(t, st.ContractsInitialized)

	_, err = l.RegisterEscrow(context.Background(), hashABC, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Status().PendingCount)
	assert.False(t, l.Status().Reconnecting)

	res := l.TestProviderConnection(context.Background())
	assert.False(t, res.Connected)
	assert.Equal(t, "Provider not initialized", res.Error)
	assert.Equal(t, "Contracts not initialized", l.TestEventListener(context.Background()).Error)
}

func TestStart_ConnectFailureSchedulesReconnect(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	require.NoError(t, store.Put(ctx, hashABC, "5"))
	reg := registry.New(ctx, store, logging.Discard())
	ledger, escrow := newFakeLedger(), &fakeEscrow{}
	clock := clockwork.NewFakeClock()

	var connects atomic.Int32
	connector := ConnectorFunc(func(ctx context.Context) (Ledger, Escrow, error) {
		if connects.Add(1) == 1 {
			return nil, nil, errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
		}
		return ledger, escrow, nil
	})
	l := New(testConfig(), connector, reg, logging.Discard(), WithClock(clock))
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })

	err := l.Start(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, chain.ErrNotConfigured)

	st := l.Status()
	assert.True(t, st.Reconnecting)
	assert.True(t, st.Timers.Reconnect)
	assert.Empty(t, st.DisabledReason)
	assert.False(t, st.ContractsInitialized)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Contains(t, l.TestProviderConnection(ctx).Error, "connection refused")

	clock.Advance(testConfig().ReconnectDelay)
	require.Eventually(t, func() bool { return l.Status().IsListening }, 2*time.Second, 5*time.Millisecond,
		"reconnect should subscribe once the node is reachable")
	assert.Equal(t, int32(2), connects.Load())
	assert.Equal(t, 1, ledger.active())
	assert.False(t, l.Status().Reconnecting)

	ledger.emit(recorded(hashABC, 1001))
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"5"}, escrow.calls())
}

func TestStart_ConnectFailureWithoutEscrowsStaysIdle(t *testing.T) {
	reg := registry.New(context.Background(), registry.NewMemoryStore(), logging.Discard())
	l := New(testConfig(), ConnectorFunc(func(ctx context.Context) (Ledger, Escrow, error) {
		return nil, nil, errors.New("dial tcp: connection refused")
	}), reg, logging.Discard())
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })

	require.Error(t, l.Start(context.Background()))
	st := l.Status()
	assert.False(t, st.Reconnecting)
	assert.Empty(t, st.DisabledReason)
}

func TestStart_IdleWithoutPendingEscrows(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.listener.Start(context.Background()))

	st := h.listener.Status()
	assert.Equal(t, StateInitialized, st.State)
	assert.True(t, st.ContractsInitialized)
	assert.False(t, st.IsListening)
	assert.Equal(t, 0, h.ledger.calls())
}

func TestStart_SubscribesForRestoredEscrows(t *testing.T) {
	store := registry.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), hashABC, "5"))
	reg := registry.New(context.Background(), store, logging.Discard())
	ledger, escrow := newFakeLedger(), &fakeEscrow{}
	l := New(testConfig(), ConnectorFunc(func(ctx context.Context) (Ledger, Escrow, error) {
		return ledger, escrow, nil
	}), reg, logging.Discard())
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })

	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, StateListening, l.Status().State)
	assert.Equal(t, 1, ledger.active())
}

func TestStopListening_KeepsEntries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, hashABC, "1")

	require.NoError(t, h.listener.StopListening(context.Background()))

	st := h.listener.Status()
	assert.False(t, st.IsListening)
	assert.Equal(t, Timers{}, st.Timers)
	assert.Equal(t, 1, st.PendingCount)
	assert.Equal(t, 0, h.ledger.active())
	assert.Len(t, h.listener.Pending(), 1)
}

func TestShutdown_TearsDownEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, hashABC, "1")
	h.ledger.fail(errConnLost)
	h.eventually(t, func() bool { return h.listener.Status().Reconnecting }, "reconnect should be scheduled")

	require.NoError(t, h.listener.Shutdown(context.Background()))

	st := h.listener.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, Timers{}, st.Timers)
	assert.Equal(t, 0, h.ledger.active())
	assert.True(t, h.ledger.closed)

	_, err := h.listener.RegisterEscrow(context.Background(), hashOther, "2")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestShutdown_CancelsSlowReleases(t *testing.T) {
	h := newHarness(t, testConfig())
	h.escrow.hold = make(chan struct{})
	h.register(t, hashABC, "1")
	h.ledger.emit(recorded(hashABC, 2))
	h.eventually(t, func() bool { return len(h.escrow.calls()) == 1 }, "release should start")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.listener.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.registry.Len())
}

func TestDiagnostics(t *testing.T) {
	h := newHarness(t, testConfig())
	h.ledger.head = 150
	h.ledger.recorded = []chain.DocumentRecorded{recorded(hashABC, 120), recorded(hashOther, 140)}
	require.NoError(t, h.listener.Start(context.Background()))

	provider := h.listener.TestProviderConnection(context.Background())
	assert.True(t, provider.Connected)
	assert.Equal(t, "amoy", provider.Network)
	assert.Equal(t, int64(80002), provider.ChainID)
	assert.Equal(t, uint64(150), provider.BlockNumber)

	events := h.listener.TestEventListener(context.Background())
	assert.True(t, events.Working)
	assert.Equal(t, uint64(150), events.LatestBlock)
	assert.Equal(t, 2, events.RecentEvents)
	assert.Equal(t, [2]uint64{50, 150}, h.ledger.filterRange)

	h.ledger.setNetworkErr(errors.New("connection refused"))
	provider = h.listener.TestProviderConnection(context.Background())
	assert.False(t, provider.Connected)
	assert.Contains(t, provider.Error, "connection refused")
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("filter not found"), failureFilterExpired},
		{errors.New("eth_getFilterChanges: filter expired"), failureFilterExpired},
		{ErrEventTimeout, failureTimeout},
		{fmt.Errorf("probe: %w", context.DeadlineExceeded), failureTimeout},
		{errors.New("i/o timeout"), failureTimeout},
		{ErrSubscriptionClosed, failureDisconnected},
		{errConnLost, failureDisconnected},
		{fmt.Errorf("%w: dial", chain.ErrRPCConnection), failureNetwork},
		{errors.New("dial tcp: connection refused"), failureNetwork},
		{errors.New("something odd"), failureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyFailure(tt.err))
		})
	}
}
