package listener

import (
	"context"
	"errors"
	"time"
)

// State is the connection lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateDisabled      State = "disabled"
	StateInitialized   State = "initialized"
	StateListening     State = "listening"
	StateReconnecting  State = "reconnecting"
	StateStopped       State = "stopped"
)

// Timers reports which listener timers are armed.
type Timers struct {
	HealthCheck   bool `json:"healthCheck"`
	EventTimeout  bool `json:"eventTimeout"`
	FilterRefresh bool `json:"filterRefresh"`
	Reconnect     bool `json:"reconnect"`
}

// Status is a point-in-time view of the listener.
type Status struct {
	State                State     `json:"state"`
	IsListening          bool      `json:"isListening"`
	ReconnectAttempts    int       `json:"reconnectAttempts"`
	MaxReconnectAttempts int       `json:"maxReconnectAttempts"`
	ContractsInitialized bool      `json:"contractsInitialized"`
	PendingCount         int       `json:"pendingCount"`
	InFlightReleases     int       `json:"inFlightReleases"`
	LastEventTime        time.Time `json:"lastEventTime"`
	TimeSinceLastEvent   int64     `json:"timeSinceLastEvent"` // milliseconds
	Reconnecting         bool      `json:"reconnecting"`
	RetriesExhausted     bool      `json:"retriesExhausted"`
	DisabledReason       string    `json:"disabledReason,omitempty"`
	LastError            string    `json:"lastError,omitempty"`
	Timers               Timers    `json:"timers"`
}

// publishStatus copies loop-owned state into the readable snapshot.
func (l *Listener) publishStatus() {
	s := Status{
		IsListening:          l.listening,
		ReconnectAttempts:    l.reconnectAttempts,
		MaxReconnectAttempts: l.cfg.MaxReconnectAttempts,
		ContractsInitialized: l.ledger != nil && l.escrow != nil,
		InFlightReleases:     len(l.inflight),
		LastEventTime:        l.lastEventTime,
		Reconnecting:         l.reconnectTimer != nil,
		RetriesExhausted:     l.retriesExhausted,
		LastError:            l.lastError,
		Timers: Timers{
			HealthCheck:   l.healthTicker != nil,
			EventTimeout:  l.eventTimer != nil,
			FilterRefresh: l.filterTicker != nil,
			Reconnect:     l.reconnectTimer != nil,
		},
	}
	if l.disabledErr != nil {
		s.DisabledReason = l.disabledErr.Error()
	}

	switch {
	case l.stopped:
		s.State = StateStopped
	case s.Reconnecting:
		s.State = StateReconnecting
	case l.listening:
		s.State = StateListening
	case l.disabledErr != nil:
		s.State = StateDisabled
	case s.ContractsInitialized:
		s.State = StateInitialized
	default:
		s.State = StateUninitialized
	}

	l.statusMu.Lock()
	l.status = s
	l.statusMu.Unlock()
}

// Status returns the current listener status. It never blocks on the loop.
func (l *Listener) Status() Status {
	l.statusMu.RLock()
	s := l.status
	l.statusMu.RUnlock()

	s.PendingCount = l.registry.Len()
	s.TimeSinceLastEvent = l.clock.Since(s.LastEventTime).Milliseconds()
	return s
}

// ProviderTest is the result of TestProviderConnection.
type ProviderTest struct {
	Connected   bool   `json:"connected"`
	Network     string `json:"network,omitempty"`
	ChainID     int64  `json:"chainId,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EventListenerTest is the result of TestEventListener.
type EventListenerTest struct {
	Working       bool      `json:"working"`
	LatestBlock   uint64    `json:"latestBlock,omitempty"`
	RecentEvents  int       `json:"recentEvents"`
	LastEventTime time.Time `json:"lastEventTime"`
	Error         string    `json:"error,omitempty"`
}

func (l *Listener) currentLedger(ctx context.Context) (Ledger, error) {
	var ledger Ledger
	if err := l.do(ctx, func() { ledger = l.ledger }); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, ErrNotInitialized
	}
	return ledger, nil
}

// notInitialized appends the last connect failure, if any, to msg.
func (l *Listener) notInitialized(msg string) string {
	if last := l.Status().LastError; last != "" {
		return msg + ": " + last
	}
	return msg
}

// TestProviderConnection queries the network and head block.
func (l *Listener) TestProviderConnection(ctx context.Context) ProviderTest {
	ledger, err := l.currentLedger(ctx)
	if errors.Is(err, ErrNotInitialized) {
		return ProviderTest{Error: l.notInitialized("Provider not initialized")}
	}
	if err != nil {
		return ProviderTest{Error: err.Error()}
	}

	network, err := ledger.Network(ctx)
	if err != nil {
		return ProviderTest{Error: err.Error()}
	}
	block, err := ledger.BlockNumber(ctx)
	if err != nil {
		return ProviderTest{Network: network.Name, ChainID: network.ChainID, Error: err.Error()}
	}
	return ProviderTest{
		Connected:   true,
		Network:     network.Name,
		ChainID:     network.ChainID,
		BlockNumber: block,
	}
}

// TestEventListener queries DocumentHashRecorded events over the last
// LookbackBlocks blocks.
func (l *Listener) TestEventListener(ctx context.Context) EventListenerTest {
	lastEvent := l.Status().LastEventTime

	ledger, err := l.currentLedger(ctx)
	if errors.Is(err, ErrNotInitialized) {
		return EventListenerTest{Error: l.notInitialized("Contracts not initialized"), LastEventTime: lastEvent}
	}
	if err != nil {
		return EventListenerTest{Error: err.Error(), LastEventTime: lastEvent}
	}

	latest, err := ledger.BlockNumber(ctx)
	if err != nil {
		return EventListenerTest{Error: err.Error(), LastEventTime: lastEvent}
	}
	var from uint64
	if latest > l.cfg.LookbackBlocks {
		from = latest - l.cfg.LookbackBlocks
	}

	events, err := ledger.FilterDocumentRecorded(ctx, from, latest)
	if err != nil {
		return EventListenerTest{LatestBlock: latest, Error: err.Error(), LastEventTime: lastEvent}
	}
	return EventListenerTest{
		Working:       true,
		LatestBlock:   latest,
		RecentEvents:  len(events),
		LastEventTime: lastEvent,
	}
}
