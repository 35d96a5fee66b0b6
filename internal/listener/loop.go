package listener

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/proofmint/notarylistener/internal/chain"
	"github.com/proofmint/notarylistener/internal/metrics"
	"github.com/proofmint/notarylistener/internal/registry"
	"github.com/proofmint/notarylistener/internal/traces"
	"github.com/proofmint/notarylistener/internal/validation"
)

// initialize builds the contract handles unless they already exist.
func (l *Listener) initialize() error {
	if l.ledger != nil && l.escrow != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.ConnectTimeout)
	defer cancel()

	ledger, escrow, err := l.connector.Connect(ctx)
	if err != nil {
		if errors.Is(err, chain.ErrNotConfigured) {
			if l.disabledErr == nil {
				l.logger.Warn("blockchain not configured, escrow listener disabled", "error", err)
				l.notify(ActivityState, map[string]any{"state": string(StateDisabled), "reason": err.Error()})
			}
			l.disabledErr = err
			return err
		}
		l.lastError = err.Error()
		l.logger.Error("failed to initialize contracts", "error", err)
		return fmt.Errorf("initialize contracts: %w", err)
	}

	l.ledger, l.escrow = ledger, escrow
	l.disabledErr = nil
	l.logger.Info("contracts initialized")
	return nil
}

// subscribe replaces any current subscription with a fresh one and starts
// the health, event timeout and filter refresh timers.
func (l *Listener) subscribe() error {
	if err := l.initialize(); err != nil {
		return err
	}
	l.detach()

	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.ConnectTimeout)
	defer cancel()

	events := make(chan chain.DocumentRecorded, eventBuffer)
	sub, err := l.ledger.SubscribeDocumentRecorded(ctx, events)
	if err != nil {
		return fmt.Errorf("subscribe to notary events: %w", err)
	}

	l.sub = sub
	l.events = events
	l.subErr = sub.Err()
	l.gen++
	l.listening = true
	l.probing = false
	l.reconnectAttempts = 0
	l.retriesExhausted = false
	l.cancelReconnect()

	l.healthTicker = l.clock.NewTicker(l.cfg.HealthCheckInterval)
	l.filterTicker = l.clock.NewTicker(l.cfg.FilterRefreshInterval)
	l.eventTimer = l.clock.NewTimer(l.cfg.EventTimeout)

	metrics.ListenerListening.Set(1)
	l.logger.Info("listening for notary events", "pending", l.registry.Len())
	l.notify(ActivityState, map[string]any{"state": string(StateListening)})
	return nil
}

// detach drops the subscription and its timers. Reconnect scheduling is
// left alone.
func (l *Listener) detach() {
	if l.sub != nil {
		l.sub.Unsubscribe()
		l.sub = nil
	}
	// Buffered events already advanced the ledger cursor.
	l.drainEvents()
	l.events = nil
	l.subErr = nil
	l.listening = false
	l.probing = false

	if l.healthTicker != nil {
		l.healthTicker.Stop()
		l.healthTicker = nil
	}
	if l.filterTicker != nil {
		l.filterTicker.Stop()
		l.filterTicker = nil
	}
	if l.eventTimer != nil {
		l.eventTimer.Stop()
		l.eventTimer = nil
	}
	metrics.ListenerListening.Set(0)
}

func (l *Listener) drainEvents() {
	for {
		select {
		case ev, ok := <-l.events:
			if !ok {
				return
			}
			l.handleEvent(ev)
		default:
			return
		}
	}
}

// stopListening detaches and cancels any scheduled reconnect.
func (l *Listener) stopListening(reason string) {
	wasActive := l.listening || l.reconnectTimer != nil
	l.detach()
	l.cancelReconnect()
	if wasActive {
		l.logger.Info("event listener stopped", "reason", reason)
		l.notify(ActivityState, map[string]any{"state": string(StateStopped), "reason": reason})
	}
}

func (l *Listener) resetEventTimeout() {
	if l.eventTimer == nil {
		return
	}
	// A fresh timer discards a fire that is already queued.
	l.eventTimer.Stop()
	l.eventTimer = l.clock.NewTimer(l.cfg.EventTimeout)
}

func (l *Listener) handleEvent(ev chain.DocumentRecorded) {
	now := l.clock.Now()
	l.lastEventTime = now
	metrics.LastEventTimestamp.Set(float64(now.Unix()))
	l.resetEventTimeout()

	hash := ev.DocumentHashHex()
	log := l.logger.With("documentHash", hash, "block", ev.BlockNumber, "tx", ev.TxHash.Hex())

	id, ok := l.registry.Get(hash)
	l.notify(ActivityDocumentRecorded, map[string]any{
		"documentHash": hash,
		"recorder":     ev.Recorder.Hex(),
		"blockNumber":  ev.BlockNumber,
		"matched":      ok,
	})
	if !ok {
		metrics.ListenerEventsTotal.WithLabelValues("unmatched").Inc()
		log.Debug("no escrow registered for document")
		return
	}

	if _, busy := l.inflight[hash]; busy {
		metrics.ListenerEventsTotal.WithLabelValues("duplicate").Inc()
		log.Info("release already in flight, ignoring event", "escrowId", id)
		return
	}

	escrowID, valid := validation.ParseEscrowID(id)
	if !valid {
		metrics.ListenerEventsTotal.WithLabelValues("invalid").Inc()
		log.Error("registered escrow id is not a uint256, skipping release", "escrowId", id)
		return
	}

	metrics.ListenerEventsTotal.WithLabelValues("matched").Inc()
	log.Info("processing escrow release", "escrowId", id)

	l.inflight[hash] = id
	l.releases.Add(1)
	go l.release(hash, id, escrowID, l.escrow)
}

// release submits and confirms one escrow release. It runs outside the
// loop; a failure is logged and the entry stays registered.
func (l *Listener) release(hash, id string, escrowID *big.Int, escrow Escrow) {
	defer l.releases.Done()

	ctx, span := traces.StartSpan(l.ctx, "listener.release_escrow",
		traces.DocumentHash(hash), traces.EscrowID(id))
	defer span.End()

	log := l.logger.With("documentHash", hash, "escrowId", id)
	start := l.clock.Now()

	var txHash string
	err := func() error {
		tx, err := escrow.Release(ctx, escrowID)
		if err != nil {
			return err
		}
		txHash = tx.Hash()
		span.SetAttributes(traces.TxHash(txHash))
		log.Info("release transaction sent", "tx", txHash)
		return tx.Wait(ctx)
	}()
	metrics.EscrowReleaseDuration.Observe(l.clock.Since(start).Seconds())

	if err != nil {
		traces.Fail(span, err)
		metrics.EscrowReleasesTotal.WithLabelValues("failed").Inc()
		log.Error("failed to release escrow", "tx", txHash, "error", err)
		l.notify(ActivityReleaseFailed, map[string]any{
			"documentHash": hash, "escrowId": id, "txHash": txHash, "error": err.Error(),
		})
		l.complete(func() { delete(l.inflight, hash) })
		return
	}

	metrics.EscrowReleasesTotal.WithLabelValues("released").Inc()
	log.Info("escrow released", "tx", txHash)

	removed, remaining, rmErr := l.registry.RemoveIfMatch(context.WithoutCancel(ctx), hash, id)
	if !removed && rmErr == nil {
		log.Warn("escrow re-registered during release, keeping new mapping")
	}
	metrics.PendingEscrows.Set(float64(remaining))
	l.notify(ActivityEscrowReleased, map[string]any{
		"documentHash": hash, "escrowId": id, "txHash": txHash, "pending": remaining,
	})

	l.complete(func() {
		delete(l.inflight, hash)
		if l.registry.Len() == 0 && (l.listening || l.reconnectTimer != nil) {
			l.logger.Info("all escrows processed, stopping event listener")
			l.stopListening("no pending escrows")
		}
	})
}

// RegisterEscrow records that escrowID is released once documentHash is
// notarized, and starts listening when this is the first pending escrow.
// A persistence failure is returned but the in-memory entry is kept.
func (l *Listener) RegisterEscrow(ctx context.Context, documentHash, escrowID string) (registry.Registration, error) {
	select {
	case <-l.done:
		return registry.Registration{}, ErrStopped
	default:
	}

	hash := validation.NormalizeDocumentHash(documentHash)
	if !validation.IsValidDocumentHash(hash) {
		return registry.Registration{}, ErrInvalidDocumentHash
	}
	id, ok := validation.CanonicalEscrowID(escrowID)
	if !ok {
		return registry.Registration{}, ErrInvalidEscrowID
	}

	reg, persistErr := l.registry.Register(ctx, hash, id)
	metrics.PendingEscrows.Set(float64(reg.Size))
	l.logger.Info("escrow registered", "documentHash", hash, "escrowId", id, "pending", reg.Size)
	l.notify(ActivityEscrowRegistered, map[string]any{
		"documentHash": hash, "escrowId": id, "pending": reg.Size,
	})

	if reg.Created && reg.Size == 1 {
		if err := l.do(ctx, l.startForFirstEscrow); err != nil {
			return reg, err
		}
	}
	return reg, persistErr
}

func (l *Listener) startForFirstEscrow() {
	if l.listening || l.reconnectTimer != nil {
		return
	}
	if err := l.subscribe(); err != nil {
		if errors.Is(err, chain.ErrNotConfigured) {
			return
		}
		l.onFailure(triggerSubscribe, err)
	}
}

// StopListening detaches the subscription and cancels any scheduled
// reconnect. Pending escrows are kept; the next first registration or a
// manual Reconnect resumes listening.
func (l *Listener) StopListening(ctx context.Context) error {
	return l.do(ctx, func() { l.stopListening("operator request") })
}

// Pending returns the registered escrows awaiting notarization.
func (l *Listener) Pending() []registry.Entry {
	return l.registry.Snapshot()
}
