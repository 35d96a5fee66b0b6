package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/proofmint/notarylistener/internal/chain"
	"github.com/proofmint/notarylistener/internal/metrics"
)

// Failure triggers, used as log attributes and metric labels.
const (
	triggerSubscription  = "subscription"
	triggerHealthCheck   = "health_check"
	triggerEventTimeout  = "event_timeout"
	triggerFilterRefresh = "filter_refresh"
	triggerSubscribe     = "subscribe"
	triggerReconnect     = "reconnect"
)

// Failure kinds. All of them are retried.
const (
	failureFilterExpired = "filter_expired"
	failureTimeout       = "timeout"
	failureNetwork       = "network"
	failureDisconnected  = "disconnected"
	failureUnknown       = "unknown"
)

// classifyFailure labels a connection failure for logs and metrics.
func classifyFailure(err error) string {
	if err == nil {
		return failureUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "filter not found") ||
		(strings.Contains(msg, "filter") && strings.Contains(msg, "expired")) {
		return failureFilterExpired
	}

	var netErr net.Error
	if errors.Is(err, ErrEventTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, chain.ErrTimeout) ||
		(errors.As(err, &netErr) && netErr.Timeout()) ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return failureTimeout
	}

	if errors.Is(err, ErrSubscriptionClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(msg, "disconnected") ||
		strings.Contains(msg, "connection lost") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "client is closed") ||
		strings.Contains(msg, "websocket: close") {
		return failureDisconnected
	}

	var opErr *net.OpError
	if errors.Is(err, chain.ErrRPCConnection) ||
		errors.As(err, &opErr) ||
		errors.As(err, &netErr) ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network") {
		return failureNetwork
	}

	return failureUnknown
}

// onFailure records a connection failure and schedules recovery.
func (l *Listener) onFailure(trigger string, err error) {
	kind := classifyFailure(err)
	metrics.ListenerFailuresTotal.WithLabelValues(kind).Inc()
	l.lastError = err.Error()
	l.logger.Warn("event listener failure", "trigger", trigger, "kind", kind, "error", err)
	l.scheduleReconnect(trigger)
}

// scheduleReconnect arms the reconnect timer unless one is already armed or
// the attempt budget is spent.
func (l *Listener) scheduleReconnect(trigger string) {
	if l.reconnectTimer != nil {
		return
	}

	if l.reconnectAttempts >= l.cfg.MaxReconnectAttempts {
		if !l.retriesExhausted {
			l.retriesExhausted = true
			metrics.ListenerRetriesExhaustedTotal.Inc()
			l.logger.Error("max reconnection attempts reached, automatic recovery halted until manual reconnect",
				"attempts", l.reconnectAttempts)
			l.notify(ActivityState, map[string]any{"state": "retries_exhausted", "attempts": l.reconnectAttempts})
		}
		return
	}

	l.reconnectAttempts++
	metrics.ListenerReconnectsTotal.WithLabelValues(trigger).Inc()
	l.logger.Info("scheduling reconnection",
		"attempt", l.reconnectAttempts, "max", l.cfg.MaxReconnectAttempts, "delay", l.cfg.ReconnectDelay)
	l.notify(ActivityState, map[string]any{
		"state": string(StateReconnecting), "attempt": l.reconnectAttempts, "trigger": trigger,
	})
	l.reconnectTimer = l.clock.NewTimer(l.cfg.ReconnectDelay)
}

func (l *Listener) cancelReconnect() {
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
		l.reconnectTimer = nil
	}
}

// attemptReconnect runs when the reconnect timer fires.
func (l *Listener) attemptReconnect() {
	l.logger.Info("attempting reconnection", "attempt", l.reconnectAttempts, "max", l.cfg.MaxReconnectAttempts)
	l.detach()
	if err := l.subscribe(); err != nil {
		l.logger.Error("reconnection failed", "error", err)
		l.onFailure(triggerReconnect, err)
		return
	}
	l.logger.Info("reconnected event listener")
}

// Reconnect resubscribes immediately, bypassing and resetting the attempt
// budget. On failure the reconnect policy takes over and the error is
// returned.
func (l *Listener) Reconnect(ctx context.Context) error {
	var err error
	if derr := l.do(ctx, func() {
		l.logger.Info("manual reconnect requested")
		l.cancelReconnect()
		l.reconnectAttempts = 0
		l.retriesExhausted = false
		l.detach()
		if err = l.subscribe(); err != nil && !errors.Is(err, chain.ErrNotConfigured) {
			l.onFailure(triggerReconnect, err)
		}
	}); derr != nil {
		return derr
	}
	return err
}

// probeHealth checks the provider off the loop. Results from an older
// subscription are ignored.
func (l *Listener) probeHealth() {
	if !l.listening || l.ledger == nil || l.probing {
		return
	}
	l.probing = true
	gen, ledger := l.gen, l.ledger

	go func() {
		ctx, cancel := context.WithTimeout(l.ctx, l.cfg.ProbeTimeout)
		defer cancel()
		network, err := ledger.Network(ctx)

		l.complete(func() {
			if gen != l.gen {
				return
			}
			l.probing = false
			if err != nil {
				l.onFailure(triggerHealthCheck, fmt.Errorf("health check: %w", err))
				return
			}
			l.logger.Debug("health check passed", "network", network.Name, "chainId", network.ChainID)
		})
	}()
}

// refreshFilter replaces a live subscription with a fresh one.
func (l *Listener) refreshFilter() {
	if !l.listening {
		return
	}
	l.logger.Info("refreshing event filter")
	if err := l.subscribe(); err != nil {
		l.onFailure(triggerFilterRefresh, fmt.Errorf("filter refresh: %w", err))
		return
	}
	l.logger.Info("event filter refreshed")
}
