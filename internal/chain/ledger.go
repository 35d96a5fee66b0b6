package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/jonboulle/clockwork"
)

// Ledger reads DocumentHashRecorded events from the notary contract.
//
// The ledger remembers the last block it has scanned, so a subscription
// opened after a reconnect or filter refresh first replays the blocks the
// previous one missed.
type Ledger struct {
	client       EthClient
	notary       common.Address
	chainID      *big.Int
	streaming    bool
	pollInterval time.Duration
	clock        clockwork.Clock
	logger       *slog.Logger

	cursor atomic.Uint64 // last fully scanned block, 0 = none yet
}

// BlockNumber returns the latest block number.
func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	return l.client.BlockNumber(ctx)
}

// Network queries the node's chain id. It doubles as the health probe.
func (l *Ledger) Network(ctx context.Context) (Network, error) {
	id, err := l.client.ChainID(ctx)
	if err != nil {
		return Network{}, err
	}
	return NetworkFor(id.Int64()), nil
}

// Cursor returns the last block scanned by a subscription.
func (l *Ledger) Cursor() uint64 {
	return l.cursor.Load()
}

// Close closes the underlying client.
func (l *Ledger) Close() {
	l.client.Close()
}

func (l *Ledger) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{l.notary},
		Topics:    [][]common.Hash{{DocumentRecordedTopic}},
	}
}

// FilterDocumentRecorded returns the events recorded in [from, to].
func (l *Ledger) FilterDocumentRecorded(ctx context.Context, from, to uint64) ([]DocumentRecorded, error) {
	logs, err := l.client.FilterLogs(ctx, l.query(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
	if err != nil {
		return nil, err
	}

	events := make([]DocumentRecorded, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := DecodeDocumentRecorded(lg)
		if err != nil {
			l.logger.Warn("skipping undecodable notary log", "tx", lg.TxHash.Hex(), "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SubscribeDocumentRecorded delivers notary events to sink until the
// returned subscription is unsubscribed or fails. ws(s) endpoints use
// eth_subscribe; others poll eth_getLogs. The block cursor moves past an
// event once it is in sink, so a buffered sink must be drained after
// Unsubscribe.
func (l *Ledger) SubscribeDocumentRecorded(ctx context.Context, sink chan<- DocumentRecorded) (ethereum.Subscription, error) {
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}

	from := head + 1
	if c := l.cursor.Load(); c != 0 && c < head {
		from = c + 1
		if head-c > maxBackfillBlocks {
			from = head - maxBackfillBlocks + 1
		}
		l.logger.Info("backfilling notary events", "from", from, "to", head)
	}

	if l.streaming {
		return l.stream(ctx, from, head, sink)
	}
	l.cursor.Store(from - 1)
	return l.poll(sink), nil
}

func (l *Ledger) stream(ctx context.Context, from, head uint64, sink chan<- DocumentRecorded) (ethereum.Subscription, error) {
	logs := make(chan types.Log, 128)
	sub, err := l.client.SubscribeFilterLogs(ctx, l.query(nil, nil), logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	var backlog []types.Log
	if from <= head {
		backlog, err = l.client.FilterLogs(ctx, l.query(new(big.Int).SetUint64(from), new(big.Int).SetUint64(head)))
		if err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("backfill logs: %w", err)
		}
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()

		for _, lg := range backlog {
			if !l.deliver(lg, sink, quit) {
				return nil
			}
		}
		l.advance(head)

		for {
			select {
			case <-quit:
				return nil
			case err := <-sub.Err():
				if err == nil {
					return fmt.Errorf("%w: log subscription closed", ErrRPCConnection)
				}
				return err
			case lg := <-logs:
				if !l.deliver(lg, sink, quit) {
					return nil
				}
				// Later logs of the same block may still be in flight.
				if lg.BlockNumber > 0 {
					l.advance(lg.BlockNumber - 1)
				}
			}
		}
	}), nil
}

func (l *Ledger) poll(sink chan<- DocumentRecorded) ethereum.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		ticker := l.clock.NewTicker(l.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return nil
			case <-ticker.Chan():
				done, err := l.pollOnce(ctx, sink, quit)
				if done {
					return nil
				}
				if err != nil {
					return err
				}
			}
		}
	})
}

// pollOnce scans (cursor, head]. done is true when quit fired.
func (l *Ledger) pollOnce(ctx context.Context, sink chan<- DocumentRecorded, quit <-chan struct{}) (done bool, err error) {
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("block number: %w", err)
	}

	last := l.cursor.Load()
	if head <= last {
		return false, nil
	}
	to := head
	if to-last > maxBackfillBlocks {
		to = last + maxBackfillBlocks
	}

	logs, err := l.client.FilterLogs(ctx, l.query(new(big.Int).SetUint64(last+1), new(big.Int).SetUint64(to)))
	if err != nil {
		return false, fmt.Errorf("filter logs: %w", err)
	}

	for _, lg := range logs {
		if !l.deliver(lg, sink, quit) {
			return true, nil
		}
	}
	l.cursor.Store(to)
	return false, nil
}

// deliver decodes lg and hands it to sink. It returns false if quit fired.
func (l *Ledger) deliver(lg types.Log, sink chan<- DocumentRecorded, quit <-chan struct{}) bool {
	if lg.Removed {
		return true
	}
	ev, err := DecodeDocumentRecorded(lg)
	if err != nil {
		l.logger.Warn("skipping undecodable notary log", "tx", lg.TxHash.Hex(), "error", err)
		return true
	}
	select {
	case sink <- ev:
		return true
	case <-quit:
		return false
	}
}

func (l *Ledger) advance(block uint64) {
	for {
		cur := l.cursor.Load()
		if block <= cur || l.cursor.CompareAndSwap(cur, block) {
			return
		}
	}
}
