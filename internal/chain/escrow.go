package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
)

// Escrow submits releaseEscrow transactions to the payment escrow contract.
type Escrow struct {
	client         EthClient
	key            *ecdsa.PrivateKey
	from           common.Address
	contract       common.Address
	chainID        *big.Int
	confirmTimeout time.Duration
	clock          clockwork.Clock

	// Serializes nonce selection through broadcast.
	sendMu sync.Mutex
}

// Sender returns the address releasing escrows.
func (e *Escrow) Sender() string {
	return e.from.Hex()
}

// Release signs and broadcasts releaseEscrow(escrowID). It does not wait for
// the transaction to be mined; call Wait on the result.
func (e *Escrow) Release(ctx context.Context, escrowID *big.Int) (*PendingTx, error) {
	data, err := PackRelease(escrowID)
	if err != nil {
		return nil, &TxError{Op: "pack", Err: err}
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, &TxError{Op: "nonce", Err: err}
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: "gas_price", Err: err}
	}

	// A failing estimate means the call would revert (already released,
	// unknown escrow), so nothing is sent.
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.from,
		To:    &e.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		return nil, &TxError{Op: "estimate_gas", Err: err}
	}

	tx := types.NewTransaction(nonce, e.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return nil, &TxError{Op: "sign", Err: err}
	}

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &PendingTx{escrow: e, hash: signedTx.Hash(), nonce: nonce}, nil
}

// PendingTx is a broadcast release transaction.
type PendingTx struct {
	escrow *Escrow
	hash   common.Hash
	nonce  uint64

	blockNumber uint64
	gasUsed     uint64
}

// Hash returns the transaction hash.
func (p *PendingTx) Hash() string { return p.hash.Hex() }

// Nonce returns the sender nonce used.
func (p *PendingTx) Nonce() uint64 { return p.nonce }

// BlockNumber returns the inclusion block once Wait succeeded.
func (p *PendingTx) BlockNumber() uint64 { return p.blockNumber }

// GasUsed returns the gas used once Wait succeeded.
func (p *PendingTx) GasUsed() uint64 { return p.gasUsed }

// Wait polls for the receipt until the transaction is mined, ctx ends, or
// the confirmation timeout passes. A reverted transaction is a TxError
// wrapping ErrTransactionFailed.
func (p *PendingTx) Wait(ctx context.Context) error {
	e := p.escrow
	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	ticker := e.clock.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &TxError{Op: "confirm", TxHash: p.Hash(), Err: fmt.Errorf("%w: waiting for receipt", ErrTimeout)}
			}
			return ctx.Err()

		case <-ticker.Chan():
			receipt, err := e.client.TransactionReceipt(ctx, p.hash)
			if err != nil {
				// Not yet mined
				continue
			}

			if receipt.Status == types.ReceiptStatusFailed {
				return &TxError{Op: "confirm", TxHash: p.Hash(), Err: ErrTransactionFailed}
			}

			if receipt.BlockNumber != nil {
				p.blockNumber = receipt.BlockNumber.Uint64()
			}
			p.gasUsed = receipt.GasUsed
			return nil
		}
	}
}
