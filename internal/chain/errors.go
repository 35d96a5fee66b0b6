package chain

import (
	"errors"
	"fmt"
)

var (
	ErrNotConfigured     = errors.New("chain: blockchain not configured")
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid contract address")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrChainIDMismatch   = errors.New("chain: chain id mismatch")
	ErrTransactionFailed = errors.New("chain: transaction failed")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrMalformedLog      = errors.New("chain: malformed log")
)

// TxError wraps release transaction failures with the step that failed.
type TxError struct {
	Op     string // pack, nonce, gas_price, estimate_gas, sign, send, confirm
	TxHash string // set once the transaction was signed
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }
