// Package chain talks to the notary and payment escrow contracts over
// go-ethereum's JSON-RPC client.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jonboulle/clockwork"

	"github.com/proofmint/notarylistener/internal/logging"
)

// EthClient abstracts the go-ethereum client for testing. *ethclient.Client
// satisfies it.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

const (
	// DefaultPollInterval between eth_getLogs polls on HTTP endpoints
	DefaultPollInterval = 4 * time.Second

	// DefaultConfirmationTimeout for waiting on release transactions
	DefaultConfirmationTimeout = 2 * time.Minute

	// ReceiptPollInterval between receipt checks
	ReceiptPollInterval = 2 * time.Second

	// maxBackfillBlocks caps one eth_getLogs range when catching up.
	maxBackfillBlocks = 2000
)

var addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// networkNames labels well-known chain ids for status output.
var networkNames = map[int64]string{
	1:        "mainnet",
	10:       "optimism",
	137:      "matic",
	8453:     "base",
	42161:    "arbitrum",
	80002:    "matic-amoy",
	84532:    "base-sepolia",
	11155111: "sepolia",
	31337:    "hardhat",
}

// Network identifies the chain a ledger is connected to.
type Network struct {
	Name    string `json:"name"`
	ChainID int64  `json:"chainId"`
}

// NetworkFor labels a chain id.
func NetworkFor(chainID int64) Network {
	name, ok := networkNames[chainID]
	if !ok {
		name = "unknown"
	}
	return Network{Name: name, ChainID: chainID}
}

// Config for connecting to the contracts
type Config struct {
	RPCURL              string
	PrivateKey          string // hex, with or without 0x prefix
	ChainID             int64  // 0 = ask the node
	NotaryContract      string
	EscrowContract      string
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
}

// Missing lists the unset settings, named by their environment variables.
func (c Config) Missing() []string {
	var missing []string
	if c.RPCURL == "" {
		missing = append(missing, "RPC_URL")
	}
	if c.PrivateKey == "" {
		missing = append(missing, "PRIVATE_KEY")
	}
	if c.NotaryContract == "" {
		missing = append(missing, "NOTARY_CONTRACT_ADDRESS")
	}
	if c.EscrowContract == "" {
		missing = append(missing, "PAYMENT_ESCROW_ADDRESS")
	}
	return missing
}

// Streaming reports whether the endpoint supports eth_subscribe.
func (c Config) Streaming() bool {
	u := strings.ToLower(c.RPCURL)
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}

// Option configures a Dialer
type Option func(*Dialer)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(d *Dialer) {
		d.client = client
	}
}

// WithClock sets the clock driving poll and receipt tickers.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Dialer) {
		d.clock = clock
	}
}

// WithStreaming forces the subscription transport regardless of URL scheme.
func WithStreaming(streaming bool) Option {
	return func(d *Dialer) {
		d.streaming = &streaming
	}
}

// Dialer builds Ledger and Escrow handles from configuration. Each Connect
// opens a fresh client.
type Dialer struct {
	cfg       Config
	logger    *slog.Logger
	client    EthClient
	clock     clockwork.Clock
	streaming *bool
}

// NewDialer creates a Dialer. It does not touch the network.
func NewDialer(cfg Config, logger *slog.Logger, opts ...Option) *Dialer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	d := &Dialer{
		cfg:    cfg,
		logger: logging.Component(logger, "chain"),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect validates the configuration, dials the RPC endpoint and returns
// the notary ledger and escrow handles sharing one client.
func (d *Dialer) Connect(ctx context.Context) (*Ledger, *Escrow, error) {
	if missing := d.cfg.Missing(); len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, ", "))
	}

	key, err := parsePrivateKey(d.cfg.PrivateKey)
	if err != nil {
		return nil, nil, err
	}
	if !addressRegex.MatchString(d.cfg.NotaryContract) {
		return nil, nil, fmt.Errorf("%w: notary %q", ErrInvalidAddress, d.cfg.NotaryContract)
	}
	if !addressRegex.MatchString(d.cfg.EscrowContract) {
		return nil, nil, fmt.Errorf("%w: escrow %q", ErrInvalidAddress, d.cfg.EscrowContract)
	}

	client := d.client
	if client == nil {
		c, err := ethclient.DialContext(ctx, d.cfg.RPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		client = c
	}

	chainID := big.NewInt(d.cfg.ChainID)
	if d.cfg.ChainID == 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("%w: chain id: %v", ErrRPCConnection, err)
		}
		chainID = id
	} else if id, err := client.ChainID(ctx); err == nil && id.Cmp(chainID) != 0 {
		client.Close()
		return nil, nil, fmt.Errorf("%w: configured %s, node reports %s", ErrChainIDMismatch, chainID, id)
	}

	streaming := d.cfg.Streaming()
	if d.streaming != nil {
		streaming = *d.streaming
	}

	ledger := &Ledger{
		client:       client,
		notary:       common.HexToAddress(d.cfg.NotaryContract),
		chainID:      chainID,
		streaming:    streaming,
		pollInterval: d.cfg.PollInterval,
		clock:        d.clock,
		logger:       d.logger,
	}
	escrow := &Escrow{
		client:         client,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		contract:       common.HexToAddress(d.cfg.EscrowContract),
		chainID:        chainID,
		confirmTimeout: d.cfg.ConfirmationTimeout,
		clock:          d.clock,
	}

	d.logger.Info("contracts initialized",
		"notary", ledger.notary.Hex(),
		"escrow", escrow.contract.Hex(),
		"sender", escrow.from.Hex(),
		"chainId", chainID.String(),
		"streaming", streaming,
	)
	return ledger, escrow, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key := strings.TrimPrefix(hexKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return pk, nil
}
