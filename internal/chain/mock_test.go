package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

const (
	testKey    = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testNotary = "0x1111111111111111111111111111111111111111"
	testEscrow = "0x2222222222222222222222222222222222222222"
)

var errNotFound = errors.New("not found")

// mockClient is an in-memory EthClient.
type mockClient struct {
	mu sync.Mutex

	chainID *big.Int
	head    uint64
	logs    []types.Log

	filterErr   error
	estimateErr error
	sendErr     error

	filterQueries []ethereum.FilterQuery
	sent          []*types.Transaction
	receipts      map[common.Hash]*types.Receipt

	liveSink chan<- types.Log
	liveFeed *event.Feed
	closed   bool
}

func newMockClient() *mockClient {
	return &mockClient{
		chainID:  big.NewInt(80002),
		head:     100,
		receipts: make(map[common.Hash]*types.Receipt),
		liveFeed: new(event.Feed),
	}
}

func (m *mockClient) setHead(n uint64) {
	m.mu.Lock()
	m.head = n
	m.mu.Unlock()
}

func (m *mockClient) addLog(l types.Log) {
	m.mu.Lock()
	m.logs = append(m.logs, l)
	m.mu.Unlock()
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

func (m *mockClient) ChainID(ctx context.Context) (*big.Int, error) {
	return m.chainID, nil
}

func (m *mockClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filterQueries = append(m.filterQueries, q)
	if m.filterErr != nil {
		return nil, m.filterErr
	}
	var out []types.Log
	for _, l := range m.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *mockClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return m.liveFeed.Subscribe(ch), nil
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.sent)), nil
}

func (m *mockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (m *mockClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	return 60_000, nil
}

func (m *mockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[txHash]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func (m *mockClient) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// notaryLog builds a DocumentHashRecorded log.
func notaryLog(docHash common.Hash, block uint64, ts int64) types.Log {
	data, err := notaryABI.Events[documentRecordedEvent].Inputs.NonIndexed().Pack(big.NewInt(ts))
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address:     common.HexToAddress(testNotary),
		Topics:      []common.Hash{DocumentRecordedTopic, docHash, common.BytesToHash(common.HexToAddress("0x3333333333333333333333333333333333333333").Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
	}
}

func testConfig() Config {
	return Config{
		RPCURL:         "https://rpc.invalid",
		PrivateKey:     testKey,
		NotaryContract: testNotary,
		EscrowContract: testEscrow,
	}
}
