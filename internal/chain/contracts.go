package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NotaryABI is the subset of the notary contract the listener needs.
const NotaryABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"bytes32","name":"documentHash","type":"bytes32"},
		{"indexed":true,"internalType":"address","name":"recorder","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}
	],"name":"DocumentHashRecorded","type":"event"}
]`

// PaymentEscrowABI is the subset of the payment escrow contract the listener needs.
const PaymentEscrowABI = `[
	{"inputs":[{"internalType":"uint256","name":"escrowId","type":"uint256"}],
	 "name":"releaseEscrow","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const (
	documentRecordedEvent = "DocumentHashRecorded"
	releaseMethod         = "releaseEscrow"
)

var (
	notaryABI        = mustParseABI(NotaryABI)
	paymentEscrowABI = mustParseABI(PaymentEscrowABI)

	// DocumentRecordedTopic is topic[0] of DocumentHashRecorded logs.
	DocumentRecordedTopic = notaryABI.Events[documentRecordedEvent].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse ABI: %v", err))
	}
	return parsed
}

// DocumentRecorded is a decoded DocumentHashRecorded log.
type DocumentRecorded struct {
	DocumentHash common.Hash
	Recorder     common.Address
	Timestamp    *big.Int
	BlockNumber  uint64
	TxHash       common.Hash
	LogIndex     uint
}

// DocumentHashHex returns the 0x-prefixed lower-case hash used as registry key.
func (d DocumentRecorded) DocumentHashHex() string {
	return d.DocumentHash.Hex()
}

// DecodeDocumentRecorded decodes one notary log.
func DecodeDocumentRecorded(l types.Log) (DocumentRecorded, error) {
	if len(l.Topics) != 3 || l.Topics[0] != DocumentRecordedTopic {
		return DocumentRecorded{}, fmt.Errorf("%w: not a %s log (tx %s)", ErrMalformedLog, documentRecordedEvent, l.TxHash.Hex())
	}

	values, err := notaryABI.Unpack(documentRecordedEvent, l.Data)
	if err != nil {
		return DocumentRecorded{}, fmt.Errorf("%w: unpack data: %v", ErrMalformedLog, err)
	}
	if len(values) != 1 {
		return DocumentRecorded{}, fmt.Errorf("%w: expected 1 data field, got %d", ErrMalformedLog, len(values))
	}
	ts, ok := values[0].(*big.Int)
	if !ok {
		return DocumentRecorded{}, fmt.Errorf("%w: timestamp has type %T", ErrMalformedLog, values[0])
	}

	return DocumentRecorded{
		DocumentHash: l.Topics[1],
		Recorder:     common.BytesToAddress(l.Topics[2].Bytes()),
		Timestamp:    ts,
		BlockNumber:  l.BlockNumber,
		TxHash:       l.TxHash,
		LogIndex:     l.Index,
	}, nil
}

// PackRelease builds the releaseEscrow(uint256) calldata.
func PackRelease(escrowID *big.Int) ([]byte, error) {
	return paymentEscrowABI.Pack(releaseMethod, escrowID)
}
