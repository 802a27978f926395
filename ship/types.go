package ship

import (
	"fmt"

	"github.com/andreyvit/histdb/abi"
)

// BlockPosition identifies a block. Two positions with the same number and
// different ids are on different forks.
type BlockPosition struct {
	BlockNum uint32
	BlockID  abi.Checksum256
}

func (p BlockPosition) String() string {
	return fmt.Sprintf("%d:%s", p.BlockNum, p.BlockID)
}

type GetStatusResult struct {
	Head                 BlockPosition
	LastIrreversible     BlockPosition
	TraceBeginBlock      uint32
	TraceEndBlock        uint32
	ChainStateBeginBlock uint32
	ChainStateEndBlock   uint32
}

// GetBlocksRequest asks the upstream to stream blocks starting at
// StartBlockNum. HavePositions lists recent blocks the consumer already has,
// so that the upstream can detect a fork and restart from the fork point.
type GetBlocksRequest struct {
	StartBlockNum       uint32
	EndBlockNum         uint32
	MaxMessagesInFlight uint32
	HavePositions       []BlockPosition
	IrreversibleOnly    bool
	FetchBlock          bool
	FetchTraces         bool
	FetchDeltas         bool
}

// Unbounded is the EndBlockNum and MaxMessagesInFlight value meaning "no limit".
const Unbounded = 0xFFFF_FFFF

// GetBlocksResult is one streamed block. Block, Traces and Deltas hold the
// still-encoded payloads and are nil when absent.
type GetBlocksResult struct {
	Head             BlockPosition
	LastIrreversible BlockPosition
	ThisBlock        *BlockPosition
	PrevBlock        *BlockPosition
	Block            []byte
	Traces           []byte
	Deltas           []byte

	// Raw is the whole message as received.
	Raw []byte
}

type TableDelta struct {
	Name string
	Rows []Row
}

// Row is one versioned row event. Present=false means the row was removed
// at this block; Data still holds the row so that its key can be extracted.
type Row struct {
	Present bool
	Data    []byte
}

type TransactionStatus uint8

const (
	StatusExecuted TransactionStatus = iota
	StatusSoftFail
	StatusHardFail
	StatusDelayed
	StatusExpired
)

var statusNames = [...]string{"executed", "soft_fail", "hard_fail", "delayed", "expired"}

func (s TransactionStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func ParseTransactionStatus(s string) (TransactionStatus, error) {
	for i, name := range statusNames {
		if name == s {
			return TransactionStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown transaction status %q", s)
}

type TransactionTrace struct {
	ID             abi.Checksum256
	Status         TransactionStatus
	CPUUsageUS     uint32
	NetUsageWords  uint32
	Elapsed        int64
	NetUsage       uint64
	Scheduled      bool
	ActionTraces   []ActionTrace
	Except         string
	ErrorCode      *uint64
	FailedDeferred []TransactionTrace

	// Value is the decoded transaction_trace_v0 struct; Value.Raw holds its bytes.
	Value abi.Value
	// Raw is the whole transaction_trace variant, version tag included.
	Raw []byte
}

type ActionTrace struct {
	ActionOrdinal        uint32
	CreatorActionOrdinal uint32
	Receiver             abi.Name
	Account              abi.Name
	Name                 abi.Name
	Data                 []byte
	Console              string
	ContextFree          bool
	Elapsed              int64
	Except               string

	// Value is the decoded action_trace struct; Value.Raw holds its bytes.
	Value abi.Value
	// Raw is the whole action_trace variant, version tag included.
	Raw []byte
}

// BlockHeader is the part of a signed block kept in the block.info table.
type BlockHeader struct {
	Timestamp        uint32
	Producer         abi.Name
	Confirmed        uint16
	Previous         abi.Checksum256
	TransactionMroot abi.Checksum256
	ActionMroot      abi.Checksum256
	ScheduleVersion  uint32
}
