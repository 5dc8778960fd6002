package store

import (
	"encoding/json"
	"errors"
)

// TxOpType identifies one operation inside a Transaction.
type TxOpType string

const (
	TxSave   TxOpType = "save"
	TxDelete TxOpType = "delete"
)

// TxOp is one step of a Transaction. Save ops carry Data; delete ops
// carry ID and the hard flag.
type TxOp struct {
	Type       TxOpType
	EntityType string
	Data       json.RawMessage
	ID         string
	Hard       bool
}

// Errors
var (
	ErrClosed        = errors.New("store is closed")
	ErrBadSimpleKind = errors.New("simple values must be string, number or bool")
)

// Fixed keys in the simple key-value namespace. The operation queue and
// conflict resolver persist their full state as serialized lists here.
const (
	QueueKey     = "offline_queue"
	ConflictsKey = "conflicts"
)
