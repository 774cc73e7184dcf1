package execchan

import (
	"sync/atomic"

	"github.com/google/uuid"

	"perpstrategy/pkg/types"
)

// requestIDSeq backs sequential request IDs for the lifetime of the
// process; venue acks correlate back to the caller by this value.
var requestIDSeq uint64

// nextRequestID returns the next monotonically increasing request ID.
func nextRequestID() uint64 { return atomic.AddUint64(&requestIDSeq, 1) }

// NewIdempotencyKey mints a fresh caller-supplied idempotency token. A
// strategy actor reuses the same key across retries of the same logical
// command so the engine applies it at most once.
func NewIdempotencyKey() string { return uuid.NewString() }

// NewEnvelope builds a command envelope for op/payload with a fresh
// request ID, using key if non-empty or minting a new one otherwise.
func NewEnvelope(op string, payload interface{}, key string) types.CommandEnvelope {
	if key == "" {
		key = NewIdempotencyKey()
	}
	return types.CommandEnvelope{
		SchemaVersion:  1,
		RequestID:      nextRequestID(),
		IdempotencyKey: key,
		Op:             op,
		Payload:        payload,
	}
}
