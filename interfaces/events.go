package interfaces

import "context"

const (
	EventStandard = "solver-registry"
	EventVersion  = "1.0.0"
)

// EventKind names a registry event.
type EventKind string

const (
	EventWorkerRegistered    EventKind = "WorkerRegistered"
	EventWorkerRemoved       EventKind = "WorkerRemoved"
	EventWorkerPinged        EventKind = "WorkerPinged"
	EventComposeHashApproved EventKind = "ComposeHashApproved"
	EventComposeHashRemoved  EventKind = "ComposeHashRemoved"
	EventOwnerChanged        EventKind = "OwnerChanged"
	EventPoolCreated         EventKind = "PoolCreated"
)

// Event is a NEP-297 style log record.
type Event struct {
	Standard string    `json:"standard"`
	Version  string    `json:"version"`
	Kind     EventKind `json:"event"`
	Data     []any     `json:"data"`
}

// NewEvent wraps a single payload.
func NewEvent(kind EventKind, data any) Event {
	return Event{
		Standard: EventStandard,
		Version:  EventVersion,
		Kind:     kind,
		Data:     []any{data},
	}
}

// EventSink receives every event emitted by a successful state change.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// Event payloads.

type WorkerEventData struct {
	WorkerID    AccountID `json:"worker_id"`
	PoolID      PoolID    `json:"pool_id"`
	PublicKey   PublicKey `json:"public_key"`
	Checksum    string    `json:"checksum,omitempty"`
	ComposeHash string    `json:"compose_hash,omitempty"`
}

type WorkerPingedData struct {
	WorkerID    AccountID   `json:"worker_id"`
	PoolID      PoolID      `json:"pool_id"`
	TimestampMs TimestampMs `json:"timestamp_ms"`
}

type ComposeHashData struct {
	ComposeHash string `json:"compose_hash"`
}

type OwnerChangedData struct {
	OldOwner AccountID `json:"old_owner"`
	NewOwner AccountID `json:"new_owner"`
}

type PoolCreatedData struct {
	PoolID   PoolID      `json:"pool_id"`
	TokenIDs []AccountID `json:"token_ids"`
	Fee      uint32      `json:"fee"`
}
