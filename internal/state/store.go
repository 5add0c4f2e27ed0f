package state

import "context"

// Store is the small durable key/value surface used for idempotent order id
// mapping and operational flags.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// IntentLog is an append-only log of encoded order intents. An intent is
// written synchronously before the order it describes is sent, so the log can
// be replayed against exchange-reported truth after a restart.
type IntentLog interface {
	AppendIntent(ctx context.Context, payload []byte) (int64, error)
	Intents(ctx context.Context) ([][]byte, error)
}

// PositionArchiver receives closed positions. History is retained for
// accounting and recovery matching, never deleted.
type PositionArchiver interface {
	ArchivePosition(ctx context.Context, pairID, instrumentKey string, payload []byte) error
}
