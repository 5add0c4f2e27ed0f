package exec

import (
	"fmt"
	"time"

	"dn-arb-bot/internal/domain"

	"github.com/vmihailenco/msgpack/v5"
)

// IntentRecord is the durable form of an order intent. It is appended to the
// intent log before the order is handed to any gateway, so a crash between
// logging and placement is recoverable by client order id.
type IntentRecord struct {
	Intent   domain.OrderIntent `msgpack:"intent"`
	LoggedAt time.Time          `msgpack:"logged_at"`
}

func EncodeIntent(rec IntentRecord) ([]byte, error) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode intent %s: %w", rec.Intent.ClientOrderID, err)
	}
	return payload, nil
}

func DecodeIntent(payload []byte) (IntentRecord, error) {
	var rec IntentRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return IntentRecord{}, fmt.Errorf("decode intent: %w", err)
	}
	return rec, nil
}
