package view

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ChatView is the cached projection of one chat. It is kept as a loose JSON
// document because the hot-path updater owns most of its fields; workers only
// touch the ones they know about.
type ChatView map[string]any

const FieldLastMessageRead = "is_last_message_read"

// Key is the cache key of a chat projection.
func Key(accountID int64, chatID string) string {
	return fmt.Sprintf("view:avito:chat:%d:%s", accountID, chatID)
}

func (v ChatView) IsLastMessageRead() bool {
	b, _ := v[FieldLastMessageRead].(bool)
	return b
}

// MarkRead sets the read flag. Reads are monotonic: nothing ever clears the flag,
// so concurrent writers of the same key converge. Reports whether the view changed.
func (v ChatView) MarkRead() bool {
	if v.IsLastMessageRead() {
		return false
	}
	v[FieldLastMessageRead] = true
	return true
}

// ErrCorrupt marks a cached document that cannot be used and should be rebuilt.
var ErrCorrupt = errors.New("view: corrupt document")

// Decode keeps numbers as json.Number so fields owned by the hot-path updater
// (message ids above 2^53 among them) survive a read-modify-write unchanged.
func Decode(raw []byte) (ChatView, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v ChatView
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: null document", ErrCorrupt)
	}
	return v, nil
}

// Store holds serialized projections with per-key expiry.
type Store interface {
	// Get reports a missing key as ok=false; an undecodable value is ErrCorrupt.
	Get(ctx context.Context, key string) (ChatView, bool, error)
	// Save writes v keeping the current expiry of key; a key that does not
	// exist (never cached or expired meanwhile) gets the store's default TTL.
	Save(ctx context.Context, key string, v ChatView) error
}

// Notifier fans a changed projection out to its live subscribers.
type Notifier interface {
	Notify(ctx context.Context, key string, v ChatView) error
}
