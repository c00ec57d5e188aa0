package avito

import (
	"context"
	"fmt"
	"time"

	"github.com/Vovarama1992/avito-stream-workers/internal/view"
)

const rehydrateHistory = 20

type rehydrator struct {
	api  ChatAPI
	logs MessageLogRepo
	now  func() time.Time
}

func NewRehydrator(api ChatAPI, logs MessageLogRepo) Rehydrator {
	return &rehydrator{api: api, logs: logs, now: time.Now}
}

// Rehydrate собирает ChatView заново из API Авито и журнала сообщений.
// Ошибка означает "восстановить нельзя" и не ретраится вызывающим.
func (r *rehydrator) Rehydrate(ctx context.Context, acc *Account, chatID string) (view.ChatView, error) {
	if acc == nil || !acc.IsActive {
		return nil, ErrAccountUnavailable
	}

	info, err := r.api.Chat(ctx, acc, chatID)
	if err != nil {
		return nil, fmt.Errorf("rehydrate %s: %w", chatID, err)
	}

	history, err := r.logs.Recent(ctx, acc.ID, chatID, rehydrateHistory)
	if err != nil {
		return nil, fmt.Errorf("rehydrate %s: history: %w", chatID, err)
	}

	v := view.ChatView{
		"account_id":    acc.ID,
		"account_alias": acc.Alias,
		"chat_id":       chatID,
		"title":         info.Title,
		"rehydrated_at": r.now().UTC().Format(time.RFC3339),
	}

	// без сообщений или последнее наше - читать нечего
	read := true
	if lm := info.LastMessage; lm != nil {
		v["last_message"] = map[string]any{
			"direction": string(lm.Direction),
			"text":      lm.Text,
			"created":   lm.Created.Format(time.RFC3339),
		}
		read = lm.Direction == DirectionOut || lm.IsRead
	}
	v[view.FieldLastMessageRead] = read

	recent := make([]map[string]any, 0, len(history))
	for _, m := range history {
		item := map[string]any{
			"direction":    string(m.Direction),
			"is_autoreply": m.IsAutoreply,
			"timestamp":    m.Timestamp.UTC().Format(time.RFC3339),
		}
		if m.TriggerName != nil {
			item["trigger_name"] = *m.TriggerName
		}
		recent = append(recent, item)
	}
	v["recent"] = recent

	return v, nil
}
