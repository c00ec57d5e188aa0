package avito

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Vovarama1992/avito-stream-workers/internal/stream"
	"github.com/Vovarama1992/avito-stream-workers/internal/view"
)

type actionFunc func(ctx context.Context, acc *Account, in ChatActionIntent, log *zap.Logger)

// ActionWorker performs chat actions against Avito and keeps the cached ChatView in sync.
type ActionWorker struct {
	accounts   AccountRepo
	api        ChatAPI
	views      view.Store
	rehydrator Rehydrator
	notifier   view.Notifier
	log        *zap.Logger
	actions    map[ChatAction]actionFunc
}

func NewActionWorker(
	accounts AccountRepo,
	api ChatAPI,
	views view.Store,
	rehydrator Rehydrator,
	notifier view.Notifier,
	log *zap.Logger,
) *ActionWorker {
	w := &ActionWorker{
		accounts:   accounts,
		api:        api,
		views:      views,
		rehydrator: rehydrator,
		notifier:   notifier,
		log:        log,
	}
	// Новые действия обязаны быть коммутативными над ChatView, версионирования нет.
	w.actions = map[ChatAction]actionFunc{
		MarkRead: w.markRead,
	}
	return w
}

// Handle processes one entry of avito:chat:actions.
func (w *ActionWorker) Handle(ctx context.Context, e stream.Entry) error {
	log := w.log.With(zap.String("entry_id", e.ID))

	in, err := DecodeChatAction(e.Fields)
	if err != nil {
		log.Warn("dropping malformed chat action", zap.Error(err), zap.Any("fields", e.Fields))
		return nil
	}
	log = log.With(
		zap.Int64("account_id", in.AccountID),
		zap.String("chat_id", in.ChatID),
		zap.String("action", string(in.Action)),
	)

	acc, err := w.accounts.Get(ctx, in.AccountID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", in.AccountID, err)
	}
	if acc == nil || !acc.IsActive {
		log.Warn("account not found or inactive for chat action")
		return nil
	}

	act, ok := w.actions[in.Action]
	if !ok {
		log.Warn("unknown chat action type")
		return nil
	}
	act(ctx, acc, in, log)
	return nil
}

func (w *ActionWorker) markRead(ctx context.Context, acc *Account, in ChatActionIntent, log *zap.Logger) {
	if err := w.api.MarkRead(ctx, acc, in.ChatID); err != nil {
		log.Error("failed to mark chat as read", zap.Error(err))
		return
	}

	key := view.Key(acc.ID, in.ChatID)
	log = log.With(zap.String("view_key", key))

	v, cached, err := w.views.Get(ctx, key)
	switch {
	case errors.Is(err, view.ErrCorrupt):
		log.Warn("cached view is corrupt, rehydrating", zap.Error(err))
		cached = false
	case err != nil:
		// кэш недоступен: baseline поверх живого документа затёр бы поля hot-path апдейтера
		log.Error("chat marked as read but cached view unavailable", zap.Error(err))
		return
	}

	if cached {
		if !v.MarkRead() {
			log.Debug("view already marked as read")
			return
		}
	} else {
		log.Info("no cached view, rehydrating")
		v, err = w.rehydrator.Rehydrate(ctx, acc, in.ChatID)
		if err != nil {
			log.Error("failed to rehydrate view, read state is not reflected locally", zap.Error(err))
			return
		}
		v.MarkRead()
	}

	if err := w.views.Save(ctx, key, v); err != nil {
		log.Error("chat marked as read but view not saved", zap.Error(err))
		return
	}

	if err := w.notifier.Notify(ctx, key, v); err != nil {
		log.Error("view saved but subscribers not notified", zap.Error(err))
		return
	}
	log.Info("view marked as read")
}
