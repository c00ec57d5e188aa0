package avito

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Vovarama1992/avito-stream-workers/internal/stream"
)

// OutgoingWorker turns queued outgoing intents into Avito API calls and message log rows.
type OutgoingWorker struct {
	accounts  AccountRepo
	api       ChatAPI
	logs      MessageLogRepo
	marks     stream.Marks
	dedupeTTL time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewOutgoingWorker(
	accounts AccountRepo,
	api ChatAPI,
	logs MessageLogRepo,
	marks stream.Marks,
	dedupeTTL time.Duration,
	log *zap.Logger,
) *OutgoingWorker {
	return &OutgoingWorker{
		accounts:  accounts,
		api:       api,
		logs:      logs,
		marks:     marks,
		dedupeTTL: dedupeTTL,
		log:       log,
		now:       time.Now,
	}
}

func sentKey(entryID string) string {
	return "outgoing:sent:" + entryID
}

// Handle processes one entry of avito:outgoing:messages.
// Every outcome except an infrastructure failure before the send is terminal:
// API errors are not retried because a retry may double-post into the chat.
func (w *OutgoingWorker) Handle(ctx context.Context, e stream.Entry) error {
	log := w.log.With(zap.String("entry_id", e.ID))

	in, err := DecodeOutgoing(e.Fields)
	if err != nil {
		log.Warn("dropping malformed outgoing intent", zap.Error(err), zap.Any("fields", e.Fields))
		return nil
	}
	log = log.With(
		zap.Int64("account_id", in.AccountID),
		zap.String("chat_id", in.ChatID),
		zap.String("action_type", string(in.ActionType)),
	)

	sent, err := w.marks.Seen(ctx, sentKey(e.ID))
	if err != nil {
		return fmt.Errorf("check dispatch mark: %w", err)
	}
	if sent {
		log.Info("intent already dispatched, skipping redelivery")
		return nil
	}

	acc, err := w.accounts.Get(ctx, in.AccountID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", in.AccountID, err)
	}
	if acc == nil || !acc.IsActive {
		log.Warn("account not found or inactive, skipping message")
		return nil
	}

	if err := w.dispatch(ctx, acc, in, log); err != nil {
		log.Error("failed to send message", zap.Error(err))
		return nil
	}
	log.Info("message sent")

	if err := w.marks.Mark(ctx, sentKey(e.ID), w.dedupeTTL); err != nil {
		log.Error("message sent but dispatch mark not stored, a redelivery would resend", zap.Error(err))
	}

	rec := &MessageLog{
		AccountID:     acc.ID,
		ChatID:        in.ChatID,
		Direction:     DirectionOut,
		IsAutoreply:   in.IsAutoreply(),
		TriggerName:   in.TriggerName(),
		Timestamp:     w.now().UTC(),
		StreamEntryID: e.ID,
	}
	if err := w.logs.Append(ctx, rec); err != nil {
		// отправку не откатить - фиксируем расхождение и идём дальше
		log.Error("message sent but not logged", zap.Error(err))
		return nil
	}
	log.Debug("outgoing message logged")
	return nil
}

func (w *OutgoingWorker) dispatch(ctx context.Context, acc *Account, in OutgoingIntent, log *zap.Logger) error {
	if in.ActionType != ImageReply {
		return w.api.SendText(ctx, acc, in.ChatID, in.Text)
	}

	if err := w.api.SendImage(ctx, acc, in.ChatID, in.ImageID); err != nil {
		return err
	}
	if in.Text != "" {
		// картинка уже ушла, поэтому сбой подписи не делает отправку неуспешной
		if err := w.api.SendText(ctx, acc, in.ChatID, in.Text); err != nil {
			log.Error("image sent but caption failed", zap.Error(err))
		}
	}
	return nil
}
