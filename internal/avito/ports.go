package avito

import (
	"context"
	"errors"
	"time"

	"github.com/Vovarama1992/avito-stream-workers/internal/view"
)

// Имена стримов и групп фиксированы; имя консюмера приходит из конфига (уникально на реплику).
const (
	RawWebhookStream = "stream:avito:raw_webhooks"
	OutgoingStream   = "avito:outgoing:messages"
	ActionsStream    = "avito:chat:actions"

	OutgoingGroup = "avito_workers"
	ActionsGroup  = "avito_action_workers"
)

// Account - то, что воркерам нужно знать об аккаунте Авито.
// Токен хранится зашифрованным, как в avito_accounts.encrypted_oauth_token.
type Account struct {
	ID             int64
	AvitoUserID    int64
	Alias          string
	EncryptedToken string
	IsActive       bool
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MessageLog is the durable record of one dispatched message.
type MessageLog struct {
	AccountID     int64
	ChatID        string
	Direction     Direction
	IsAutoreply   bool
	TriggerName   *string
	Timestamp     time.Time
	StreamEntryID string
}

// ChatInfo is what the chat API tells us about a chat during rehydration.
type ChatInfo struct {
	ID          string
	Title       string
	LastMessage *LastMessage
}

type LastMessage struct {
	Direction Direction
	Text      string
	Created   time.Time
	IsRead    bool
}

// AccountRepo returns nil, nil when the account does not exist.
type AccountRepo interface {
	Get(ctx context.Context, id int64) (*Account, error)
}

type MessageLogRepo interface {
	Append(ctx context.Context, rec *MessageLog) error
	Recent(ctx context.Context, accountID int64, chatID string, limit int) ([]MessageLog, error)
}

// ChatAPI - внешний API мессенджера Авито.
type ChatAPI interface {
	SendText(ctx context.Context, acc *Account, chatID, text string) error
	SendImage(ctx context.Context, acc *Account, chatID, imageID string) error
	MarkRead(ctx context.Context, acc *Account, chatID string) error
	Chat(ctx context.Context, acc *Account, chatID string) (*ChatInfo, error)
}

// TokenSource turns an account into the bearer token for API calls.
type TokenSource interface {
	AccessToken(ctx context.Context, acc *Account) (string, error)
}

// Rehydrator rebuilds a projection from source of truth when the cache misses.
type Rehydrator interface {
	Rehydrate(ctx context.Context, acc *Account, chatID string) (view.ChatView, error)
}

var (
	ErrDecode             = errors.New("avito: malformed stream entry")
	ErrChatNotFound       = errors.New("avito: chat not found")
	ErrAccountUnavailable = errors.New("avito: account missing or inactive")
	ErrMissingSignature   = errors.New("avito: signature header missing")
	ErrInvalidSignature   = errors.New("avito: signature mismatch")
	ErrTokenUnreadable    = errors.New("avito: oauth token cannot be decrypted")
)
