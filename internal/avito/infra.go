package avito

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

type accountRepo struct {
	db *sql.DB
}

func NewAccountRepo(db *sql.DB) AccountRepo {
	return &accountRepo{db: db}
}

func (r *accountRepo) Get(ctx context.Context, id int64) (*Account, error) {
	var a Account
	var alias sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, avito_user_id, alias, encrypted_oauth_token, is_active
		FROM avito_accounts
		WHERE id = $1
	`, id).Scan(&a.ID, &a.AvitoUserID, &alias, &a.EncryptedToken, &a.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Alias = alias.String
	return &a, nil
}

type messageLogRepo struct {
	db *sql.DB
}

func NewMessageLogRepo(db *sql.DB) MessageLogRepo {
	return &messageLogRepo{db: db}
}

// Append is idempotent per stream entry: a redelivered entry does not create a second row.
func (r *messageLogRepo) Append(ctx context.Context, rec *MessageLog) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var entryID sql.NullString
	if rec.StreamEntryID != "" {
		entryID = sql.NullString{String: rec.StreamEntryID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_logs (id, account_id, chat_id, direction, is_autoreply, trigger_name, timestamp, stream_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (stream_entry_id) DO NOTHING
	`,
		uuid.New(),
		rec.AccountID,
		rec.ChatID,
		string(rec.Direction),
		rec.IsAutoreply,
		rec.TriggerName,
		ts,
		entryID,
	)
	return err
}

func (r *messageLogRepo) Recent(ctx context.Context, accountID int64, chatID string, limit int) ([]MessageLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, chat_id, direction, is_autoreply, trigger_name, timestamp
		FROM message_logs
		WHERE account_id = $1 AND chat_id = $2
		ORDER BY timestamp DESC
		LIMIT $3
	`, accountID, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageLog
	for rows.Next() {
		var m MessageLog
		var direction string
		var trigger sql.NullString
		if err := rows.Scan(
			&m.AccountID,
			&m.ChatID,
			&direction,
			&m.IsAutoreply,
			&trigger,
			&m.Timestamp,
		); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		if trigger.Valid {
			s := trigger.String
			m.TriggerName = &s
		}
		out = append(out, m)
	}

	return out, rows.Err()
}
