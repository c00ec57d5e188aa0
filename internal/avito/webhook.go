package avito

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Vovarama1992/avito-stream-workers/internal/stream"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	q      stream.Queue
	secret []byte
	maxLen int64
	log    *zap.Logger
}

func NewHandler(q stream.Queue, secret string, maxLen int64, log *zap.Logger) *Handler {
	if secret == "" {
		log.Warn("AVITO_WEBHOOK_SECRET is empty, webhook signatures are NOT verified")
	}
	return &Handler{q: q, secret: []byte(secret), maxLen: maxLen, log: log}
}

type webhookPayload struct {
	Payload struct {
		Type  string `json:"type"`
		Value struct {
			ID json.RawMessage `json:"id"`
		} `json:"value"`
	} `json:"payload"`
}

// HandleWebhook - вход от Авито: подпись -> стрим -> 200. Никакой бизнес-логики.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.log.Warn("webhook rejected", zap.Error(err), zap.String("remote", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Bad JSON", http.StatusBadRequest)
		return
	}

	// read, delivery и прочее подтверждаем, иначе Авито будет ретраить
	if payload.Payload.Type != "message" {
		writeText(w, http.StatusOK, "Ignored event type")
		return
	}

	eventID := stringifyID(payload.Payload.Value.ID)
	_, err = h.q.Append(r.Context(), RawWebhookStream, h.maxLen, map[string]string{
		"event_id": eventID,
		"raw_body": string(body),
	})
	if err != nil {
		h.log.Error("failed to queue webhook", zap.String("event_id", eventID), zap.Error(err))
		http.Error(w, "queue unavailable", http.StatusInternalServerError)
		return
	}

	h.log.Info("webhook queued", zap.String("event_id", eventID))
	writeText(w, http.StatusOK, "ok")
}

// stringifyID keeps whatever Avito sent (string or number) so consumers can dedupe on it.
func stringifyID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
