package avito

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"go.uber.org/zap/zaptest"

	"github.com/Vovarama1992/avito-stream-workers/internal/stream"
	"github.com/Vovarama1992/avito-stream-workers/internal/view"
)

type fakeAccounts struct {
	byID map[int64]*Account
	err  error
}

func (f *fakeAccounts) Get(_ context.Context, id int64) (*Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[id], nil
}

func accounts(list ...*Account) *fakeAccounts {
	f := &fakeAccounts{byID: map[int64]*Account{}}
	for _, a := range list {
		f.byID[a.ID] = a
	}
	return f
}

type apiCall struct {
	Method  string
	ChatID  string
	Payload string
}

type fakeAPI struct {
	mu       sync.Mutex
	calls    []apiCall
	sendErr  error
	imageErr error
	readErr  error
	chat     *ChatInfo
	chatErr  error
}

func (f *fakeAPI) record(method, chatID, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{Method: method, ChatID: chatID, Payload: payload})
}

func (f *fakeAPI) SendText(_ context.Context, _ *Account, chatID, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.record("SendText", chatID, text)
	return nil
}

func (f *fakeAPI) SendImage(_ context.Context, _ *Account, chatID, imageID string) error {
	if f.imageErr != nil {
		return f.imageErr
	}
	f.record("SendImage", chatID, imageID)
	return nil
}

func (f *fakeAPI) MarkRead(_ context.Context, _ *Account, chatID string) error {
	if f.readErr != nil {
		return f.readErr
	}
	f.record("MarkRead", chatID, "")
	return nil
}

func (f *fakeAPI) Chat(_ context.Context, _ *Account, chatID string) (*ChatInfo, error) {
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	if f.chat == nil {
		return &ChatInfo{ID: chatID}, nil
	}
	return f.chat, nil
}

func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

// fakeLogs mimics the unique stream_entry_id constraint of message_logs.
type fakeLogs struct {
	mu      sync.Mutex
	rows    []MessageLog
	err     error
	history []MessageLog
}

func (f *fakeLogs) Append(_ context.Context, rec *MessageLog) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if rec.StreamEntryID != "" && r.StreamEntryID == rec.StreamEntryID {
			return nil
		}
	}
	f.rows = append(f.rows, *rec)
	return nil
}

func (f *fakeLogs) Recent(_ context.Context, _ int64, _ string, limit int) ([]MessageLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.history) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeLogs) Rows() []MessageLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MessageLog(nil), f.rows...)
}

type fakeRehydrator struct {
	calls int
	view  view.ChatView
	err   error
}

func (f *fakeRehydrator) Rehydrate(_ context.Context, _ *Account, _ string) (view.ChatView, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := view.ChatView{}
	for k, v := range f.view {
		out[k] = v
	}
	return out, nil
}

type failingMarks struct{}

func (failingMarks) Seen(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (failingMarks) Mark(context.Context, string, time.Duration) error {
	return errors.New("redis: connection refused")
}

const testTokenKey = "cw_0x689RpI-jtRR7oE8h_eQsKImvJapLeSbXpwF4e4="

// encryptToken stores plain the way the account service does.
func encryptToken(plain string) string {
	tok, err := fernet.EncryptAndSign([]byte(plain), fernet.MustDecodeKeys(testTokenKey)[0])
	if err != nil {
		panic(err)
	}
	return string(tok)
}

var (
	activeAccount   = &Account{ID: 1, AvitoUserID: 1001, Alias: "main", EncryptedToken: encryptToken("tok"), IsActive: true}
	inactiveAccount = &Account{ID: 2, AvitoUserID: 1002, EncryptedToken: encryptToken("tok"), IsActive: false}
)

// deliver pushes fields through a real consumer-group round trip and reports
// whether the entry was acknowledged.
func deliver(t *testing.T, q *stream.Memory, streamName, group string, fields map[string]string, handle stream.HandlerFunc) (string, bool) {
	t.Helper()
	ctx := context.Background()

	c := stream.NewConsumer(q, stream.Group{Stream: streamName, Group: group, Consumer: "test"}, handle, zaptest.NewLogger(t))
	if err := q.EnsureGroup(ctx, streamName, group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	id, err := q.Append(ctx, streamName, 0, fields)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = c.Poll(ctx)

	pending, err := q.Pending(ctx, streamName, group, 0, 100)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	for _, p := range pending {
		if p.ID == id {
			return id, false
		}
	}
	return id, true
}

// outgoingFields encodes an intent the way the upstream producer writes it.
func outgoingFields(in OutgoingIntent) map[string]string {
	f := map[string]string{
		"account_id":  strconv.FormatInt(in.AccountID, 10),
		"chat_id":     in.ChatID,
		"action_type": string(in.ActionType),
	}
	for k, v := range map[string]string{
		"text":          in.Text,
		"image_id":      in.ImageID,
		"rule_name":     in.RuleName,
		"template_name": in.TemplateName,
	} {
		if v != "" {
			f[k] = v
		}
	}
	return f
}

func actionFields(in ChatActionIntent) map[string]string {
	return map[string]string{
		"account_id": strconv.FormatInt(in.AccountID, 10),
		"chat_id":    in.ChatID,
		"action":     string(in.Action),
	}
}

var inspectGroups uint64

// streamEntries reads the whole stream through a throwaway group, oldest first.
func streamEntries(t *testing.T, q stream.Queue, name string) []stream.Entry {
	t.Helper()
	ctx := context.Background()
	group := fmt.Sprintf("inspect-%d", atomic.AddUint64(&inspectGroups, 1))
	if err := q.EnsureGroup(ctx, name, group); err != nil {
		t.Fatalf("inspect group: %v", err)
	}
	out, err := q.ReadGroup(ctx, name, group, "inspector", 0, 0)
	if err != nil {
		t.Fatalf("inspect read: %v", err)
	}
	return out
}

// drain collects the updates a subscriber has received so far.
func drain(ch <-chan view.Update) []view.Update {
	var out []view.Update
	for {
		select {
		case u := <-ch:
			out = append(out, u)
		default:
			return out
		}
	}
}
