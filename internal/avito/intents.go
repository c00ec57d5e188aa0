package avito

import (
	"fmt"
	"strconv"
	"strings"
)

type ActionType string

const (
	ManualReply   ActionType = "manual_reply"
	ImageReply    ActionType = "image_reply"
	AutoReply     ActionType = "auto_reply"
	TemplateReply ActionType = "template_reply"
)

// OutgoingIntent - запрос бизнес-логики отправить сообщение в чат.
type OutgoingIntent struct {
	AccountID    int64
	ChatID       string
	ActionType   ActionType
	Text         string
	ImageID      string
	RuleName     string
	TemplateName string
}

// IsAutoreply and TriggerName are what ends up in the message log.
func (in OutgoingIntent) IsAutoreply() bool {
	return in.ActionType == AutoReply
}

func (in OutgoingIntent) TriggerName() *string {
	var name string
	switch in.ActionType {
	case AutoReply:
		name = in.RuleName
	case TemplateReply:
		name = in.TemplateName
	}
	if name == "" {
		return nil
	}
	return &name
}

type ChatAction string

const MarkRead ChatAction = "mark_read"

type ChatActionIntent struct {
	AccountID int64
	ChatID    string
	Action    ChatAction
}

func DecodeOutgoing(f map[string]string) (OutgoingIntent, error) {
	accountID, chatID, err := decodeTarget(f)
	if err != nil {
		return OutgoingIntent{}, err
	}

	in := OutgoingIntent{
		AccountID:    accountID,
		ChatID:       chatID,
		ActionType:   ActionType(f["action_type"]),
		Text:         f["text"],
		ImageID:      strings.TrimSpace(f["image_id"]),
		RuleName:     f["rule_name"],
		TemplateName: f["template_name"],
	}
	if in.ActionType == "" {
		in.ActionType = ManualReply
	}

	switch in.ActionType {
	case ImageReply:
		if in.ImageID == "" {
			return OutgoingIntent{}, fmt.Errorf("%w: image_reply without image_id", ErrDecode)
		}
	case ManualReply, AutoReply, TemplateReply:
		if strings.TrimSpace(in.Text) == "" {
			return OutgoingIntent{}, fmt.Errorf("%w: %s without text", ErrDecode, in.ActionType)
		}
	default:
		return OutgoingIntent{}, fmt.Errorf("%w: unknown action_type %q", ErrDecode, in.ActionType)
	}
	return in, nil
}

// DecodeChatAction leaves unknown actions to the worker so they can be logged by name.
func DecodeChatAction(f map[string]string) (ChatActionIntent, error) {
	accountID, chatID, err := decodeTarget(f)
	if err != nil {
		return ChatActionIntent{}, err
	}
	action := strings.TrimSpace(f["action"])
	if action == "" {
		return ChatActionIntent{}, fmt.Errorf("%w: missing action", ErrDecode)
	}
	return ChatActionIntent{AccountID: accountID, ChatID: chatID, Action: ChatAction(action)}, nil
}

func decodeTarget(f map[string]string) (int64, string, error) {
	raw, ok := f["account_id"]
	if !ok {
		return 0, "", fmt.Errorf("%w: missing account_id", ErrDecode)
	}
	accountID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || accountID <= 0 {
		return 0, "", fmt.Errorf("%w: bad account_id %q", ErrDecode, raw)
	}
	chatID := strings.TrimSpace(f["chat_id"])
	if chatID == "" {
		return 0, "", fmt.Errorf("%w: missing chat_id", ErrDecode)
	}
	return accountID, chatID, nil
}
