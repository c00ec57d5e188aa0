package avito

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the Avito messenger API on behalf of an account.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx answer from Avito.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("avito api error: %d body=%s", e.Status, e.Body)
}

func (c *Client) SendText(ctx context.Context, acc *Account, chatID, text string) error {
	return c.do(ctx, acc, http.MethodPost, c.chatPath(acc, "v1", chatID)+"/messages", map[string]any{
		"message": map[string]any{"text": text},
		"type":    "text",
	}, nil)
}

func (c *Client) SendImage(ctx context.Context, acc *Account, chatID, imageID string) error {
	return c.do(ctx, acc, http.MethodPost, c.chatPath(acc, "v1", chatID)+"/messages/image", map[string]any{
		"image_id": imageID,
	}, nil)
}

func (c *Client) MarkRead(ctx context.Context, acc *Account, chatID string) error {
	return c.do(ctx, acc, http.MethodPost, c.chatPath(acc, "v1", chatID)+"/read", nil, nil)
}

type chatResponse struct {
	ID      string `json:"id"`
	Context struct {
		Value struct {
			Title string `json:"title"`
		} `json:"value"`
	} `json:"context"`
	LastMessage *struct {
		Direction string `json:"direction"`
		Created   int64  `json:"created"`
		IsRead    bool   `json:"is_read"`
		Read      *int64 `json:"read"`
		Content   struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"last_message"`
}

// Chat fetches chat metadata; a 404 maps to ErrChatNotFound.
func (c *Client) Chat(ctx context.Context, acc *Account, chatID string) (*ChatInfo, error) {
	var resp chatResponse
	err := c.do(ctx, acc, http.MethodGet, c.chatPath(acc, "v2", chatID), nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
		}
		return nil, err
	}

	info := &ChatInfo{ID: resp.ID, Title: resp.Context.Value.Title}
	if info.ID == "" {
		info.ID = chatID
	}
	if lm := resp.LastMessage; lm != nil {
		info.LastMessage = &LastMessage{
			Direction: Direction(lm.Direction),
			Text:      lm.Content.Text,
			Created:   time.Unix(lm.Created, 0).UTC(),
			IsRead:    lm.IsRead || lm.Read != nil,
		}
	}
	return info, nil
}

func (c *Client) chatPath(acc *Account, version, chatID string) string {
	return fmt.Sprintf("/messenger/%s/accounts/%d/chats/%s", version, acc.AvitoUserID, chatID)
}

func (c *Client) do(ctx context.Context, acc *Account, method, path string, body, out any) error {
	token, err := c.tokens.AccessToken(ctx, acc)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
