package qwen

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
)

// ChatTypeText is the only chat type the web client sends.
const ChatTypeText = "t2t"

// CreateChat opens a new upstream thread and returns its id.
func (c *Client) CreateChat(ctx context.Context, model, title string) (string, error) {
	payload := map[string]any{
		"title":     title,
		"models":    []string{model},
		"chat_mode": "normal",
		"chat_type": ChatTypeText,
		"timestamp": c.now().UnixMilli(),
	}
	body, _, err := c.doRaw(ctx, http.MethodPost, "/api/v2/chats/new", payload)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "data.id").String()
	if id == "" {
		return "", apierr.New(apierr.KindUpstreamTransport, "create chat response carries no id")
	}
	return id, nil
}

// DeleteChat removes a thread upstream and reports the success flag.
func (c *Client) DeleteChat(ctx context.Context, chatID string) (bool, error) {
	body, _, err := c.doRaw(ctx, http.MethodDelete, "/api/v2/chats/"+url.PathEscape(chatID), nil)
	if err != nil {
		return false, err
	}
	if !gjson.ValidBytes(body) {
		return false, apierr.New(apierr.KindUpstreamTransport, "delete chat response is not JSON")
	}
	return gjson.GetBytes(body, "success").Bool(), nil
}

// CompletionRequest is one user turn sent to an upstream thread.
type CompletionRequest struct {
	ChatID   string
	ParentID string
	Model    string
	Content  string
	// Files are upstream file descriptors, passed through as-is.
	Files           []json.RawMessage
	ThinkingEnabled bool
	// ThinkingBudget is omitted from the payload when nil.
	ThinkingBudget *int
}

type featureConfig struct {
	OutputSchema    string `json:"output_schema"`
	ThinkingEnabled bool   `json:"thinking_enabled"`
	ThinkingBudget  *int   `json:"thinking_budget,omitempty"`
}

type messageMeta struct {
	SubChatType string `json:"subChatType"`
}

type messageExtra struct {
	Meta messageMeta `json:"meta"`
}

type completionMessage struct {
	FID           string            `json:"fid"`
	ParentID      *string           `json:"parentId"`
	ChildrenIDs   []string          `json:"childrenIds"`
	Role          string            `json:"role"`
	Content       string            `json:"content"`
	UserAction    string            `json:"user_action"`
	Files         []json.RawMessage `json:"files"`
	Timestamp     int64             `json:"timestamp"`
	Models        []string          `json:"models"`
	ChatType      string            `json:"chat_type"`
	FeatureConfig featureConfig     `json:"feature_config"`
	Extra         messageExtra      `json:"extra"`
	SubChatType   string            `json:"sub_chat_type"`
	ParentIDSnake *string           `json:"parent_id"`
}

type completionPayload struct {
	Stream            bool                `json:"stream"`
	IncrementalOutput bool                `json:"incremental_output"`
	ChatID            string              `json:"chat_id"`
	ChatMode          string              `json:"chat_mode"`
	Model             string              `json:"model"`
	ParentID          *string             `json:"parent_id"`
	Messages          []completionMessage `json:"messages"`
	Timestamp         int64               `json:"timestamp"`
}

// Payload builds the upstream JSON body. An empty ParentID is sent as null.
func (r CompletionRequest) Payload(timestampMS int64) any {
	var parent *string
	if r.ParentID != "" {
		p := r.ParentID
		parent = &p
	}
	files := r.Files
	if files == nil {
		files = []json.RawMessage{}
	}
	fc := featureConfig{OutputSchema: "phase", ThinkingEnabled: r.ThinkingEnabled}
	if r.ThinkingEnabled {
		fc.ThinkingBudget = r.ThinkingBudget
	}
	return completionPayload{
		Stream:            true,
		IncrementalOutput: true,
		ChatID:            r.ChatID,
		ChatMode:          "normal",
		Model:             r.Model,
		ParentID:          parent,
		Timestamp:         timestampMS,
		Messages: []completionMessage{{
			FID:           uuid.NewString(),
			ParentID:      parent,
			ChildrenIDs:   []string{uuid.NewString()},
			Role:          "user",
			Content:       r.Content,
			UserAction:    "chat",
			Files:         files,
			Timestamp:     timestampMS,
			Models:        []string{r.Model},
			ChatType:      ChatTypeText,
			FeatureConfig: fc,
			Extra:         messageExtra{Meta: messageMeta{SubChatType: ChatTypeText}},
			SubChatType:   ChatTypeText,
			ParentIDSnake: parent,
		}},
	}
}

// Completion starts a streamed completion and returns the SSE body. The
// caller must close it; cancelling ctx aborts the upstream call.
func (c *Client) Completion(ctx context.Context, req CompletionRequest) (io.ReadCloser, error) {
	path := "/api/v2/chat/completions?chat_id=" + url.QueryEscape(req.ChatID)
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, req.Payload(c.now().UnixMilli()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Accel-Buffering", "no")
	resp, err := c.send(httpReq)
	if err != nil {
		return nil, transportError(http.MethodPost, "/api/v2/chat/completions", err)
	}
	return resp.Body, nil
}
