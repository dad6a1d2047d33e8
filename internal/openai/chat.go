package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChatCompletionRequest captures the OpenAI request fields the bridge honours,
// plus the reasoning controls understood by the upstream service.
type ChatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	Stream         bool          `json:"stream,omitempty"`
	EnableThinking *bool         `json:"enable_thinking,omitempty"`
	ThinkingBudget *int          `json:"thinking_budget,omitempty"`
}

// ThinkingEnabled resolves EnableThinking against the endpoint default.
func (r ChatCompletionRequest) ThinkingEnabled(def bool) bool {
	if r.EnableThinking == nil {
		return def
	}
	return *r.EnableThinking
}

// ChatMessage follows OpenAI's role/content schema. Content may be a plain
// string or an ordered list of parts.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent holds either Text or Parts. Parts is nil for plain text.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *MediaURL       `json:"image_url,omitempty"`
	VideoURL *MediaURL       `json:"video_url,omitempty"`
	FileInfo json.RawMessage `json:"file_info,omitempty"`
}

// MediaURL wraps the url object used by image_url and video_url parts.
type MediaURL struct {
	URL string `json:"url"`
}

// Content part types.
const (
	PartText     = "text"
	PartImageURL = "image_url"
	PartVideoURL = "video_url"
)

// TextContent builds a plain-text content value.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// PartsContent builds a multimodal content value.
func PartsContent(parts ...ContentPart) MessageContent {
	if parts == nil {
		parts = []ContentPart{}
	}
	return MessageContent{Parts: parts}
}

// IsMultimodal reports whether the content was sent as a part list.
func (c MessageContent) IsMultimodal() bool {
	return c.Parts != nil
}

// PlainText returns the text of the message; text parts are joined by a space.
func (c MessageContent) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// MediaURL returns the url carried by an image_url or video_url part.
func (p ContentPart) MediaURL() string {
	switch p.Type {
	case PartImageURL:
		if p.ImageURL != nil {
			return p.ImageURL.URL
		}
	case PartVideoURL:
		if p.VideoURL != nil {
			return p.VideoURL.URL
		}
	}
	return ""
}

// IsMedia reports whether the part references an image or a video.
func (p ContentPart) IsMedia() bool {
	return p.Type == PartImageURL || p.Type == PartVideoURL
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*c = MessageContent{}
		return nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = MessageContent{Text: s}
		return nil
	case trimmed[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		*c = PartsContent(parts...)
		return nil
	default:
		return fmt.Errorf("message content must be a string or an array of parts")
	}
}

// ChatCompletionResponse mirrors the OpenAI schema with a single choice.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   UsageBreakdown         `json:"usage"`
}

// ChatCompletionChoice contains the generated message.
type ChatCompletionChoice struct {
	Index        int             `json:"index"`
	FinishReason string          `json:"finish_reason"`
	Message      ResponseMessage `json:"message"`
}

// ResponseMessage is the assistant message of a non-streaming response.
type ResponseMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// UsageBreakdown provides token accounting.
type UsageBreakdown struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewCompletionResponse builds a response with the provided message.
func NewCompletionResponse(id, model string, message ResponseMessage, finishReason string, usage UsageBreakdown) ChatCompletionResponse {
	if message.Role == "" {
		message.Role = "assistant"
	}
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			FinishReason: finishReason,
			Message:      message,
		}},
		Usage: usage,
	}
}
