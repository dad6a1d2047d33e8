package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/continuity"
	"github.com/wwwzhouhui/qwen3-reverse/internal/media"
	"github.com/wwwzhouhui/qwen3-reverse/internal/openai"
	"github.com/wwwzhouhui/qwen3-reverse/internal/qwen"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
	"github.com/wwwzhouhui/qwen3-reverse/internal/stream"
)

const (
	defaultTextModel       = "qwen3"
	defaultMultimodalModel = "qwen3-vl-plus"

	textTitlePrefix       = "OpenAI_API_对话_"
	multimodalTitlePrefix = "多模态对话_"
)

// ChatOptions select the endpoint behaviour for one exchange.
type ChatOptions struct {
	// Multimodal sends only the latest user turn with its attachments.
	Multimodal bool
	// DefaultThinking applies when the request leaves enable_thinking unset.
	DefaultThinking bool
}

// Exchange is a started chat exchange. Exactly one of Frames and Response is set.
type Exchange struct {
	ID       string
	Model    string
	ChatID   string
	Frames   <-chan stream.Frame
	Response *openai.ChatCompletionResponse
}

// turn is the upstream input derived from a client history.
type turn struct {
	content string
	files   []json.RawMessage
	title   string
	res     continuity.Resolution
}

// Chat runs one exchange. For streaming requests the returned channel must be
// drained; cancelling ctx stops it early.
func (b *Bridge) Chat(ctx context.Context, req openai.ChatCompletionRequest, opts ChatOptions) (*Exchange, error) {
	acct, err := b.upstream.RequireAccount()
	if err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "messages must not be empty", Param: "messages"}
	}

	model := req.Model
	if model == "" {
		model = defaultTextModel
		if opts.Multimodal {
			model = defaultMultimodalModel
		}
	}
	upstreamModel := b.upstream.ResolveModel(model)

	thinking := req.ThinkingEnabled(opts.DefaultThinking)
	var budget *int
	if thinking {
		if req.ThinkingBudget != nil {
			v := *req.ThinkingBudget
			budget = &v
		} else if v, ok := acct.ThinkingBudget(upstreamModel); ok {
			budget = &v
		}
	}

	t, err := b.prepareTurn(ctx, req.Messages, opts, acct)
	if err != nil {
		return nil, err
	}

	chatID, parentID := t.res.ThreadID, t.res.LastTurnID
	if !t.res.Found {
		chatID, err = b.upstream.CreateChat(ctx, upstreamModel, t.title)
		if err != nil {
			return nil, err
		}
		parentID = ""
	}
	log := b.logger.With(
		zap.String("chat_id", chatID),
		zap.String("model", upstreamModel),
		zap.Bool("continued", t.res.Found),
		zap.Int("files", len(t.files)),
	)

	ex := &Exchange{ID: completionID(chatID), Model: model, ChatID: chatID}
	sopts := stream.Options{
		ID:      ex.ID,
		Model:   model,
		Logger:  log,
		Metrics: b.metrics,
		OnFinish: func(ctx context.Context, res stream.Result) {
			b.finishExchange(ctx, chatID, t.title, res)
		},
	}

	body, err := b.upstream.Completion(ctx, qwen.CompletionRequest{
		ChatID:          chatID,
		ParentID:        parentID,
		Model:           upstreamModel,
		Content:         t.content,
		Files:           t.files,
		ThinkingEnabled: thinking,
		ThinkingBudget:  budget,
	})
	if err != nil {
		// Streaming clients get the failure as an SSE error chunk.
		if req.Stream {
			ex.Frames = stream.Failed(ctx, err, sopts)
			return ex, nil
		}
		if b.deleteAfterChat && !t.res.Found {
			b.discardThread(context.WithoutCancel(ctx), chatID)
		}
		return nil, err
	}

	if req.Stream {
		ex.Frames = stream.Stream(ctx, body, sopts)
		return ex, nil
	}

	res, err := stream.Aggregate(ctx, body, sopts)
	if err != nil {
		return nil, err
	}
	var usage openai.UsageBreakdown
	if res.Usage != nil {
		usage = openai.UsageBreakdown{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.TotalTokens,
		}
	}
	resp := openai.NewCompletionResponse(ex.ID, model, openai.ResponseMessage{
		Content:          res.Answer,
		ReasoningContent: res.Reasoning,
	}, res.FinishReason, usage)
	ex.Response = &resp
	return ex, nil
}

func (b *Bridge) prepareTurn(ctx context.Context, messages []openai.ChatMessage, opts ChatOptions, acct *qwen.Account) (turn, error) {
	res, err := b.matcher.Resolve(ctx, messages)
	if err != nil {
		return turn{}, err
	}
	t := turn{res: res}
	now := b.now()

	if opts.Multimodal {
		t.title = fmt.Sprintf("%s%d", multimodalTitlePrefix, now.Unix())
		user, ok := lastUser(messages)
		if !ok {
			return t, nil
		}
		if !user.Content.IsMultimodal() {
			t.content = user.Content.Text
			return t, nil
		}
		t.content = user.Content.PlainText()
		for _, part := range user.Content.Parts {
			if !part.IsMedia() {
				continue
			}
			desc, err := b.partDescriptor(ctx, part, acct)
			if err != nil {
				return turn{}, err
			}
			if desc != nil {
				t.files = append(t.files, desc)
			}
		}
		if t.content != "" && len(t.files) > 0 {
			t.content = media.SmartPrompt(t.content, t.files)
		}
		return t, nil
	}

	t.title = fmt.Sprintf("%s%d", textTitlePrefix, now.Unix())
	if res.Found {
		if user, ok := lastUser(messages); ok {
			t.content = user.Content.PlainText()
		}
		return t, nil
	}
	t.content = Flatten(messages)
	return t, nil
}

// partDescriptor returns the upstream file entry for one media part. Inline
// data URLs are uploaded first.
func (b *Bridge) partDescriptor(ctx context.Context, part openai.ContentPart, acct *qwen.Account) (json.RawMessage, error) {
	if len(part.FileInfo) > 0 && string(part.FileInfo) != "null" {
		return part.FileInfo, nil
	}
	u := part.MediaURL()
	if u == "" {
		return nil, nil
	}
	if !media.IsDataURL(u) {
		return json.Marshal(media.FromURL(u, acct.UserIDOrUnknown(), b.now()))
	}
	data, contentType, err := media.DecodeDataURL(u)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, "invalid data url", err)
	}
	filename := "upload" + media.ExtensionFor(contentType)
	up, err := b.upload(ctx, blob{
		data:        data,
		filename:    filename,
		contentType: contentType,
		fileType:    media.FileType(filename, contentType),
		userID:      acct.UserIDOrUnknown(),
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(up.descriptor)
}

// Flatten renders a history as "role: content" blocks separated by blank
// lines. A leading "system:" block is added when the history has none.
func Flatten(messages []openai.ChatMessage) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Role+": "+m.Content.PlainText())
	}
	out := strings.Join(parts, "\n\n")
	if len(messages) > 0 && messages[0].Role != "system" {
		out = "system:\n\n" + out
	}
	return out
}

func lastUser(messages []openai.ChatMessage) (openai.ChatMessage, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i], true
		}
	}
	return openai.ChatMessage{}, false
}

func completionID(chatID string) string {
	if len(chatID) > 10 {
		chatID = chatID[:10]
	}
	return "chatcmpl-" + chatID
}

// finishExchange runs once per exchange with a context that outlives the client.
func (b *Bridge) finishExchange(ctx context.Context, chatID, title string, res stream.Result) {
	if b.deleteAfterChat {
		b.discardThread(ctx, chatID)
		return
	}
	if res.Answer == "" || res.ResponseID == "" {
		b.logger.Debug("nothing to persist",
			zap.String("chat_id", chatID),
			zap.Bool("answer", res.Answer != ""),
			zap.Bool("response_id", res.ResponseID != ""),
		)
		return
	}
	now := b.now()
	rec := session.NewRecord(chatID, res.ResponseID, title, session.ThreadKindText, res.Answer, now)
	if err := b.store.Upsert(ctx, rec); err != nil {
		b.metrics.RecordPersistFailure()
		b.logger.Error("persist session failed", zap.String("chat_id", chatID), zap.Error(err))
		b.matcher.Degrade(err)
	}
}

func (b *Bridge) discardThread(ctx context.Context, chatID string) {
	ok, err := b.upstream.DeleteChat(ctx, chatID)
	if err != nil || !ok {
		b.logger.Warn("delete after chat failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}
