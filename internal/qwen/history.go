package qwen

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
)

// ChatSummary is one row of the cloud history listing.
type ChatSummary struct {
	ID        string
	Title     string
	CreatedAt int64
	UpdatedAt int64
	ChatType  string
}

// ChatDetail is the part of a stored thread continuity needs.
type ChatDetail struct {
	CurrentID     string
	LastAssistant string
}

// ListChats returns one history page. An empty slice ends paging.
func (c *Client) ListChats(ctx context.Context, page int) ([]ChatSummary, error) {
	body, _, err := c.doRaw(ctx, http.MethodGet, "/api/v2/chats/?page="+strconv.Itoa(page), nil)
	if err != nil {
		return nil, err
	}
	if !gjson.GetBytes(body, "success").Bool() {
		return nil, nil
	}
	var out []ChatSummary
	gjson.GetBytes(body, "data").ForEach(func(_, s gjson.Result) bool {
		out = append(out, ChatSummary{
			ID:        s.Get("id").String(),
			Title:     s.Get("title").String(),
			CreatedAt: s.Get("created_at").Int(),
			UpdatedAt: s.Get("updated_at").Int(),
			ChatType:  s.Get("chat_type").String(),
		})
		return true
	})
	return out, nil
}

// GetChat loads a thread and extracts its last assistant text.
func (c *Client) GetChat(ctx context.Context, chatID string) (ChatDetail, error) {
	body, _, err := c.doRaw(ctx, http.MethodGet, "/api/v2/chats/"+url.PathEscape(chatID), nil)
	if err != nil {
		return ChatDetail{}, err
	}
	if !gjson.GetBytes(body, "success").Bool() {
		return ChatDetail{}, apierr.New(apierr.KindNotFound, "chat "+chatID+" not available")
	}
	data := gjson.GetBytes(body, "data")
	detail := ChatDetail{CurrentID: data.Get("currentId").String()}
	msgs := data.Get("chat.messages").Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() != "assistant" {
			continue
		}
		if list := msgs[i].Get("content_list").Array(); len(list) > 0 {
			detail.LastAssistant = list[len(list)-1].Get("content").String()
		} else {
			detail.LastAssistant = msgs[i].Get("content").String()
		}
		break
	}
	return detail, nil
}
