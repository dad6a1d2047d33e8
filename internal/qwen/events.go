package qwen

import (
	"errors"

	"github.com/tidwall/gjson"
)

// EventKind tags a decoded stream event. Downstream code switches on it only.
type EventKind int

const (
	// EventUnknown carries no text for the client: metadata, empty deltas or
	// phases the bridge does not surface.
	EventUnknown EventKind = iota
	EventThink
	EventAnswer
)

func (k EventKind) String() string {
	switch k {
	case EventThink:
		return "think"
	case EventAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// Usage is the upstream token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Event is one decoded upstream SSE data payload.
type Event struct {
	Kind     EventKind
	Delta    string
	Finished bool
	// FinishReason is only meaningful when Finished is set.
	FinishReason string
	// ResponseID is set on the response.created event.
	ResponseID string
	Usage      *Usage
}

// ErrMalformed marks a payload that is not a JSON object. Callers skip it.
var ErrMalformed = errors.New("qwen: malformed stream event")

// ParseEvent decodes the payload of one "data:" line (without the prefix and
// not the [DONE] sentinel).
func ParseEvent(payload []byte) (Event, error) {
	if !gjson.ValidBytes(payload) {
		return Event{}, ErrMalformed
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return Event{}, ErrMalformed
	}

	var ev Event
	if created := root.Get(`response\.created`); created.Exists() {
		ev.ResponseID = created.Get("response_id").String()
	}
	if u := root.Get("usage"); u.IsObject() {
		ev.Usage = &Usage{
			InputTokens:  int(u.Get("input_tokens").Int()),
			OutputTokens: int(u.Get("output_tokens").Int()),
			TotalTokens:  int(u.Get("total_tokens").Int()),
		}
	}

	delta := root.Get("choices.0.delta")
	if !delta.Exists() {
		return ev, nil
	}
	phase := delta.Get("phase")
	ev.Delta = delta.Get("content").String()
	if delta.Get("status").String() == "finished" {
		ev.Finished = true
		ev.FinishReason = delta.Get("finish_reason").String()
		if ev.FinishReason == "" {
			ev.FinishReason = "stop"
		}
	}

	switch {
	case phase.Type == gjson.String && phase.Str == "think":
		ev.Kind = EventThink
	case phase.Type == gjson.String && phase.Str == "answer":
		ev.Kind = EventAnswer
	case (!phase.Exists() || phase.Type == gjson.Null) && ev.Delta != "":
		ev.Kind = EventAnswer
	default:
		ev.Kind = EventUnknown
	}
	return ev, nil
}
