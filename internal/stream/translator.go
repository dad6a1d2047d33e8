// Package stream translates the upstream phase-tagged event stream into
// OpenAI chat completion chunks.
package stream

import (
	"strings"

	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/metrics"
	"github.com/wwwzhouhui/qwen3-reverse/internal/openai"
	"github.com/wwwzhouhui/qwen3-reverse/internal/qwen"
)

// State of one exchange.
type State int

const (
	StateInit State = iota
	StateStreaming
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	doneSentinel        = "[DONE]"
	defaultFinishReason = "stop"
	errorFinishReason   = "error"
	errorChunkID        = "chatcmpl-error"
)

// Result is what an exchange accumulated, handed to the finish callback and
// returned by Aggregate.
type Result struct {
	Answer       string
	Reasoning    string
	FinishReason string
	ResponseID   string
	Usage        *qwen.Usage
	State        State
	// Err is the transport failure that ended the exchange, if any.
	Err       error
	Cancelled bool
}

// Translator is the per-exchange state machine. It is not safe for concurrent
// use and is discarded after one exchange.
type Translator struct {
	id     string
	model  string
	logger *zap.Logger
	m      *metrics.Collector

	state        State
	pending      strings.Builder // reasoning not yet flushed to the client
	reasoning    strings.Builder
	answer       strings.Builder
	finishReason string
	responseID   string
	usage        *qwen.Usage
}

// NewTranslator returns a translator stamping chunks with id and model.
func NewTranslator(id, model string, logger *zap.Logger, m *metrics.Collector) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{id: id, model: model, logger: logger, m: m, finishReason: defaultFinishReason}
}

// State reports the current state.
func (t *Translator) State() State { return t.state }

// Feed consumes one raw line of the upstream body. It returns the chunks to
// emit, in order, and whether the terminal sentinel was reached.
func (t *Translator) Feed(line string) ([]*openai.ChatCompletionChunk, bool) {
	if t.state == StateDone || t.state == StateError {
		return nil, t.state == StateDone
	}
	t.state = StateStreaming

	line = strings.TrimRight(line, "\r\n")
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil, false
	}
	payload = strings.TrimPrefix(payload, " ")
	if strings.TrimSpace(payload) == doneSentinel {
		t.state = StateDone
		fr := t.finishReason
		return []*openai.ChatCompletionChunk{openai.NewChunk(t.id, t.model, openai.ChatMessageDelta{}, &fr)}, true
	}

	ev, err := qwen.ParseEvent([]byte(payload))
	if err != nil {
		t.m.RecordMalformedEvent()
		t.logger.Debug("skipping malformed event", zap.Int("bytes", len(payload)))
		return nil, false
	}
	return t.apply(ev), false
}

func (t *Translator) apply(ev qwen.Event) []*openai.ChatCompletionChunk {
	if ev.ResponseID != "" {
		t.responseID = ev.ResponseID
	}
	if ev.Usage != nil {
		u := *ev.Usage
		t.usage = &u
	}

	var out []*openai.ChatCompletionChunk
	switch ev.Kind {
	case qwen.EventThink:
		if !ev.Finished {
			t.pending.WriteString(ev.Delta)
			t.reasoning.WriteString(ev.Delta)
		}
	case qwen.EventAnswer:
		t.answer.WriteString(ev.Delta)
		delta := openai.ChatMessageDelta{Content: ev.Delta}
		if t.pending.Len() > 0 {
			delta.ReasoningContent = t.pending.String()
			t.pending.Reset()
		}
		out = append(out, openai.NewChunk(t.id, t.model, delta, nil))
	}
	if ev.Finished {
		t.finishReason = ev.FinishReason
	}
	return out
}

// Fail moves the exchange to the error state and returns the single error
// chunk for the client.
func (t *Translator) Fail(err error) *openai.ChatCompletionChunk {
	t.state = StateError
	fr := errorFinishReason
	return openai.NewChunk(errorChunkID, t.model, openai.ChatMessageDelta{Content: "Error during streaming: " + err.Error()}, &fr)
}

// Result snapshots the accumulated buffers.
func (t *Translator) Result() Result {
	return Result{
		Answer:       t.answer.String(),
		Reasoning:    t.reasoning.String(),
		FinishReason: t.finishReason,
		ResponseID:   t.responseID,
		Usage:        t.usage,
		State:        t.state,
	}
}
