package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/wwwzhouhui/qwen3-reverse/internal/testutil"
)

func think(s string) string {
	return `{"choices":[{"delta":{"phase":"think","status":"typing","content":` + quote(s) + `}}]}`
}

func answer(s string) string {
	return `{"choices":[{"delta":{"phase":"answer","status":"typing","content":` + quote(s) + `}}]}`
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

const (
	created       = `{"response.created":{"chat_id":"c","response_id":"resp-1"}}`
	thinkFinished = `{"choices":[{"delta":{"phase":"think","status":"finished","content":""}}]}`
	answerDone    = `{"choices":[{"delta":{"phase":"answer","status":"finished","content":"","finish_reason":"stop"}}],"usage":{"input_tokens":1,"output_tokens":2,"total_tokens":3}}`
)

type recorder struct {
	mu    sync.Mutex
	calls int
	res   Result
	ctxOK bool
}

func (r *recorder) finish(ctx context.Context, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.res = res
	r.ctxOK = ctx.Err() == nil
}

func collect(t *testing.T, ch <-chan Frame) []Frame {
	t.Helper()
	var frames []Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatalf("stream did not finish")
		}
	}
}

func body(s string) io.ReadCloser { return io.NopCloser(strings.NewReader(s)) }

func TestStreamReasoningFlushedOnce(t *testing.T) {
	rec := &recorder{}
	sse := testutil.SSEBody(created, think("A"), think("B"), thinkFinished, answer("C"), answer("D"), answerDone, "[DONE]")
	frames := collect(t, Stream(context.Background(), body(sse), Options{ID: "chatcmpl-x", Model: "qwen3", OnFinish: rec.finish}))

	// C, D, the finished-answer delta, the final chunk, the end marker.
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}
	c, d := frames[0].Chunk.Delta(), frames[1].Chunk.Delta()
	if c.Content != "C" || c.ReasoningContent != "AB" {
		t.Fatalf("first answer chunk = %+v", c)
	}
	if d.Content != "D" || d.ReasoningContent != "" {
		t.Fatalf("second answer chunk = %+v", d)
	}
	final := frames[3].Chunk
	if final.Delta().Content != "" || final.FinishReason() != "stop" {
		t.Fatalf("final chunk = %+v", final)
	}
	if !frames[4].Done {
		t.Fatalf("missing end marker")
	}
	if frames[0].Chunk.FinishReason() != "" || frames[0].Chunk.ID != "chatcmpl-x" {
		t.Fatalf("unexpected chunk metadata %+v", frames[0].Chunk)
	}

	if rec.calls != 1 {
		t.Fatalf("finish called %d times", rec.calls)
	}
	res := rec.res
	if res.Answer != "CD" || res.Reasoning != "AB" || res.ResponseID != "resp-1" || res.State != StateDone {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 3 {
		t.Fatalf("usage not captured: %+v", res.Usage)
	}
}

func TestStreamCompatibilityPathAndMalformed(t *testing.T) {
	sse := testutil.SSEBody(`{"choices":[{"delta":{"content":"plain"}}]}`, `{broken`, answer("!"), "[DONE]")
	frames := collect(t, Stream(context.Background(), body(sse), Options{}))
	var got strings.Builder
	for _, f := range frames {
		if f.Chunk != nil {
			got.WriteString(f.Chunk.Delta().Content)
		}
	}
	if got.String() != "plain!" {
		t.Fatalf("content = %q", got.String())
	}
}

func TestStreamFinishReasonCaptured(t *testing.T) {
	lengthDone := `{"choices":[{"delta":{"phase":"answer","status":"finished","finish_reason":"length"}}]}`
	frames := collect(t, Stream(context.Background(), body(testutil.SSEBody(answer("x"), lengthDone, "[DONE]")), Options{}))
	final := frames[len(frames)-2].Chunk
	if final.FinishReason() != "length" {
		t.Fatalf("finish reason = %q", final.FinishReason())
	}
}

type failingReader struct {
	data string
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.data == "" {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func (f *failingReader) Close() error { return nil }

func TestStreamTransportErrorEmitsErrorChunk(t *testing.T) {
	rec := &recorder{}
	r := &failingReader{data: testutil.SSEBody(created, answer("partial")), err: errors.New("connection reset")}
	frames := collect(t, Stream(context.Background(), r, Options{Model: "m", OnFinish: rec.finish}))

	if len(frames) != 2 {
		t.Fatalf("expected answer + error chunk, got %d frames", len(frames))
	}
	errChunk := frames[1].Chunk
	if errChunk.FinishReason() != "error" || !strings.Contains(errChunk.Delta().Content, "connection reset") {
		t.Fatalf("unexpected error chunk %+v", errChunk.Delta())
	}
	if rec.res.Answer != "partial" || rec.res.State != StateError || rec.res.Err == nil {
		t.Fatalf("partial buffer not handed to finish: %+v", rec.res)
	}
}

func TestStreamPrematureEOF(t *testing.T) {
	rec := &recorder{}
	frames := collect(t, Stream(context.Background(), body(testutil.SSEBody(answer("half"))), Options{OnFinish: rec.finish}))
	last := frames[len(frames)-1]
	if last.Done || last.Chunk.FinishReason() != "error" {
		t.Fatalf("expected trailing error chunk without end marker, got %+v", last)
	}
	if !errors.Is(rec.res.Err, ErrPrematureEOF) {
		t.Fatalf("err = %v", rec.res.Err)
	}
}

func TestFailedEmitsSingleErrorChunk(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	frames := collect(t, Failed(ctx, errors.New("status 503"), Options{ID: "chatcmpl-x", Model: "qwen3", OnFinish: rec.finish}))
	if len(frames) != 1 || frames[0].Done {
		t.Fatalf("expected one error chunk, got %+v", frames)
	}
	c := frames[0].Chunk
	if c.FinishReason() != "error" || c.Model != "qwen3" || c.Delta().Content != "Error during streaming: status 503" {
		t.Fatalf("unexpected chunk %+v", c)
	}
	if rec.calls != 1 || rec.res.Err == nil || rec.res.State != StateError || rec.res.Answer != "" {
		t.Fatalf("finish not called with the failure: calls=%d res=%+v", rec.calls, rec.res)
	}
	if !rec.ctxOK {
		t.Fatalf("finish context must survive client cancellation")
	}
}

func TestStreamCancellationPersists(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	ch := Stream(ctx, pr, Options{OnFinish: rec.finish})

	go func() {
		_, _ = io.WriteString(pw, testutil.SSEBody(created, answer("kept")))
	}()
	first := <-ch
	if first.Chunk.Delta().Content != "kept" {
		t.Fatalf("unexpected first frame %+v", first)
	}
	cancel()
	for range ch {
	}

	if rec.calls != 1 || !rec.res.Cancelled || rec.res.Answer != "kept" || rec.res.ResponseID != "resp-1" {
		t.Fatalf("cancelled exchange not finished properly: calls=%d res=%+v", rec.calls, rec.res)
	}
	if !rec.ctxOK {
		t.Fatalf("finish context must survive client cancellation")
	}
}

func TestAggregate(t *testing.T) {
	rec := &recorder{}
	sse := testutil.SSEBody(created, think("why"), answer("hel"), answer("lo"), answerDone, "[DONE]")
	res, err := Aggregate(context.Background(), body(sse), Options{OnFinish: rec.finish})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.Answer != "hello" || res.Reasoning != "why" || res.FinishReason != "stop" || res.Usage.InputTokens != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if rec.calls != 1 {
		t.Fatalf("finish called %d times", rec.calls)
	}

	_, err = Aggregate(context.Background(), &failingReader{data: testutil.SSEBody(answer("x")), err: errors.New("boom")}, Options{})
	if err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestChunkConcatenationMatchesAnswerDeltas(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "events")
		tr := NewTranslator("id", "m", nil, nil)
		var want, got strings.Builder
		for i := 0; i < n; i++ {
			text := rapid.StringMatching(`[a-z \n"\\]{0,6}`).Draw(rt, "text")
			var line string
			switch rapid.IntRange(0, 4).Draw(rt, "kind") {
			case 0:
				line = think(text)
			case 1:
				line = answer(text)
				want.WriteString(text)
			case 2:
				line = `{"choices":[{"delta":{"phase":"answer","status":"finished","content":` + quote(text) + `}}]}`
				want.WriteString(text)
			case 3:
				line = `{not-json ` + text
			default:
				line = created
			}
			chunks, done := tr.Feed("data: " + line + "\n")
			if done {
				rt.Fatalf("unexpected terminal state")
			}
			for _, c := range chunks {
				got.WriteString(c.Delta().Content)
			}
		}
		if got.String() != want.String() {
			rt.Fatalf("chunks %q != answer deltas %q", got.String(), want.String())
		}
		if tr.Result().Answer != want.String() {
			rt.Fatalf("answer buffer %q", tr.Result().Answer)
		}
	})
}

func TestFeedIgnoresNonDataLines(t *testing.T) {
	tr := NewTranslator("id", "m", nil, nil)
	for _, l := range []string{"", ": keepalive", "event: message", "id: 7"} {
		if chunks, done := tr.Feed(l); len(chunks) != 0 || done {
			t.Fatalf("line %q produced output", l)
		}
	}
	if tr.State() != StateStreaming {
		t.Fatalf("state = %s", tr.State())
	}
	if _, done := tr.Feed("data:[DONE]"); !done || tr.State() != StateDone {
		t.Fatalf("sentinel without space not recognized")
	}
}
