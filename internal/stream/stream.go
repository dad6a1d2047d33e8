package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/metrics"
	"github.com/wwwzhouhui/qwen3-reverse/internal/openai"
)

// Frame is one item of the client stream: a chunk, or the end marker.
type Frame struct {
	Chunk *openai.ChatCompletionChunk
	Done  bool
}

// FinishFunc receives the exchange result exactly once. ctx is detached from
// client cancellation so buffered text can still be persisted.
type FinishFunc func(ctx context.Context, res Result)

// Options configure one exchange.
type Options struct {
	ID       string
	Model    string
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	OnFinish FinishFunc
}

// ErrPrematureEOF is reported when the upstream body ends without [DONE].
var ErrPrematureEOF = errors.New("upstream stream ended before completion")

// Stream runs the exchange in its own goroutine and returns a single-use
// channel of frames. The channel is closed after OnFinish returns. Cancelling
// ctx closes body and stops the exchange; the finish callback still runs.
func Stream(ctx context.Context, body io.ReadCloser, opts Options) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		started := time.Now()
		first := true
		emit := func(f Frame) bool {
			if first && f.Chunk != nil && f.Chunk.Delta().Content != "" {
				opts.Metrics.RecordFirstChunk(time.Since(started))
				first = false
			}
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}
		res := run(ctx, body, opts, emit)
		finish(ctx, opts, "stream", res, started)
	}()
	return out
}

// Failed returns a stream for an exchange whose upstream request failed before
// any body arrived. It carries the single error chunk, and OnFinish sees err.
func Failed(ctx context.Context, err error, opts Options) <-chan Frame {
	out := make(chan Frame, 1)
	go func() {
		defer close(out)
		started := time.Now()
		logger := opts.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Warn("upstream request failed", zap.Error(err))
		t := NewTranslator(opts.ID, opts.Model, logger, opts.Metrics)
		out <- Frame{Chunk: t.Fail(err)}
		res := t.Result()
		res.Err = err
		finish(ctx, opts, "stream", res, started)
	}()
	return out
}

// Aggregate drains the exchange without emitting chunks. A transport failure
// is returned after the finish callback has seen the partial result.
func Aggregate(ctx context.Context, body io.ReadCloser, opts Options) (Result, error) {
	started := time.Now()
	res := run(ctx, body, opts, func(Frame) bool { return true })
	finish(ctx, opts, "aggregate", res, started)
	if res.Cancelled {
		return res, ctx.Err()
	}
	if res.Err != nil {
		return res, apierr.Wrap(apierr.KindUpstreamTransport, "upstream stream failed", res.Err)
	}
	return res, nil
}

func run(ctx context.Context, body io.ReadCloser, opts Options, emit func(Frame) bool) Result {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := NewTranslator(opts.ID, opts.Model, logger, opts.Metrics)
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()
	defer body.Close()

	cancelled := func() Result {
		res := t.Result()
		res.Cancelled = true
		return res
	}

	r := bufio.NewReaderSize(body, 64<<10)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			chunks, done := t.Feed(line)
			for _, c := range chunks {
				if !emit(Frame{Chunk: c}) {
					return cancelled()
				}
			}
			if done {
				if !emit(Frame{Done: true}) {
					return cancelled()
				}
				return t.Result()
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return cancelled()
		}
		if errors.Is(err, io.EOF) {
			err = ErrPrematureEOF
		}
		logger.Warn("upstream stream failed", zap.Error(err))
		chunk := t.Fail(err)
		res := t.Result()
		res.Err = err
		emit(Frame{Chunk: chunk})
		return res
	}
}

func finish(ctx context.Context, opts Options, mode string, res Result, started time.Time) {
	outcome := metrics.OutcomeOK
	switch {
	case res.Cancelled:
		outcome = metrics.OutcomeCancelled
	case res.Err != nil:
		outcome = metrics.OutcomeError
	}
	opts.Metrics.RecordExchange(mode, outcome, time.Since(started))
	if opts.OnFinish != nil {
		opts.OnFinish(context.WithoutCancel(ctx), res)
	}
}
