package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/internal/agent/providers"
	"github.com/haasonsaas/codeloop/internal/observability"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// Stream is one in-flight provider response.
type Stream struct {
	Provider string
	Model    string

	events chan protocol.StreamEvent
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// Events delivers normalized events. The channel is closed when the stream
// ends for any reason.
func (s *Stream) Events() <-chan protocol.StreamEvent {
	return s.events
}

// Done is closed once the stream goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error once Events is closed. It is nil for a
// stream that ended normally.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the stream and waits for its goroutine to exit.
func (s *Stream) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

type readResult struct {
	data []byte
	err  error
}

const readChunkSize = 32 << 10

// runState is owned by the stream goroutine.
type runState struct {
	runner   *Runner
	stream   *Stream
	provider providers.Provider

	parent context.Context
	ctx    context.Context
	body   io.ReadCloser
	span   trace.Span

	started    time.Time
	firstEvent bool
	usage      protocol.Usage
}

func (rs *runState) run() {
	s := rs.stream
	r := rs.runner
	status := "ok"

	defer func() {
		rs.body.Close()
		s.cancel()
		if err := s.Err(); err != nil {
			status = "error"
			observability.RecordError(rs.span, err)
			r.metrics.RecordStreamError(s.Provider, string(models.KindOf(err)))
			args := []any{"provider", s.Provider, "model", s.Model, "error", err}
			if pe, ok := providers.AsProviderError(err); ok {
				args = append(args, "reason", pe.Reason, "retryable", pe.Reason.Retryable())
			}
			r.logger.Warn(rs.parent, "provider stream ended with error", args...)
		}
		if !rs.usage.IsZero() {
			r.metrics.RecordTokens(s.Provider, rs.usage.InputTokens, rs.usage.OutputTokens,
				rs.usage.CachedTokens, rs.usage.CacheCreationTokens)
		}
		observability.SetAttributes(rs.span,
			"llm.input_tokens", rs.usage.InputTokens,
			"llm.output_tokens", rs.usage.OutputTokens)
		r.metrics.RecordStream(s.Provider, s.Model, status, time.Since(rs.started))
		rs.span.End()
		close(s.events)
		close(s.done)
	}()

	reads := make(chan readResult)
	go rs.readLoop(reads)

	dec := protocol.FrameDecoder{MaxFrameSize: r.config.MaxFrameSize}
	state := protocol.NewParseState()

	idle := time.NewTimer(r.config.IdleTimeout)
	defer idle.Stop()

	for {
		idle.Reset(r.config.IdleTimeout)

		select {
		case <-rs.ctx.Done():
			s.setErr(rs.contextError())
			return

		case <-idle.C:
			s.setErr(models.WrapError(models.ErrorTransport, "stream.read",
				providers.NewProviderError(s.Provider, s.Model, errIdle)))
			return

		case res := <-reads:
			if len(res.data) > 0 {
				frames, err := dec.Feed(res.data)
				for _, f := range frames {
					if !rs.handle(f, state) {
						return
					}
					// A sentinel ends the response even if the server keeps
					// the connection open.
					if state.Closed() {
						return
					}
				}
				if err != nil {
					s.setErr(err)
					return
				}
			}
			if res.err == nil {
				continue
			}
			if !errors.Is(res.err, io.EOF) {
				if rs.ctx.Err() != nil {
					s.setErr(rs.contextError())
				} else {
					s.setErr(models.WrapError(models.ErrorTransport, "stream.read",
						providers.NewProviderError(s.Provider, s.Model, res.err)))
				}
				return
			}

			f, ok, err := dec.Flush()
			if err != nil {
				s.setErr(err)
				return
			}
			if ok && !rs.handle(f, state) {
				return
			}
			for _, ev := range rs.provider.Finish(state) {
				if !rs.emit(ev) {
					return
				}
			}
			return
		}
	}
}

// readLoop copies the body into fresh chunks until an error, handing each
// one over only while the consumer loop is still listening.
func (rs *runState) readLoop(out chan<- readResult) {
	for {
		buf := make([]byte, readChunkSize)
		n, err := rs.body.Read(buf)
		select {
		case out <- readResult{data: buf[:n], err: err}:
		case <-rs.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handle parses one frame and emits its events in order.
func (rs *runState) handle(f protocol.Frame, state *protocol.ParseState) bool {
	ev, err := rs.provider.ParseEvent(f.Event, f.Data, state)
	if err != nil {
		rs.stream.setErr(err)
		return false
	}
	if ev != nil && !rs.emit(*ev) {
		return false
	}
	for _, pending := range state.Drain() {
		if !rs.emit(pending) {
			return false
		}
	}
	return true
}

// emit delivers ev, blocking while the channel is full unless the stream is
// cancelled.
func (rs *runState) emit(ev protocol.StreamEvent) bool {
	if !rs.firstEvent {
		rs.firstEvent = true
		rs.runner.metrics.RecordFirstEvent(rs.stream.Provider, time.Since(rs.started))
	}
	if ev.Type == protocol.EventUsage && ev.Usage != nil {
		rs.usage = *ev.Usage
	}
	select {
	case rs.stream.events <- ev:
		return true
	case <-rs.ctx.Done():
		rs.stream.setErr(rs.contextError())
		return false
	}
}

func (rs *runState) contextError() error {
	if rs.parent.Err() != nil {
		return models.WrapError(models.ErrorCancelled, "stream.read", rs.parent.Err())
	}
	if errors.Is(rs.ctx.Err(), context.DeadlineExceeded) {
		pe := providers.NewProviderError(rs.stream.Provider, rs.stream.Model, rs.ctx.Err())
		pe.Message = "request timeout"
		return models.WrapError(models.ErrorTransport, "stream.read", pe)
	}
	return models.WrapError(models.ErrorCancelled, "stream.read", rs.ctx.Err())
}
