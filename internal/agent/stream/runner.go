// Package stream runs one provider request and delivers its normalized
// events over a bounded channel.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/internal/agent/providers"
	"github.com/haasonsaas/codeloop/internal/observability"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// Config bounds a single stream.
type Config struct {
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// RequestTimeout bounds the whole request including the body.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// IdleTimeout bounds the wait for each read from the response body.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`

	// MaxErrorBody caps how much of an error response is kept.
	MaxErrorBody int64 `yaml:"max_error_body" json:"max_error_body"`

	// MaxFrameSize caps one SSE frame.
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size"`
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 10 * time.Minute,
		IdleTimeout:    90 * time.Second,
		EventBuffer:    64,
		MaxErrorBody:   8 << 10,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.MaxErrorBody <= 0 {
		c.MaxErrorBody = d.MaxErrorBody
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	return c
}

// Runner issues provider requests. It is safe for concurrent use.
type Runner struct {
	registry *providers.Registry
	client   *http.Client
	config   Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Runner) { r.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(r *Runner) { r.logger = observability.OrNop(logger).WithFields("component", "stream") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = metrics }
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(r *Runner) { r.tracer = tracer }
}

// NewRunner creates a runner resolving models through registry.
func NewRunner(registry *providers.Registry, cfg Config, opts ...Option) *Runner {
	cfg = cfg.withDefaults()
	r := &Runner{
		registry: registry,
		config:   cfg,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = newHTTPClient(cfg.ConnectTimeout, cfg.IdleTimeout)
	}
	return r
}

// newHTTPClient bounds connection setup and the wait for response headers;
// streams are bounded by the request context and the idle timer.
func newHTTPClient(connectTimeout, headerTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: headerTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Start resolves req.Model, sends the request and returns the running
// stream. Credential, request and connection errors are returned directly;
// failures after the response headers arrive are reported by Stream.Err.
func (r *Runner) Start(ctx context.Context, req *protocol.Request) (*Stream, error) {
	if req == nil {
		return nil, models.NewError(models.ErrorInvalidRequest, "stream.start", "request is nil")
	}
	providerID, model, err := r.registry.ResolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	provider, err := r.registry.CreateProvider(providerID)
	if err != nil {
		return nil, err
	}

	headers, err := provider.Headers(ctx)
	if err != nil {
		return nil, err
	}
	endpoint, err := provider.Endpoint(ctx)
	if err != nil {
		return nil, err
	}
	wire := *req
	wire.Model = model
	body, err := provider.BuildRequest(ctx, &wire)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	streamCtx, span := r.tracer.TraceStream(streamCtx, providerID, model)
	started := time.Now()

	fail := func(err error) (*Stream, error) {
		observability.RecordError(span, err)
		span.End()
		cancel()
		r.metrics.RecordStream(providerID, model, "error", time.Since(started))
		r.metrics.RecordStreamError(providerID, string(models.KindOf(err)))
		r.logger.Warn(ctx, "provider request failed", "provider", providerID, "model", model, "error", err)
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(models.WrapError(models.ErrorInvalidRequest, "stream.start", err))
	}
	httpReq.Header = headers

	r.logger.Debug(ctx, "starting provider stream", "provider", providerID, "model", model, "endpoint", endpoint)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fail(r.requestError(ctx, streamCtx, providerID, model, err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return fail(r.statusError(resp, providerID, model))
	}

	if id := firstHeader(resp.Header, "X-Request-Id", "Request-Id"); id != "" {
		ctx = observability.AddRequestID(ctx, id)
	}

	s := &Stream{
		Provider: providerID,
		Model:    model,
		events:   make(chan protocol.StreamEvent, r.config.EventBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	rs := &runState{
		runner:   r,
		stream:   s,
		provider: provider,
		parent:   ctx,
		ctx:      streamCtx,
		body:     resp.Body,
		span:     span,
		started:  started,
	}
	go rs.run()
	return s, nil
}

// requestError classifies a failed round trip.
func (r *Runner) requestError(parent, streamCtx context.Context, providerID, model string, err error) error {
	if parent.Err() != nil {
		return models.WrapError(models.ErrorCancelled, "stream.connect", parent.Err())
	}
	pe := providers.NewProviderError(providerID, model, err)
	if streamCtx.Err() != nil {
		pe.Reason = providers.ReasonTimeout
		pe.Message = "request timeout"
	}
	return models.WrapError(models.ErrorTransport, "stream.connect", pe)
}

type apiErrorBody struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
	Message string `json:"message"`
}

// statusError builds a transport error carrying a bounded copy of the body.
func (r *Runner) statusError(resp *http.Response, providerID, model string) error {
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, r.config.MaxErrorBody))
	text := strings.TrimSpace(string(raw))
	if readErr != nil {
		text = fmt.Sprintf("(read body failed: %v)", readErr)
	}

	pe := providers.NewProviderError(providerID, model,
		fmt.Errorf("%s status %d: %s", providerID, resp.StatusCode, text)).
		WithStatus(resp.StatusCode).
		WithRequestID(firstHeader(resp.Header, "X-Request-Id", "Request-Id"))

	var body apiErrorBody
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Error != nil:
			code := body.Error.Type
			if s, ok := body.Error.Code.(string); ok && s != "" {
				code = s
			}
			if code != "" {
				pe = pe.WithCode(code)
			}
		case body.Message != "":
			pe = pe.WithMessage(fmt.Sprintf("%s status %d: %s", providerID, resp.StatusCode, body.Message))
		}
	}
	return models.WrapError(models.ErrorTransport, "stream.status", pe)
}

func firstHeader(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// Collect drains s and returns every event with the terminal error.
func Collect(s *Stream) ([]protocol.StreamEvent, error) {
	var events []protocol.StreamEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events, s.Err()
}

var errIdle = errors.New("idle timeout")
