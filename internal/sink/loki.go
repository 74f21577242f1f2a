package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-logforwarder/internal/labels"
	"github.com/glimte/mmate-logforwarder/internal/reliability"
)

const lokiPushPath = "/loki/api/v1/push"

// ErrBufferFull is returned by LokiSink.Write when the backend has been
// unreachable long enough for the buffer to fill
var ErrBufferFull = errors.New("sink: loki buffer full")

// LokiConfig configures the Loki push sink
type LokiConfig struct {
	URL           string // base URL, e.g. http://loki:3100
	TenantID      string // sent as X-Scope-OrgID when set
	Username      string // basic auth, optional
	Password      string
	BatchSize     int           // entries per push
	MaxBuffered   int           // entries held while Loki is failing
	FlushInterval time.Duration // push at least this often
	Timeout       time.Duration // per push request
}

func (c *LokiConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxBuffered < c.BatchSize {
		c.MaxBuffered = c.BatchSize * 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// PushError is a non-2xx response from Loki
type PushError struct {
	StatusCode int
	Body       string
}

func (e *PushError) Error() string {
	return fmt.Sprintf("loki push failed: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same batch may succeed later. Client errors
// other than 429 mean the batch itself is bad.
func (e *PushError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func isPermanent(err error) bool {
	var pushErr *PushError
	return errors.As(err, &pushErr) && !pushErr.Retryable()
}

// LokiSink batches entries and pushes them to Loki's JSON push API
type LokiSink struct {
	cfg     LokiConfig
	client  *http.Client
	breaker *reliability.CircuitBreaker
	logger  *slog.Logger

	mu      sync.Mutex
	pending []labels.Entry
	closed  bool

	flushNow chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// LokiOption configures the LokiSink
type LokiOption func(*LokiSink)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) LokiOption {
	return func(s *LokiSink) {
		if client != nil {
			s.client = client
		}
	}
}

// WithLokiLogger sets the logger
func WithLokiLogger(logger *slog.Logger) LokiOption {
	return func(s *LokiSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCircuitBreaker replaces the default breaker
func WithCircuitBreaker(cb *reliability.CircuitBreaker) LokiOption {
	return func(s *LokiSink) {
		if cb != nil {
			s.breaker = cb
		}
	}
}

// NewLokiSink creates the sink and starts its flush loop
func NewLokiSink(cfg LokiConfig, options ...LokiOption) (*LokiSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("sink: loki url is required")
	}
	cfg.setDefaults()
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	s := &LokiSink{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   slog.Default(),
		flushNow: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "loki-sink")

	if s.breaker == nil {
		s.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("loki"),
			reliability.WithFailureThreshold(5),
			reliability.WithTimeout(30*time.Second),
			reliability.WithFailurePredicate(func(err error) bool { return !isPermanent(err) }),
			reliability.WithStateChange(func(name string, from, to reliability.State) {
				s.logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
			}),
		)
	}

	go s.loop()
	return s, nil
}

// Write buffers entry. A full batch is pushed in the background; Write only
// fails when the buffer is full or the sink is closed.
func (s *LokiSink) Write(ctx context.Context, entry labels.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("sink: loki sink closed")
	}
	if len(s.pending) >= s.cfg.MaxBuffered {
		return ErrBufferFull
	}

	s.pending = append(s.pending, entry)
	if len(s.pending) >= s.cfg.BatchSize {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush pushes everything buffered so far
func (s *LokiSink) Flush(ctx context.Context) error {
	var errs []error
	for {
		batch := s.take()
		if len(batch) == 0 {
			return errors.Join(errs...)
		}
		if err := s.pushBatch(ctx, batch); err != nil {
			errs = append(errs, err)
			if !isPermanent(err) {
				return errors.Join(errs...)
			}
		}
	}
}

// Close stops the flush loop and pushes what is left
func (s *LokiSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	err := s.Flush(ctx)
	if lost := s.Buffered(); lost > 0 {
		s.logger.Error("log entries lost on close", "lost", lost, "error", err)
	}
	return err
}

// Buffered returns the number of entries waiting to be pushed
func (s *LokiSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Breaker returns the circuit breaker guarding pushes
func (s *LokiSink) Breaker() *reliability.CircuitBreaker {
	return s.breaker
}

func (s *LokiSink) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.flushNow:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("failed to push log batch", "error", err, "buffered", s.Buffered())
		}
		cancel()
	}
}

// take removes up to one batch from the buffer
func (s *LokiSink) take() []labels.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.pending)
	if n == 0 {
		return nil
	}
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]labels.Entry, n)
	copy(batch, s.pending[:n])
	s.pending = s.pending[n:]
	return batch
}

// requeue puts a failed batch back at the front, dropping the oldest entries
// that no longer fit
func (s *LokiSink) requeue(batch []labels.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := append(batch, s.pending...)
	if over := len(merged) - s.cfg.MaxBuffered; over > 0 {
		s.logger.Warn("dropping log entries, loki unreachable", "dropped", over)
		merged = merged[over:]
	}
	s.pending = merged
}

func (s *LokiSink) pushBatch(ctx context.Context, batch []labels.Entry) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.push(ctx, batch)
	})
	switch {
	case err == nil:
		s.logger.Debug("pushed log batch", "entries", len(batch))
	case isPermanent(err):
		s.logger.Error("loki rejected log batch, dropping it", "error", err, "entries", len(batch))
	default:
		s.requeue(batch)
	}
	return err
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// encodePush groups entries into streams by label set
func encodePush(batch []labels.Entry) ([]byte, error) {
	index := make(map[string]int)
	var req lokiPush

	for _, e := range batch {
		key := streamKey(e.Labels)
		i, ok := index[key]
		if !ok {
			i = len(req.Streams)
			index[key] = i
			req.Streams = append(req.Streams, lokiStream{Stream: e.Labels})
		}
		req.Streams[i].Values = append(req.Streams[i].Values,
			[2]string{strconv.FormatInt(e.Timestamp.UnixNano(), 10), e.Line})
	}

	return json.Marshal(req)
}

func streamKey(l map[string]string) string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(l[k]))
		b.WriteByte(',')
	}
	return b.String()
}

func (s *LokiSink) push(ctx context.Context, batch []labels.Entry) error {
	body, err := encodePush(batch)
	if err != nil {
		return fmt.Errorf("encode loki push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL+lokiPushPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.TenantID != "" {
		req.Header.Set("X-Scope-OrgID", s.cfg.TenantID)
	}
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("loki push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &PushError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
