// Package analytics is an optional usage-event sink. It is configured from
// GRIDLINK_ANALYTICS_URL and GRIDLINK_ANALYTICS_KEY on first use and does
// nothing when the URL is unset.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gridlink/gridlink/internal/logger"
)

const (
	EnvURL = "GRIDLINK_ANALYTICS_URL"
	EnvKey = "GRIDLINK_ANALYTICS_KEY"

	maxQueued = 256
	batchSize = 32
)

// Event is one usage event.
type Event struct {
	Name       string         `json:"event"`
	Properties map[string]any `json:"properties,omitempty"`
	Time       time.Time      `json:"timestamp"`
}

// Sink receives usage events.
type Sink interface {
	Track(name string, props map[string]any)
	Flush(ctx context.Context) error
}

type nopSink struct{}

func (nopSink) Track(string, map[string]any) {}
func (nopSink) Flush(context.Context) error  { return nil }

// HTTPSink queues events and posts them in batches. When the queue is full
// the oldest events are dropped.
type HTTPSink struct {
	url    string
	key    string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
	batch  int

	mu      sync.Mutex
	queue   []Event
	dropped int
	ship    sync.Mutex // one POST at a time
}

func NewHTTPSink(url, key string, l *slog.Logger) *HTTPSink {
	return &HTTPSink{
		url:    url,
		key:    key,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.For(l, "analytics"),
		now:    time.Now,
		batch:  batchSize,
	}
}

// Track queues an event and ships a batch in the background once enough
// have accumulated.
func (s *HTTPSink) Track(name string, props map[string]any) {
	s.mu.Lock()
	if len(s.queue) >= maxQueued {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, Event{Name: name, Properties: props, Time: s.now().UTC()})
	full := len(s.queue) >= s.batch
	s.mu.Unlock()
	if full {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Flush(ctx); err != nil {
				s.logger.Debug("analytics flush failed", "error", err)
			}
		}()
	}
}

// Flush posts everything queued. Events are dropped if the post fails.
func (s *HTTPSink) Flush(ctx context.Context) error {
	s.ship.Lock()
	defer s.ship.Unlock()
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(struct {
		APIKey  string  `json:"api_key"`
		Events  []Event `json:"batch"`
		Dropped int     `json:"dropped,omitempty"`
	}{s.key, batch, dropped})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post analytics: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post analytics: status %d", resp.StatusCode)
	}
	return nil
}

// FromEnv builds the sink described by the environment.
func FromEnv(getenv func(string) string) Sink {
	url := getenv(EnvURL)
	if url == "" {
		return nopSink{}
	}
	return NewHTTPSink(url, getenv(EnvKey), nil)
}

var sink = sync.OnceValue(func() Sink { return FromEnv(os.Getenv) })

// Track records an event on the process-wide sink.
func Track(name string, props map[string]any) { sink().Track(name, props) }

// Flush drains the process-wide sink.
func Flush(ctx context.Context) error { return sink().Flush(ctx) }
