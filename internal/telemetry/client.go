// Package telemetry sends anonymous engine usage events. Everything is
// best-effort and asynchronous: no event may ever block or fail a run.
package telemetry

import (
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/posthog/posthog-go"
)

// Client is the telemetry boundary. The engine only ever sees this
// interface; a Noop client is used when telemetry is disabled.
type Client interface {
	// Track sends an event asynchronously and returns immediately.
	Track(event string, properties map[string]any)

	// Close flushes pending events.
	Close() error
}

// Properties is a type alias for event properties.
type Properties = map[string]any

// Config is the minimal telemetry state: an opt-in flag and a stable
// anonymous identifier.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	AnonymousID string `yaml:"anonymous_id" json:"anonymous_id"`
}

// enqueuer is the slice of the PostHog client we use; tests substitute it.
type enqueuer interface {
	io.Closer
	Enqueue(msg posthog.Message) error
}

// PostHogClient wraps the PostHog SDK for async delivery.
type PostHogClient struct {
	client      enqueuer
	config      Config
	version     string
	mu          sync.RWMutex
	initialized bool
}

// NewPostHogClient creates a telemetry client. An empty API key yields an
// uninitialized client whose Track calls are no-ops.
func NewPostHogClient(apiKey, version string, config Config) (*PostHogClient, error) {
	if apiKey == "" || !config.Enabled {
		return &PostHogClient{config: config, version: version}, nil
	}

	client, err := posthog.NewWithConfig(apiKey, posthog.Config{
		BatchSize: 10,
		Interval:  1 * time.Second,
		Logger:    quietLogger{},
	})
	if err != nil {
		return nil, err
	}
	return &PostHogClient{client: client, config: config, version: version, initialized: true}, nil
}

func newClientWithEnqueuer(enq enqueuer, config Config, version string) *PostHogClient {
	return &PostHogClient{client: enq, config: config, version: version, initialized: true}
}

// Track sends an event. No-op when disabled or uninitialized.
func (c *PostHogClient) Track(event string, properties map[string]any) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized || !c.config.Enabled {
		return
	}

	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	props.Set("os", runtime.GOOS)
	props.Set("arch", runtime.GOARCH)
	props.Set("engine_version", c.version)
	// No person profiles: events stay anonymous.
	props.Set("$process_person_profile", false)

	_ = c.client.Enqueue(posthog.Capture{
		DistinctId: c.config.AnonymousID,
		Event:      event,
		Properties: props,
	})
}

// Close flushes the event queue.
func (c *PostHogClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// NoopClient discards all events.
type NoopClient struct{}

func (NoopClient) Track(string, map[string]any) {}
func (NoopClient) Close() error                 { return nil }

// NewNoopClient returns a client that does nothing.
func NewNoopClient() *NoopClient { return &NoopClient{} }

// quietLogger keeps PostHog transport warnings out of CLI output.
type quietLogger struct{}

func (quietLogger) Debugf(string, ...interface{}) {}
func (quietLogger) Logf(string, ...interface{})   {}
func (quietLogger) Warnf(string, ...interface{})  {}
func (quietLogger) Errorf(string, ...interface{}) {}
