package telemetry

import (
	"testing"

	"github.com/posthog/posthog-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureEnqueuer struct {
	events []posthog.Capture
	closed bool
}

func (c *captureEnqueuer) Enqueue(msg posthog.Message) error {
	if capture, ok := msg.(posthog.Capture); ok {
		c.events = append(c.events, capture)
	}
	return nil
}

func (c *captureEnqueuer) Close() error {
	c.closed = true
	return nil
}

func TestTrack_AddsStandardProperties(t *testing.T) {
	enq := &captureEnqueuer{}
	c := newClientWithEnqueuer(enq, Config{Enabled: true, AnonymousID: "anon-1"}, "1.2.3")

	c.Track(EventBriefSubmitted, Properties{"steps": 3})

	require.Len(t, enq.events, 1)
	ev := enq.events[0]
	assert.Equal(t, EventBriefSubmitted, ev.Event)
	assert.Equal(t, "anon-1", ev.DistinctId)
	assert.Equal(t, 3, ev.Properties["steps"])
	assert.Equal(t, "1.2.3", ev.Properties["engine_version"])
	assert.Equal(t, false, ev.Properties["$process_person_profile"])
}

func TestTrack_DisabledIsNoOp(t *testing.T) {
	enq := &captureEnqueuer{}
	c := newClientWithEnqueuer(enq, Config{Enabled: false}, "dev")

	c.Track(EventBriefSubmitted, nil)
	assert.Empty(t, enq.events)
}

func TestNewPostHogClient_EmptyKeyIsInert(t *testing.T) {
	c, err := NewPostHogClient("", "dev", Config{Enabled: true})
	require.NoError(t, err)
	c.Track(EventBriefSubmitted, nil) // must not panic
	require.NoError(t, c.Close())
}

func TestClose_FlushesEnqueuer(t *testing.T) {
	enq := &captureEnqueuer{}
	c := newClientWithEnqueuer(enq, Config{Enabled: true}, "dev")
	require.NoError(t, c.Close())
	assert.True(t, enq.closed)
}
