package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-dmtp/pkg/service"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	fail bool
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("nats down")
	}
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[subject] = append(p.msgs[subject], data)
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs[subject])
}

func TestRunForwardsEvents(t *testing.T) {
	pub := &recordingPublisher{}
	sink := New(pub, "", nil)

	events := make(chan service.Event, 3)
	events <- service.Event{Type: service.EventOnline, Service: "s", Identity: "A", Time: time.Now()}
	events <- service.Event{Type: service.EventClosed, Service: "s", Identity: "A", Reason: "bye", Time: time.Now()}
	close(events)

	require.NoError(t, sink.Run(context.Background(), events))
	assert.Equal(t, 1, pub.count("dmtp.events.online"))
	assert.Equal(t, 1, pub.count("dmtp.events.closed"))

	var ev service.Event
	require.NoError(t, json.Unmarshal(pub.msgs["dmtp.events.closed"][0], &ev))
	assert.Equal(t, "A", ev.Identity)
	assert.Equal(t, "bye", ev.Reason)
}

func TestRunSurvivesPublishErrors(t *testing.T) {
	pub := &recordingPublisher{fail: true}
	sink := New(pub, "custom", nil)
	require.Error(t, sink.Publish(service.Event{Type: service.EventRejected}))

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan service.Event)
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx, events) }()

	events <- service.Event{Type: service.EventRejected}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sink did not stop with its context")
	}
	assert.Equal(t, "custom.rejected", sink.Subject(service.Event{Type: service.EventRejected}))
}

func TestConnectFailure(t *testing.T) {
	_, err := Connect(Options{URL: "nats://127.0.0.1:1", ConnectionOptions: []nats.Option{nats.Timeout(200 * time.Millisecond)}})
	require.Error(t, err)
}
