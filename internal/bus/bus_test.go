package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
	"github.com/t77yq/rmm-automation/internal/testutil"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "event.alert.raised", EventSubject("alert.raised"))
	assert.Equal(t, "event.disk_full", EventSubject("disk_full"))
	assert.Equal(t, "event.a.b_c", EventSubject(".a..b c."))
	assert.Equal(t, "agent.host_example_com.command", CommandSubject("host.example.com"))
	assert.Equal(t, "agent._.command", CommandSubject(""))
}

func TestBus_SetupIsIdempotent(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)

	_, err := New(js, zap.NewNop(), Config{})
	require.NoError(t, err)
	_, err = New(js, zap.NewNop(), Config{MaxAge: time.Hour})
	require.NoError(t, err)

	for _, name := range []string{eventStreamName, telemetryStream, commandStreamName} {
		require.NoError(t, testutil.WaitForStream(t, js, name, 5*time.Second))
	}
	info, err := js.StreamInfo(eventStreamName)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, info.Config.MaxAge)
}

func TestBus_EventRoundTrip(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	b, err := New(js, zap.NewNop(), Config{})
	require.NoError(t, err)
	defer b.Close()

	received := make(chan model.Event, 1)
	require.NoError(t, b.SubscribeEvents(func(_ context.Context, key string, ev model.Event) error {
		assert.NotEmpty(t, key)
		received <- ev
		return nil
	}))

	ev := model.NewEvent("disk_full")
	ev.Payload["device_id"] = "d1"
	require.NoError(t, b.Publish(context.Background(), ev))

	select {
	case got := <-received:
		assert.Equal(t, "disk_full", got.Type)
		assert.Equal(t, "d1", got.DeviceID())
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_NakRedelivers(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	b, err := New(js, zap.NewNop(), Config{AckWait: 2 * time.Second})
	require.NoError(t, err)
	defer b.Close()

	var calls atomic.Int32
	keys := make(chan string, 2)
	done := make(chan struct{})
	require.NoError(t, b.SubscribeEvents(func(_ context.Context, key string, _ model.Event) error {
		keys <- key
		if calls.Add(1) == 1 {
			return errors.New("store unavailable")
		}
		close(done)
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), model.NewEvent("patch.failed")))

	select {
	case <-done:
		assert.Equal(t, int32(2), calls.Load())
		first, second := <-keys, <-keys
		assert.Equal(t, eventStreamName+":1", first)
		assert.Equal(t, first, second, "redelivery keeps the delivery key")
	case <-time.After(10 * time.Second):
		t.Fatal("event not redelivered")
	}
}

func TestBus_AlertEventsDeduplicated(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	b, err := New(js, zap.NewNop(), Config{})
	require.NoError(t, err)

	alert := &model.Alert{ID: "a1", DeviceID: "d1", Metric: "cpu", Value: 92, Threshold: 85, CreatedAt: time.Now()}
	ev := model.NewAlertEvent(alert)
	require.NoError(t, b.Publish(context.Background(), ev))
	require.NoError(t, b.Publish(context.Background(), ev))

	info, err := js.StreamInfo(eventStreamName)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestBus_TelemetryRoundTrip(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	b, err := New(js, zap.NewNop(), Config{})
	require.NoError(t, err)
	defer b.Close()

	received := make(chan *model.TelemetrySample, 1)
	require.NoError(t, b.SubscribeTelemetry(func(_ context.Context, s *model.TelemetrySample) error {
		received <- s
		return nil
	}))

	sample := &model.TelemetrySample{DeviceID: "d1", Timestamp: time.Now().UTC(),
		Metrics: map[string]*float64{"cpu": model.Float(92), "disk": nil}}
	require.NoError(t, b.PublishSample(context.Background(), sample))

	select {
	case got := <-received:
		assert.Equal(t, "d1", got.DeviceID)
		v, ok := got.Value("cpu")
		require.True(t, ok)
		assert.Equal(t, 92.0, v)
		_, ok = got.Value("disk")
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("sample not delivered")
	}
}

func TestBus_SendCommand(t *testing.T) {
	_, nc, js := testutil.StartJetStream(t)
	b, err := New(js, zap.NewNop(), Config{})
	require.NoError(t, err)

	msgs := testutil.CollectMessages(t, nc, "agent.*.command")

	cmd := model.AgentCommand{ID: "c1", DeviceID: "d1", Action: "isolate", IssuedAt: time.Now().UTC()}
	require.NoError(t, b.SendCommand(context.Background(), cmd))

	select {
	case msg := <-msgs:
		assert.Equal(t, "agent.d1.command", msg.Subject)
		var got model.AgentCommand
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "isolate", got.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("command not delivered")
	}
}
