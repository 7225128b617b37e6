package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/metrics"
	"github.com/t77yq/rmm-automation/internal/model"
	storetest "github.com/t77yq/rmm-automation/internal/testutil"
	"github.com/t77yq/rmm-automation/internal/worker"
)

type recordingProcessor struct {
	mu      sync.Mutex
	samples []*model.TelemetrySample
	done    chan struct{}
}

func (p *recordingProcessor) Process(_ context.Context, sample *model.TelemetrySample) ([]string, error) {
	p.mu.Lock()
	p.samples = append(p.samples, sample)
	p.mu.Unlock()
	if p.done != nil {
		p.done <- struct{}{}
	}
	return nil, nil
}

type fullPool struct{ err error }

func (p fullPool) Submit(worker.Task) error { return p.err }

func sample() *model.TelemetrySample {
	return &model.TelemetrySample{
		DeviceID:  "d1",
		Timestamp: time.Now().UTC(),
		Metrics:   map[string]*float64{"cpu": model.Float(92)},
	}
}

func TestIngest_StoresAndQueuesEvaluation(t *testing.T) {
	store := storetest.NewStore(t)
	pool := worker.NewPool(worker.Config{Workers: 1, QueueSize: 4}, zap.NewNop(), nil)
	defer pool.Stop(context.Background())

	processor := &recordingProcessor{done: make(chan struct{}, 1)}
	svc := NewService(store, pool, processor, zap.NewNop(), nil)

	id, err := svc.Ingest(context.Background(), sample())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case <-processor.done:
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation did not run")
	}

	stored, err := store.ListSamples(context.Background(), "d1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ID)
}

func TestIngest_RejectsInvalidSample(t *testing.T) {
	store := storetest.NewStore(t)
	svc := NewService(store, fullPool{}, &recordingProcessor{}, zap.NewNop(), nil)

	s := sample()
	s.DeviceID = ""
	_, err := svc.Ingest(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))

	_, err = svc.Ingest(context.Background(), nil)
	assert.True(t, errors.Is(err, model.ErrValidation))

	stored, err := store.ListSamples(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestIngest_QueueFullStillSucceeds(t *testing.T) {
	store := storetest.NewStore(t)
	reg := prometheus.NewRegistry()
	svc := NewService(store, fullPool{err: worker.ErrQueueFull}, &recordingProcessor{}, zap.NewNop(), metrics.New(reg))

	id, err := svc.Ingest(context.Background(), sample())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	expected := `
# HELP rmm_ingest_samples_total Telemetry samples accepted at the ingestion boundary.
# TYPE rmm_ingest_samples_total counter
rmm_ingest_samples_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "rmm_ingest_samples_total"))
}

func TestIngest_UnexpectedSubmitError(t *testing.T) {
	store := storetest.NewStore(t)
	svc := NewService(store, fullPool{err: errors.New("boom")}, &recordingProcessor{}, zap.NewNop(), nil)

	id, err := svc.Ingest(context.Background(), sample())
	require.Error(t, err)
	assert.NotEmpty(t, id)
}
