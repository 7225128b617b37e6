// Package sampler reads host utilisation and reports it as telemetry.
package sampler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
)

// Probe reads one metric as a percentage.
type Probe func(ctx context.Context) (float64, error)

// SampleSink receives collected samples, e.g. the ingestion service or the bus.
type SampleSink func(ctx context.Context, sample *model.TelemetrySample) error

// Config defines the sampled device and probe settings
type Config struct {
	DeviceID    string
	DiskPath    string
	CPUInterval time.Duration
}

// Collector samples the local host
type Collector struct {
	logger *zap.Logger
	config Config
	probes map[string]Probe
	sink   SampleSink
	now    func() time.Time
}

// NewCollector creates a collector with the cpu, memory and disk probes.
func NewCollector(config Config, sink SampleSink, logger *zap.Logger) *Collector {
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	if config.CPUInterval <= 0 {
		config.CPUInterval = time.Second
	}

	c := &Collector{
		logger: logger.Named("sampler"),
		config: config,
		sink:   sink,
		now:    time.Now,
	}
	c.probes = map[string]Probe{
		"cpu":    c.cpuPercent,
		"memory": memoryPercent,
		"disk":   c.diskPercent,
	}
	return c
}

// SetProbe adds or replaces the probe for metric.
func (c *Collector) SetProbe(metric string, probe Probe) {
	c.probes[metric] = probe
}

// Collect runs every probe. A failing probe reports its metric as absent.
func (c *Collector) Collect(ctx context.Context) *model.TelemetrySample {
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	sample := &model.TelemetrySample{
		DeviceID:  c.config.DeviceID,
		Timestamp: c.now().UTC(),
		Metrics:   make(map[string]*float64, len(names)),
	}
	for _, name := range names {
		v, err := c.probes[name](ctx)
		if err != nil {
			c.logger.Error("Failed to read metric",
				zap.String("metric", name),
				zap.Error(err))
			sample.Metrics[name] = nil
			continue
		}
		sample.Metrics[name] = model.Float(v)
	}
	return sample
}

// Run collects one sample and hands it to the sink.
func (c *Collector) Run(ctx context.Context) error {
	sample := c.Collect(ctx)
	if err := c.sink(ctx, sample); err != nil {
		return fmt.Errorf("failed to submit sample: %w", err)
	}

	fields := []zap.Field{zap.String("device_id", sample.DeviceID)}
	for name, v := range sample.Metrics {
		if v != nil {
			fields = append(fields, zap.Float64(name, *v))
		}
	}
	c.logger.Debug("Host sample collected", fields...)
	return nil
}

func (c *Collector) cpuPercent(ctx context.Context) (float64, error) {
	percent, err := cpu.PercentWithContext(ctx, c.config.CPUInterval, false)
	if err != nil {
		return 0, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(percent) == 0 {
		return 0, fmt.Errorf("no CPU usage reported")
	}
	return percent[0], nil
}

func memoryPercent(ctx context.Context) (float64, error) {
	info, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get memory usage: %w", err)
	}
	return info.UsedPercent, nil
}

func (c *Collector) diskPercent(ctx context.Context) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, c.config.DiskPath)
	if err != nil {
		return 0, fmt.Errorf("failed to get disk usage: %w", err)
	}
	return usage.UsedPercent, nil
}
