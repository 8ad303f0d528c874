package audio

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all pipeline metrics.
const meterName = "audiocode-go/services/audio"

var (
	attrCapture   = metric.WithAttributes(attribute.String("ring", "capture"))
	attrPlayback  = metric.WithAttributes(attribute.String("ring", "playback"))
	attrReference = metric.WithAttributes(attribute.String("ring", "reference"))
	attrRaw       = metric.WithAttributes(attribute.String("ring", "raw"))
)

// metrics holds the pipeline instruments. All fields are safe for
// concurrent use.
type metrics struct {
	frames     metric.Int64Counter // attribute direction=capture|playback
	overflows  metric.Int64Counter // attribute ring=...
	underruns  metric.Int64Counter
	busRetries metric.Int64Counter
	faults     metric.Int64Counter
	refDrops   metric.Int64Counter
	vadActive  metric.Int64Counter
	level      metric.Int64ObservableGauge
}

func newMetrics(mp metric.MeterProvider, c *Controller) (*metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &metrics{}

	if met.frames, err = m.Int64Counter("audio.frames",
		metric.WithDescription("Frames moved through the pipeline."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.overflows, err = m.Int64Counter("audio.ring.overflows",
		metric.WithDescription("Ring writes truncated because the ring was full."),
	); err != nil {
		return nil, err
	}
	if met.underruns, err = m.Int64Counter("audio.playback.underruns",
		metric.WithDescription("Playback frames padded with silence."),
	); err != nil {
		return nil, err
	}
	if met.busRetries, err = m.Int64Counter("audio.codec.bus_retries",
		metric.WithDescription("Codec register transactions that were retried."),
	); err != nil {
		return nil, err
	}
	if met.faults, err = m.Int64Counter("audio.pipeline.faults",
		metric.WithDescription("Transitions into the faulted state."),
	); err != nil {
		return nil, err
	}
	if met.refDrops, err = m.Int64Counter("audio.reference.drops",
		metric.WithDescription("Capture frames processed without an echo reference."),
	); err != nil {
		return nil, err
	}
	if met.vadActive, err = m.Int64Counter("audio.vad.activations",
		metric.WithDescription("Voice activity onsets."),
	); err != nil {
		return nil, err
	}
	if met.level, err = m.Int64ObservableGauge("audio.ring.level",
		metric.WithDescription("Ring fill level."),
		metric.WithUnit("%"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s := c.Stats()
			o.Observe(int64(s.CaptureLevelPct), attrCapture)
			o.Observe(int64(s.PlaybackLevelPct), attrPlayback)
			return nil
		}),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	dirCapture  = metric.WithAttributes(attribute.String("direction", "capture"))
	dirPlayback = metric.WithAttributes(attribute.String("direction", "playback"))
)
