package hub

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/gridscout-relay/log"
)

type metrics struct {
	events   metric.Int64Counter
	failures metric.Int64Counter
}

//nolint:lll // readability
func newMetrics(h *Hub) *metrics {
	meter := otel.GetMeterProvider().Meter("gridscout.hub")
	register := func(metricName, desc, unit string, valueProvider func() int64) {
		if _, err := meter.Int64ObservableGauge(
			metricName,
			metric.WithDescription(desc),
			metric.WithUnit(unit),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(valueProvider())
				return nil
			})); err != nil {
			h.log.Error("failed to register metric",
				log.String("metric", metricName),
				log.ErrorField(err))
		}
	}
	type data struct {
		name  string
		desc  string
		unit  string
		value func() int64
	}
	for _, d := range []*data{
		{
			"gridscout.upstream.connected", "Realtime feed connection state (1 = connected)", "{state}",
			func() int64 {
				if h.Connected() {
					return 1
				}
				return 0
			},
		},
		{
			"gridscout.hub.subscribers", "Number of hub subscribers", "{count}",
			func() int64 { return int64(h.NumSubscribers()) },
		},
	} {
		register(d.name, d.desc, d.unit, d.value)
	}

	m := &metrics{}
	var err error
	if m.events, err = meter.Int64Counter("gridscout.upstream.events",
		metric.WithDescription("Number of events emitted by the hub"),
		metric.WithUnit("{count}")); err != nil {
		h.log.Error("failed to register metric", log.ErrorField(err))
	}
	if m.failures, err = meter.Int64Counter("gridscout.hub.callback_failures",
		metric.WithDescription("Number of failed subscriber callbacks"),
		metric.WithUnit("{count}")); err != nil {
		h.log.Error("failed to register metric", log.ErrorField(err))
	}
	return m
}

func (m *metrics) event(eventType string) {
	if m.events != nil {
		m.events.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", eventType)))
	}
}

func (m *metrics) panicked() {
	if m.failures != nil {
		m.failures.Add(context.Background(), 1)
	}
}
