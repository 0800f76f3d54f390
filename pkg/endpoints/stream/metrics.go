package stream

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/gridscout-relay/log"
)

type metrics struct {
	connections metric.Int64Counter
	messages    metric.Int64Counter
	skipped     metric.Int64Counter
}

func newMetrics(h *Handler) *metrics {
	meter := otel.GetMeterProvider().Meter("gridscout.stream")
	if _, err := meter.Int64ObservableGauge("gridscout.sse.clients",
		metric.WithDescription("Number of currently connected viewers"),
		metric.WithUnit("{count}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.NumViewers()))
			return nil
		})); err != nil {
		h.log.Error("failed to register metric",
			log.String("metric", "gridscout.sse.clients"), log.ErrorField(err))
	}
	m := &metrics{}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name,
			metric.WithDescription(desc),
			metric.WithUnit("{count}"))
		if err != nil {
			h.log.Error("failed to register metric",
				log.String("metric", name), log.ErrorField(err))
			return nil
		}
		return c
	}
	m.connections = counter("gridscout.sse.connections", "Total number of viewer connections")
	m.messages = counter("gridscout.sse.messages", "Total number of frames sent to viewers")
	m.skipped = counter("gridscout.sse.skipped", "Number of events skipped for slow viewers")
	return m
}

func (m *metrics) connected() {
	if m.connections != nil {
		m.connections.Add(context.Background(), 1)
	}
}

func (m *metrics) sent(event string) {
	if m.messages != nil {
		m.messages.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", event)))
	}
}

func (m *metrics) skip() {
	if m.skipped != nil {
		m.skipped.Add(context.Background(), 1)
	}
}
