package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Delivery outcomes recorded by the bank webhook dispatcher.
const (
	OutcomeDelivered    = "delivered"
	OutcomeRetried      = "retried"
	OutcomeRejected     = "rejected"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeReplayed     = "replayed"
)

var (
	deliveryOnce   sync.Once
	sharedDelivery *DeliveryMetrics
)

// DeliveryMetrics counts webhook delivery outcomes.
type DeliveryMetrics struct {
	outcomes metric.Int64Counter
}

// Delivery returns the shared delivery counter, lazily registered against the
// global meter provider with a noop fallback.
func Delivery() *DeliveryMetrics {
	deliveryOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("pixcharge/bank-sim")
		counter, err := meter.Int64Counter("pixcharge.bank.webhooks.outcomes")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("pixcharge/bank-sim")
			counter, _ = fallback.Int64Counter("pixcharge.bank.webhooks.outcomes")
		}
		sharedDelivery = &DeliveryMetrics{outcomes: counter}
	})
	return sharedDelivery
}

// Record increments the outcome counter.
func (m *DeliveryMetrics) Record(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
