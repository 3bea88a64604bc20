package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"

	"pixcharge/observability"
	"pixcharge/signing"
)

// maxErrorBody bounds how much of an upstream response is kept for logs and
// dead letters.
const maxErrorBody = 1024

// RetryPolicy controls delivery attempts and pacing.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Timeout      time.Duration
}

// Delivery is one webhook to push to the receiver.
type Delivery struct {
	EventID    string
	ExternalID string
	URL        string
	Payload    []byte
}

// DeliveryResult summarizes the outcome of a delivery run.
type DeliveryResult struct {
	Delivered  bool
	Attempts   int
	StatusCode int
	LastError  string
}

// Dispatcher pushes signed webhooks with exponential backoff and dead-letters
// exhausted or rejected deliveries.
type Dispatcher struct {
	client *http.Client
	secret string
	policy RetryPolicy
	dlq    *DLQStore
	log    *slog.Logger

	// Injectable for tests.
	now    func() time.Time
	wait   func(context.Context, time.Duration) bool
	jitter func(time.Duration) time.Duration
}

// NewDispatcher wires a dispatcher against the dead letter store.
func NewDispatcher(secret string, policy RetryPolicy, dlq *DLQStore, logger *slog.Logger) *Dispatcher {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.Timeout <= 0 {
		policy.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client: &http.Client{},
		secret: secret,
		policy: policy,
		dlq:    dlq,
		log:    logger,
		now:    time.Now,
		wait:   waitRetry,
		jitter: defaultJitter,
	}
}

// waitRetry blocks for the backoff delay, returning false early when the
// context is cancelled so a caller abandoning the delivery does not sit out
// the remaining backoff.
func waitRetry(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// defaultJitter spreads a delay uniformly within ±20% so synchronized retries
// from many deliveries do not stampede the receiver.
func defaultJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(delay) * factor)
}

// backoffDelay returns the base delay before the given retry (attempt starts
// at 1 for the first retry).
func (d *Dispatcher) backoffDelay(retry int) time.Duration {
	delay := float64(d.policy.InitialDelay) * math.Pow(d.policy.Multiplier, float64(retry-1))
	if ceiling := float64(d.policy.MaxDelay); d.policy.MaxDelay > 0 && delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay)
}

// Send runs the attempt loop for one delivery. It never touches the dead
// letter store, so the same loop serves both first dispatch and DLQ replay.
//
// 2xx is delivered. 4xx means the receiver rejected the payload itself and a
// retry with identical bytes cannot succeed, so the loop stops immediately.
// Everything else (5xx, timeouts, connection errors) retries until the policy
// is exhausted.
func (d *Dispatcher) Send(ctx context.Context, delivery Delivery) DeliveryResult {
	signature := signing.Sign(d.secret, delivery.Payload)
	result := DeliveryResult{}

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		result.Attempts = attempt
		status, errMsg := d.attempt(ctx, delivery, signature)
		result.StatusCode = status
		result.LastError = errMsg

		if status >= 200 && status < 300 {
			result.Delivered = true
			observability.Delivery().Record(observability.OutcomeDelivered)
			d.log.Info("webhook delivered",
				"event_id", delivery.EventID,
				"attempt", attempt,
				"status", status,
			)
			return result
		}

		if status >= 400 && status < 500 {
			observability.Delivery().Record(observability.OutcomeRejected)
			d.log.Warn("webhook rejected, not retrying",
				"event_id", delivery.EventID,
				"attempt", attempt,
				"status", status,
				"response", errMsg,
			)
			return result
		}

		d.log.Warn("webhook attempt failed",
			"event_id", delivery.EventID,
			"attempt", attempt,
			"status", status,
			"error", errMsg,
		)

		if attempt == d.policy.MaxAttempts {
			break
		}
		observability.Delivery().Record(observability.OutcomeRetried)
		if !d.wait(ctx, d.jitter(d.backoffDelay(attempt))) {
			result.LastError = ctx.Err().Error()
			return result
		}
	}
	return result
}

// attempt performs a single signed POST. The timestamp header is stamped per
// attempt so a delivery that has been retrying for minutes still passes the
// receiver's freshness window; the signature covers only the body, so it does
// not change.
func (d *Dispatcher) attempt(ctx context.Context, delivery Delivery, signature string) (status int, errMsg string) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.policy.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderSignature, signature)
	req.Header.Set(signing.HeaderTimestamp, signing.FormatTimestamp(d.now()))
	req.Header.Set(signing.HeaderEventID, delivery.EventID)
	req.Header.Set(signing.HeaderRequestID, uuid.NewString())
	req.Header.Set("Idempotency-Key", delivery.EventID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err.Error()
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, ""
	}
	return resp.StatusCode, fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

// Dispatch delivers a webhook and appends a dead letter when delivery fails
// permanently. The stored headers omit the signature; replays re-sign.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) (DeliveryResult, error) {
	result := d.Send(ctx, delivery)
	if result.Delivered {
		return result, nil
	}

	rec := DLQRecord{
		TS:         d.now().UTC(),
		EventID:    delivery.EventID,
		ExternalID: delivery.ExternalID,
		URL:        delivery.URL,
		Payload:    delivery.Payload,
		Headers: map[string]string{
			"Content-Type":        "application/json",
			signing.HeaderEventID: delivery.EventID,
			"Idempotency-Key":     delivery.EventID,
		},
		Attempts:       result.Attempts,
		LastStatusCode: result.StatusCode,
		LastError:      result.LastError,
	}
	if err := d.dlq.Append(rec); err != nil {
		d.log.Error("append dead letter", "error", err, "event_id", delivery.EventID)
		return result, err
	}
	observability.Delivery().Record(observability.OutcomeDeadLettered)
	d.log.Error("webhook dead-lettered",
		"event_id", delivery.EventID,
		"attempts", result.Attempts,
		"status", result.StatusCode,
	)
	return result, nil
}

// Replay re-sends a dead letter and marks it replayed on success.
func (d *Dispatcher) Replay(ctx context.Context, rec DLQRecord) (DeliveryResult, error) {
	result := d.Send(ctx, Delivery{
		EventID:    rec.EventID,
		ExternalID: rec.ExternalID,
		URL:        rec.URL,
		Payload:    rec.Payload,
	})
	if !result.Delivered {
		return result, nil
	}
	if err := d.dlq.MarkReplayed(rec.EventID, d.now()); err != nil {
		return result, err
	}
	observability.Delivery().Record(observability.OutcomeReplayed)
	d.log.Info("dead letter replayed", "event_id", rec.EventID, "attempts", result.Attempts)
	return result, nil
}
