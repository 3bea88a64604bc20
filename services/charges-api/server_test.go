package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pixcharge/kv"
	"pixcharge/services/charges-api/models"
	"pixcharge/signing"
)

const (
	testSecret = "test-webhook-secret"
	testAPIKey = "test-api-key"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyStore wraps a kv.Store and fails selected operations, standing in
// for an unreachable key store.
type faultyStore struct {
	kv.Store
	failExists bool
	failGet    bool
}

var errStoreDown = errors.New("key store unavailable")

func (f *faultyStore) Exists(ctx context.Context, key string) (bool, error) {
	if f.failExists {
		return false, errStoreDown
	}
	return f.Store.Exists(ctx, key)
}

func (f *faultyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if f.failGet {
		return "", false, errStoreDown
	}
	return f.Store.Get(ctx, key)
}

type testEnv struct {
	srv   *Server
	db    *gorm.DB
	clock *fakeClock
	store *faultyStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	clock := &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	store := &faultyStore{Store: kv.NewMemory(kv.WithClock(clock.Now))}

	srv := NewServer(ServerConfig{
		DB:          db,
		Oracle:      NewExpirationOracle(store, 30*time.Minute),
		Idempotency: NewIdempotencyStore(store, 5*time.Minute),
		Cache:       store,
		Secret:      testSecret,
		APIKey:      testAPIKey,
		MaxSkew:     5 * time.Minute,
		CacheTTL:    time.Minute,
		Now:         clock.Now,
	})
	return &testEnv{srv: srv, db: db, clock: clock, store: store}
}

func (e *testEnv) createCharge(t *testing.T, value string) models.Charge {
	t.Helper()
	body := fmt.Sprintf(`{"value": %q}`, value)
	req := httptest.NewRequest(http.MethodPost, "/payment/charges", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID         uint   `json:"id"`
		ExternalID string `json:"external_id"`
		Status     string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(models.StatusPending), resp.Status)

	var charge models.Charge
	require.NoError(t, e.db.First(&charge, "id = ?", resp.ID).Error)
	return charge
}

type webhookOpts struct {
	idemKey   string
	signature string
	timestamp string
}

func (e *testEnv) postWebhook(t *testing.T, payload map[string]any, opts webhookOpts) *httptest.ResponseRecorder {
	t.Helper()
	body, err := signing.CanonicalBody(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/pix", bytes.NewReader(body))
	if opts.signature == "" {
		opts.signature = signing.Sign(testSecret, body)
	}
	if opts.timestamp == "" {
		opts.timestamp = signing.FormatTimestamp(e.clock.Now())
	}
	req.Header.Set(signing.HeaderSignature, opts.signature)
	req.Header.Set(signing.HeaderTimestamp, opts.timestamp)
	if opts.idemKey != "" {
		req.Header.Set("Idempotency-Key", opts.idemKey)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func paidPayload(charge models.Charge) map[string]any {
	return map[string]any{
		"event_id":    "evt_" + uuid.NewString(),
		"external_id": charge.ExternalID,
		"value":       charge.Value,
		"status":      "PAID",
	}
}

func TestCreateChargeRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/payment/charges", bytes.NewBufferString(`{"value":"10.00"}`))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/payment/charges", bytes.NewBufferString(`{"value":"10.00"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateChargeValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{`{}`, `{"value":"0"}`, `{"value":"-5"}`, `not-json`} {
		req := httptest.NewRequest(http.MethodPost, "/payment/charges", bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestWebhookConfirmsPayment(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "150.75")

	rec := env.postWebhook(t, paidPayload(charge), webhookOpts{idemKey: uuid.NewString()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"message":"Payment confirmed"}`, rec.Body.String())

	var updated models.Charge
	require.NoError(t, env.db.First(&updated, "id = ?", charge.ID).Error)
	require.Equal(t, models.StatusPaid, updated.Status)
	require.NotNil(t, updated.PaidAt)
	require.True(t, updated.Value.Equal(decimal.RequireFromString("150.75")))

	armed, err := env.srv.Oracle.IsArmed(context.Background(), charge.ExternalID)
	require.NoError(t, err)
	require.False(t, armed, "ttl key should be disarmed after payment")
}

func TestWebhookIdempotentReplayReturnsIdenticalBody(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "20.00")
	key := uuid.NewString()
	payload := paidPayload(charge)

	first := env.postWebhook(t, payload, webhookOpts{idemKey: key})
	require.Equal(t, http.StatusOK, first.Code)

	second := env.postWebhook(t, payload, webhookOpts{idemKey: key})
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	var count int64
	require.NoError(t, env.db.Model(&models.Charge{}).
		Where("external_id = ? AND status = ?", charge.ExternalID, models.StatusPaid).
		Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "10.00")

	rec := env.postWebhook(t, paidPayload(charge), webhookOpts{
		idemKey:   uuid.NewString(),
		signature: signing.Sign("wrong-secret", []byte(`{}`)),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var unchanged models.Charge
	require.NoError(t, env.db.First(&unchanged, "id = ?", charge.ID).Error)
	require.Equal(t, models.StatusPending, unchanged.Status)
}

func TestWebhookRejectsStaleTimestamp(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "10.00")

	stale := signing.FormatTimestamp(env.clock.Now().Add(-10 * time.Minute))
	rec := env.postWebhook(t, paidPayload(charge), webhookOpts{
		idemKey:   uuid.NewString(),
		timestamp: stale,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRequiresIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "10.00")

	rec := env.postWebhook(t, paidPayload(charge), webhookOpts{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookIgnoresNonPaidStatus(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "10.00")

	payload := paidPayload(charge)
	payload["status"] = "REFUSED"
	rec := env.postWebhook(t, payload, webhookOpts{idemKey: uuid.NewString()})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":"Ignored"}`, rec.Body.String())

	var unchanged models.Charge
	require.NoError(t, env.db.First(&unchanged, "id = ?", charge.ID).Error)
	require.Equal(t, models.StatusPending, unchanged.Status)
}

func TestWebhookUnknownCharge(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]any{
		"event_id":    "evt_" + uuid.NewString(),
		"external_id": uuid.NewString(),
		"value":       "10.00",
		"status":      "PAID",
	}
	rec := env.postWebhook(t, payload, webhookOpts{idemKey: uuid.NewString()})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookTerminalChargeAbsorbed(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "10.00")

	first := env.postWebhook(t, paidPayload(charge), webhookOpts{idemKey: uuid.NewString()})
	require.Equal(t, http.StatusOK, first.Code)

	// Fresh idempotency key, so the pipeline reaches the state machine.
	second := env.postWebhook(t, paidPayload(charge), webhookOpts{idemKey: uuid.NewString()})
	require.Equal(t, http.StatusOK, second.Code)
	require.JSONEq(t, `{"message":"Charge already processed"}`, second.Body.String())
}

func TestWebhookExpiredChargeIgnored(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "10.00")

	env.clock.Advance(31 * time.Minute)

	rec := env.postWebhook(t, paidPayload(charge), webhookOpts{idemKey: uuid.NewString()})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":"Expired charge ignored"}`, rec.Body.String())

	var expired models.Charge
	require.NoError(t, env.db.First(&expired, "id = ?", charge.ID).Error)
	require.Equal(t, models.StatusExpired, expired.Status)
	require.Nil(t, expired.PaidAt)
}

func TestWebhookValueMismatchDoesNotConsumeKey(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "100.00")
	key := uuid.NewString()

	payload := paidPayload(charge)
	payload["value"] = "99.99"
	rec := env.postWebhook(t, payload, webhookOpts{idemKey: key})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"Invalid value"}`, rec.Body.String())

	var unchanged models.Charge
	require.NoError(t, env.db.First(&unchanged, "id = ?", charge.ID).Error)
	require.Equal(t, models.StatusPending, unchanged.Status)

	// Same key with the corrected value still goes through.
	retry := env.postWebhook(t, paidPayload(charge), webhookOpts{idemKey: key})
	require.Equal(t, http.StatusOK, retry.Code)
	require.JSONEq(t, `{"message":"Payment confirmed"}`, retry.Body.String())
}

func TestWebhookOracleOutageDoesNotConsumeKey(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "10.00")
	key := uuid.NewString()

	env.store.failExists = true
	rec := env.postWebhook(t, paidPayload(charge), webhookOpts{idemKey: key})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var unchanged models.Charge
	require.NoError(t, env.db.First(&unchanged, "id = ?", charge.ID).Error)
	require.Equal(t, models.StatusPending, unchanged.Status)

	// The oracle recovers; the same key must still go through because the
	// failure never committed it.
	env.store.failExists = false
	retry := env.postWebhook(t, paidPayload(charge), webhookOpts{idemKey: key})
	require.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
	require.JSONEq(t, `{"message":"Payment confirmed"}`, retry.Body.String())
}

func TestWebhookIdempotencyOutageDoesNotConsumeKey(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "10.00")
	key := uuid.NewString()

	env.store.failGet = true
	rec := env.postWebhook(t, paidPayload(charge), webhookOpts{idemKey: key})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var unchanged models.Charge
	require.NoError(t, env.db.First(&unchanged, "id = ?", charge.ID).Error)
	require.Equal(t, models.StatusPending, unchanged.Status)

	env.store.failGet = false
	retry := env.postWebhook(t, paidPayload(charge), webhookOpts{idemKey: key})
	require.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
	require.JSONEq(t, `{"message":"Payment confirmed"}`, retry.Body.String())
}

func TestGetChargeLazyExpiration(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "10.00")

	env.clock.Advance(31 * time.Minute)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/payment/charges/%d", charge.ID), nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(models.StatusExpired), resp.Status)

	var expired models.Charge
	require.NoError(t, env.db.First(&expired, "id = ?", charge.ID).Error)
	require.Equal(t, models.StatusExpired, expired.Status)
}

func TestGetChargeNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/payment/charges/999", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetChargeServedFromCache(t *testing.T) {
	env := newTestEnv(t)
	charge := env.createCharge(t, "10.00")

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/payment/charges/%d", charge.ID), nil)
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	first := get()
	require.Equal(t, http.StatusOK, first.Code)

	// Mutate the row behind the cache; the cached body should still win until
	// the TTL lapses.
	require.NoError(t, env.db.Model(&models.Charge{}).
		Where("id = ?", charge.ID).
		Update("status", models.StatusPaid).Error)

	second := get()
	require.Equal(t, first.Body.String(), second.Body.String())

	env.clock.Advance(2 * time.Minute)
	third := get()
	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &resp))
	require.Equal(t, string(models.StatusPaid), resp.Status)
}
