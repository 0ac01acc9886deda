// Package webhook delivers integration lifecycle events to registered HTTP
// endpoints with HMAC-SHA256 signing, per-endpoint retry policies, and
// delivery health tracking.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// RetryPolicy controls delivery retries for one endpoint.
type RetryPolicy struct {
	MaxRetries        int           `json:"maxRetries"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
	InitialDelay      time.Duration `json:"initialDelayMs"`
}

// DefaultRetryPolicy is applied to endpoints registered without one.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:        3,
	BackoffMultiplier: 2,
	InitialDelay:      time.Second,
}

// Config is a registered webhook destination.
type Config struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Events    []string          `json:"events"`
	Active    bool              `json:"active"`
	Secret    string            `json:"secret,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Retry     RetryPolicy       `json:"retry"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (c *Config) subscribed(eventType string) bool {
	for _, e := range c.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Attempt is one delivery try.
type Attempt struct {
	Timestamp    time.Time     `json:"timestamp"`
	StatusCode   int           `json:"statusCode,omitempty"`
	ResponseTime time.Duration `json:"responseTimeMs,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Status is the delivery state of an event. It moves monotonically:
// pending → retrying* → delivered | failed. A terminal event gains no further
// attempts except through an explicit manual retry, which resets it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Event is one delivery unit addressed to one endpoint.
type Event struct {
	ID        string                 `json:"id"`
	WebhookID string                 `json:"webhookId"`
	EventType string                 `json:"eventType"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
	Attempts  []Attempt              `json:"attempts"`
	Status    Status                 `json:"status"`
}

// HealthState grades an endpoint by its recent delivery success ratio.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Health summarizes an endpoint's recent deliveries.
type Health struct {
	Status       HealthState `json:"status"`
	RecentEvents int         `json:"recentEvents"`
	Delivered    int         `json:"delivered"`
	SuccessRate  float64     `json:"successRate"`
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager registers endpoints and delivers events to them.
type Manager struct {
	mu     sync.RWMutex
	hooks  map[string]*Config
	order  []string
	events map[string]*Event
	// perHook holds each endpoint's event ids, oldest first, bounded.
	perHook map[string][]string

	client    *http.Client
	logger    zerolog.Logger
	maxEvents int
	wg        sync.WaitGroup
	sleep     func(d time.Duration)
}

// NewManager creates a Manager. maxEvents bounds the per-endpoint event
// history; 0 means 1000.
func NewManager(client *http.Client, maxEvents int, logger zerolog.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Manager{
		hooks:     map[string]*Config{},
		events:    map[string]*Event{},
		perHook:   map[string][]string{},
		client:    client,
		logger:    logger.With().Str("component", "webhook").Logger(),
		maxEvents: maxEvents,
		sleep:     time.Sleep,
	}
}

// Register adds an endpoint. A missing id is generated and a missing retry
// policy gets the default.
func (m *Manager) Register(cfg Config) (*Config, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	if u, err := url.Parse(cfg.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("webhook: url must be http or https")
	}
	if len(cfg.Events) == 0 {
		return nil, fmt.Errorf("webhook: at least one event type is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.Retry.BackoffMultiplier <= 0 {
		cfg.Retry.BackoffMultiplier = DefaultRetryPolicy.BackoffMultiplier
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = DefaultRetryPolicy.InitialDelay
	}
	cfg.CreatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.hooks[cfg.ID]; exists {
		return nil, fmt.Errorf("webhook: endpoint %s already exists", cfg.ID)
	}
	stored := cfg
	m.hooks[cfg.ID] = &stored
	m.order = append(m.order, cfg.ID)

	out := stored
	return &out, nil
}

// Get returns a copy of one endpoint.
func (m *Manager) Get(id string) (*Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hooks[id]
	if !ok {
		return nil, false
	}
	out := *h
	return &out, true
}

// List returns all endpoints in registration order.
func (m *Manager) List() []Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Config, 0, len(m.order))
	for _, id := range m.order {
		if h, ok := m.hooks[id]; ok {
			out = append(out, *h)
		}
	}
	return out
}

// Update replaces an endpoint's mutable fields.
func (m *Manager) Update(id string, urlStr string, events []string, secret string, headers map[string]string, retry *RetryPolicy) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hooks[id]
	if !ok {
		return nil, fmt.Errorf("webhook: endpoint %s not found", id)
	}
	if urlStr != "" {
		h.URL = urlStr
	}
	if len(events) > 0 {
		h.Events = events
	}
	if secret != "" {
		h.Secret = secret
	}
	if headers != nil {
		h.Headers = headers
	}
	if retry != nil {
		h.Retry = *retry
	}
	out := *h
	return &out, nil
}

// Delete removes an endpoint.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[id]; !ok {
		return fmt.Errorf("webhook: endpoint %s not found", id)
	}
	delete(m.hooks, id)
	for i, hid := range m.order {
		if hid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetActive pauses or resumes an endpoint. Paused endpoints receive no
// events.
func (m *Manager) SetActive(id string, active bool) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hooks[id]
	if !ok {
		return nil, fmt.Errorf("webhook: endpoint %s not found", id)
	}
	h.Active = active
	out := *h
	return &out, nil
}

// Emit fans an event out to every active endpoint subscribed to its type.
// Deliveries run in the background; Flush waits for them.
func (m *Manager) Emit(eventType string, payload map[string]interface{}) {
	m.mu.Lock()
	var targets []*Config
	for _, id := range m.order {
		h := m.hooks[id]
		if h != nil && h.Active && h.subscribed(eventType) {
			copied := *h
			targets = append(targets, &copied)
		}
	}

	var queued []*Event
	for _, h := range targets {
		ev := &Event{
			ID:        uuid.New().String(),
			WebhookID: h.ID,
			EventType: eventType,
			Payload:   payload,
			Timestamp: time.Now(),
			Status:    StatusPending,
		}
		m.events[ev.ID] = ev
		m.trackLocked(h.ID, ev.ID)
		queued = append(queued, ev)
	}
	m.mu.Unlock()

	for i := range queued {
		hook := targets[i]
		eventID := queued[i].ID
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deliver(hook, eventID)
		}()
	}
}

// Flush blocks until all in-flight deliveries finish.
func (m *Manager) Flush() {
	m.wg.Wait()
}

// trackLocked appends an event id to an endpoint's history, evicting the
// oldest beyond the bound. Callers hold m.mu.
func (m *Manager) trackLocked(hookID, eventID string) {
	ids := append(m.perHook[hookID], eventID)
	for len(ids) > m.maxEvents {
		delete(m.events, ids[0])
		ids = ids[1:]
	}
	m.perHook[hookID] = ids
}

// RetryEvent manually re-delivers an event, resetting its attempts and
// status. This is the only path that restarts a terminal event.
func (m *Manager) RetryEvent(eventID string) error {
	m.mu.Lock()
	ev, ok := m.events[eventID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("webhook: event %s not found", eventID)
	}
	hook, ok := m.hooks[ev.WebhookID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("webhook: endpoint %s not found", ev.WebhookID)
	}
	ev.Attempts = nil
	ev.Status = StatusPending
	copied := *hook
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.deliver(&copied, eventID)
	}()
	return nil
}

// Events returns an endpoint's event history, oldest first.
func (m *Manager) Events(hookID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.perHook[hookID]
	out := make([]Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := m.events[id]; ok {
			out = append(out, *ev)
		}
	}
	return out
}

// Event returns one event by id.
func (m *Manager) Event(eventID string) (*Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[eventID]
	if !ok {
		return nil, false
	}
	out := *ev
	return &out, true
}

// HealthOf grades an endpoint from its last 100 events' success ratio:
// at least 99% healthy, at least 95% degraded, below that unhealthy.
func (m *Manager) HealthOf(hookID string) Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.perHook[hookID]
	if len(ids) > 100 {
		ids = ids[len(ids)-100:]
	}

	settled := 0
	delivered := 0
	for _, id := range ids {
		ev, ok := m.events[id]
		if !ok || (ev.Status != StatusDelivered && ev.Status != StatusFailed) {
			continue
		}
		settled++
		if ev.Status == StatusDelivered {
			delivered++
		}
	}

	h := Health{RecentEvents: settled, Delivered: delivered, SuccessRate: 1}
	if settled > 0 {
		h.SuccessRate = float64(delivered) / float64(settled)
	}
	switch {
	case h.SuccessRate >= 0.99:
		h.Status = HealthHealthy
	case h.SuccessRate >= 0.95:
		h.Status = HealthDegraded
	default:
		h.Status = HealthUnhealthy
	}
	return h
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

// deliver runs the attempt loop for one event against one endpoint. A 4xx
// response is non-retryable and fails the event immediately; other failures
// back off initialDelay * multiplier^(attempt-1) between tries.
func (m *Manager) deliver(hook *Config, eventID string) {
	m.mu.RLock()
	ev, ok := m.events[eventID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	envelope := map[string]interface{}{
		"id":        ev.ID,
		"eventType": ev.EventType,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339),
		"data":      ev.Payload,
	}
	eventType := ev.EventType
	m.mu.RUnlock()

	body, err := json.Marshal(envelope)
	if err != nil {
		m.settle(eventID, StatusFailed, Attempt{Timestamp: time.Now(), Error: "encode payload: " + err.Error()})
		return
	}

	maxAttempts := hook.Retry.MaxRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		att := m.attemptOnce(hook, eventID, eventType, body)

		if att.Error == "" {
			m.settle(eventID, StatusDelivered, att)
			return
		}

		nonRetryable := att.StatusCode >= 400 && att.StatusCode < 500
		if nonRetryable || attempt == maxAttempts {
			m.settle(eventID, StatusFailed, att)
			m.logger.Warn().
				Str("webhook_id", hook.ID).
				Str("event_id", eventID).
				Int("attempts", attempt).
				Str("error", att.Error).
				Msg("webhook delivery failed")
			return
		}

		m.settle(eventID, StatusRetrying, att)
		backoff := time.Duration(float64(hook.Retry.InitialDelay) * math.Pow(hook.Retry.BackoffMultiplier, float64(attempt-1)))
		m.sleep(backoff)
	}
}

// attemptOnce issues one signed POST and reports the outcome.
func (m *Manager) attemptOnce(hook *Config, eventID, eventType string, body []byte) Attempt {
	att := Attempt{Timestamp: time.Now()}

	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		att.Error = err.Error()
		return att
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", hook.ID)
	req.Header.Set("X-Event-Type", eventType)
	req.Header.Set("X-Delivery-ID", uuid.New().String())
	req.Header.Set("X-Delivery-Timestamp", att.Timestamp.UTC().Format(time.RFC3339))
	if hook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(hook.Secret, body))
	}
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	att.ResponseTime = time.Since(start)
	if err != nil {
		att.Error = err.Error()
		return att
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	att.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		att.Error = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}
	return att
}

// settle appends an attempt and advances the event's status. Terminal states
// are sticky against concurrent stale writers.
func (m *Manager) settle(eventID string, status Status, att Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return
	}
	if ev.Status == StatusDelivered || ev.Status == StatusFailed {
		return
	}
	ev.Attempts = append(ev.Attempts, att)
	ev.Status = status
}

// sign computes the hex HMAC-SHA256 of body under secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received X-Webhook-Signature value against a body.
func VerifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	expected := sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}
