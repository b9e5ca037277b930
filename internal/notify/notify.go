// Package notify delivers user-facing notices for autonomous actions.
//
// Delivery is best-effort by contract: the executor's authoritative writes
// are never rolled back because a notification failed. Failures are logged
// and counted, nothing more.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/navidesk/sentinel/internal/idgen"
	"github.com/navidesk/sentinel/internal/metrics"
	"github.com/navidesk/sentinel/internal/retry"
)

// Audience discriminates direct, broadcast, and operator notices.
const (
	AudienceUser = "user"
	AudienceAll  = "all"
	AudienceOps  = "ops"
)

// Notification is one stored notice.
type Notification struct {
	ID        string    `json:"id"`
	Audience  string    `json:"audience"`
	UserID    string    `json:"userId,omitempty"` // empty for broadcasts
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	ListFor(ctx context.Context, userID string, limit int) ([]*Notification, error)
}

// webhookTimeout bounds a single outbound webhook attempt.
const webhookTimeout = 5 * time.Second

// Webhook retry policy. 4xx responses are not retried.
const (
	webhookMaxAttempts = 3
	webhookRetryBase   = 200 * time.Millisecond
)

// Notifier writes notices to the store and optionally mirrors them to a
// webhook (ops channel, push relay).
type Notifier struct {
	store      Store
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures the Notifier.
type Option func(*Notifier)

// WithWebhook mirrors every notice to the given URL.
func WithWebhook(url string) Option {
	return func(n *Notifier) { n.webhookURL = url }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a Notifier over the given store.
func New(store Store, opts ...Option) *Notifier {
	n := &Notifier{
		store:  store,
		client: &http.Client{Timeout: webhookTimeout},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Direct sends a notice to a single user.
func (n *Notifier) Direct(ctx context.Context, userID, title, body string) error {
	return n.deliver(ctx, &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		Audience:  AudienceUser,
		UserID:    userID,
		Title:     title,
		Body:      body,
		CreatedAt: n.now(),
	})
}

// Ops sends a notice to the operator channel only. Never user-visible.
func (n *Notifier) Ops(ctx context.Context, title, body string) error {
	return n.deliver(ctx, &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		Audience:  AudienceOps,
		Title:     title,
		Body:      body,
		CreatedAt: n.now(),
	})
}

// Broadcast sends a notice to every user.
func (n *Notifier) Broadcast(ctx context.Context, title, body string) error {
	return n.deliver(ctx, &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		Audience:  AudienceAll,
		Title:     title,
		Body:      body,
		CreatedAt: n.now(),
	})
}

func (n *Notifier) deliver(ctx context.Context, notice *Notification) error {
	if err := n.store.Create(ctx, notice); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("store notification: %w", err)
	}
	metrics.NotificationsTotal.WithLabelValues("stored").Inc()

	if n.webhookURL != "" {
		// Fire-and-forget: webhook latency must not block the caller.
		go n.postWebhook(notice)
	}
	return nil
}

func (n *Notifier) postWebhook(notice *Notification) {
	payload, err := json.Marshal(notice)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookMaxAttempts*2*webhookTimeout)
	defer cancel()

	err = retry.Do(ctx, webhookMaxAttempts, webhookRetryBase, func() error {
		return n.attemptWebhook(ctx, payload)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("webhook_failed").Inc()
		n.logger.Warn("notification webhook failed", "error", err, "notification_id", notice.ID)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("webhook_delivered").Inc()
}

func (n *Notifier) attemptWebhook(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return retry.Permanent(fmt.Errorf("webhook rejected with %d", resp.StatusCode))
	}
	return nil
}
