package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navidesk/sentinel/internal/logging"
)

func TestNotifier_Direct(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n := New(store, WithLogger(logging.Nop()))

	require.NoError(t, n.Direct(ctx, "u1", "Warning", "unusual activity detected"))

	all := store.All()
	require.Len(t, all, 1)
	assert.Equal(t, AudienceUser, all[0].Audience)
	assert.Equal(t, "u1", all[0].UserID)
	assert.NotEmpty(t, all[0].ID)
}

func TestNotifier_Broadcast(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n := New(store, WithLogger(logging.Nop()))

	require.NoError(t, n.Broadcast(ctx, "Service notice", "degraded service"))

	all := store.All()
	require.Len(t, all, 1)
	assert.Equal(t, AudienceAll, all[0].Audience)
	assert.Empty(t, all[0].UserID)
}

func TestNotifier_WebhookDelivery(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(NewMemoryStore(), WithWebhook(srv.URL), WithLogger(logging.Nop()))
	require.NoError(t, n.Direct(context.Background(), "u1", "t", "b"))

	// Webhook posts happen off the caller's goroutine
	assert.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestNotifier_WebhookRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(NewMemoryStore(), WithWebhook(srv.URL), WithLogger(logging.Nop()))
	require.NoError(t, n.Ops(context.Background(), "t", "b"))

	assert.Eventually(t, func() bool { return hits.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestNotifier_WebhookDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := New(NewMemoryStore(), WithWebhook(srv.URL), WithLogger(logging.Nop()))
	require.NoError(t, n.Ops(context.Background(), "t", "b"))

	assert.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 10*time.Millisecond)
	// Give any stray retry a moment to show up
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestMemoryStore_ListForIncludesBroadcasts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n := New(store, WithLogger(logging.Nop()))

	require.NoError(t, n.Direct(ctx, "u1", "direct", "x"))
	require.NoError(t, n.Direct(ctx, "u2", "other", "x"))
	require.NoError(t, n.Broadcast(ctx, "broadcast", "x"))

	notices, err := store.ListFor(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, notices, 2)
	// Newest first
	assert.Equal(t, "broadcast", notices[0].Title)
	assert.Equal(t, "direct", notices[1].Title)
}
