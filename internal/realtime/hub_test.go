package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/navidesk/sentinel/internal/audit"
	"github.com/navidesk/sentinel/internal/logging"
	"github.com/navidesk/sentinel/internal/threat"
)

func actionEvent(actionType string) *Event {
	return &Event{
		Type:      EventAction,
		Timestamp: time.Now(),
		Data:      &audit.Entry{ID: "act_1", ActionType: actionType},
	}
}

func assessmentEvent(overall string) *Event {
	return &Event{
		Type:      EventAssessment,
		Timestamp: time.Now(),
		Data:      &threat.Assessment{OverallName: overall},
	}
}

func TestWants_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	assert.True(t, client.wants(actionEvent("warn")))
	assert.True(t, client.wants(assessmentEvent("normal")))
}

func TestWants_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{EventTypes: []EventType{EventAction}}}

	assert.True(t, client.wants(actionEvent("warn")))
	assert.False(t, client.wants(assessmentEvent("critical")))
}

func TestWants_ActionTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{ActionTypes: []string{"lockdown", "unlock"}}}

	assert.True(t, client.wants(actionEvent("lockdown")))
	assert.False(t, client.wants(actionEvent("warn")))
	assert.True(t, client.wants(assessmentEvent("critical")),
		"action filter must not suppress other event types")
}

func TestWants_MinTierFilter(t *testing.T) {
	client := &Client{sub: Subscription{MinTier: "warning"}}

	assert.False(t, client.wants(assessmentEvent("normal")))
	assert.False(t, client.wants(assessmentEvent("elevated")))
	assert.True(t, client.wants(assessmentEvent("warning")))
	assert.True(t, client.wants(assessmentEvent("critical")))
	assert.True(t, client.wants(actionEvent("warn")),
		"tier filter only applies to assessments")
}

func TestWants_EmptySubscription(t *testing.T) {
	client := &Client{}

	assert.True(t, client.wants(actionEvent("warn")),
		"no filters means everything passes")
}

func TestPublishAction_ReversalType(t *testing.T) {
	hub := NewHub(logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	defer func() {
		cancel()
		<-hub.done
	}()

	hub.PublishAction(&audit.Entry{ID: "a1", ActionType: "warn"})
	hub.PublishAction(&audit.Entry{ID: "a1", ActionType: "warn", Reversed: true})

	assert.Eventually(t, func() bool {
		return hub.totalEvents.Load() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	// No Run loop draining: the channel fills and Broadcast must not block.
	hub := NewHub(logging.Nop())
	for i := 0; i < 300; i++ {
		hub.Broadcast(actionEvent("warn"))
	}
}

func TestStats(t *testing.T) {
	hub := NewHub(logging.Nop())
	stats := hub.Stats()

	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}
