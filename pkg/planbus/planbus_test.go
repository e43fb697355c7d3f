package planbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beacon/pkg/types"
)

func TestBroker_PublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventPlanCreated, PlanID: "plan-1"})

	select {
	case evt := <-sub:
		assert.Equal(t, EventPlanCreated, evt.Type)
		assert.Equal(t, "plan-1", evt.PlanID)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestBroker_UnsubscribedChannelReceivesNothing(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	b.Publish(&Event{Type: EventPlanFinished})
	_, ok := <-sub
	assert.False(t, ok, "unsubscribed channel must be closed, not merely silent")
}

func TestBroker_FullSubscriberBufferDropsWithoutBlockingPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&Event{Type: EventJudgmentChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish must never block even when a subscriber can't keep up")
	}
}

func TestPlanEvent_CarriesPlanFields(t *testing.T) {
	p := &types.Plan{PlanID: "plan-9", ProviderID: "prov-1", Phase: types.PhaseVerification}
	evt := PlanEvent(EventPlanGenerated, p, "generated")
	assert.Equal(t, "plan-9", evt.PlanID)
	assert.Equal(t, "prov-1", evt.ProviderID)
	assert.Equal(t, types.PhaseVerification, evt.Phase)
	assert.Equal(t, "generated", evt.Message)
}

func TestJudgmentEvent_CarriesJudgment(t *testing.T) {
	j := &types.Judgment{Verdict: types.VerdictPass}
	evt := JudgmentEvent("plan-1", "prov-1", types.PhaseRegular, "round_trip_time", j)
	require.NotNil(t, evt.Judgment)
	assert.Equal(t, types.VerdictPass, evt.Judgment.Verdict)
	assert.Equal(t, "round_trip_time", evt.TaskName)
}
