package broker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBroker() *Broker {
	return New(zap.NewNop(), nil)
}

func recvJob(t *testing.T, sub *Subscription[JobEvent]) JobEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	default:
		t.Fatal("expected a buffered event")
		return JobEvent{}
	}
}

func TestJobEventFanOut(t *testing.T) {
	b := newTestBroker()

	a := b.SubscribeJob("job-1")
	defer a.Close()
	c := b.SubscribeJob("job-1")
	defer c.Close()
	other := b.SubscribeJob("job-2")
	defer other.Close()

	b.PublishJobEvent("job-1", EventTaskDispatched, map[string]any{"taskId": "t1"})

	for _, sub := range []*Subscription[JobEvent]{a, c} {
		ev := recvJob(t, sub)
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, EventTaskDispatched, ev.Type)
		assert.Equal(t, "t1", ev.Payload["taskId"])
		assert.NotEmpty(t, ev.ID)
	}

	select {
	case <-other.C():
		t.Fatal("event leaked to an unrelated job topic")
	default:
	}
}

func TestJobEventOrdering(t *testing.T) {
	b := newTestBroker()

	sub := b.SubscribeJob("job-1")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.PublishJobEvent("job-1", fmt.Sprintf("ev-%d", i), nil)
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("ev-%d", i), recvJob(t, sub).Type)
	}
}

func TestJobEventDropOldest(t *testing.T) {
	b := newTestBroker()

	sub := b.SubscribeJob("job-1")
	defer sub.Close()

	// One event more than the buffer holds: the oldest is evicted, the
	// newest survives.
	for i := 1; i <= subscriberBuffer+1; i++ {
		b.PublishJobEvent("job-1", fmt.Sprintf("ev-%d", i), nil)
	}

	assert.Equal(t, "ev-2", recvJob(t, sub).Type, "oldest event dropped")
	got := 1
	for {
		select {
		case ev := <-sub.C():
			got++
			if got == subscriberBuffer {
				assert.Equal(t, fmt.Sprintf("ev-%d", subscriberBuffer+1), ev.Type)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, got)
}

func TestJobEventWithoutIDDiscarded(t *testing.T) {
	b := newTestBroker()

	// Subscribing to the empty key must not receive id-less events.
	sub := b.SubscribeJob("")
	defer sub.Close()

	b.PublishJobEvent("", EventAgentConnected, map[string]any{"agentId": "a1"})

	select {
	case <-sub.C():
		t.Fatal("event without a job id must be discarded")
	default:
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := newTestBroker()

	b.PublishJobEvent("job-1", EventJobCreated, nil)
	b.PublishSessionEvent("acct", "session.update", "active", "")
	b.PublishAuthChallenge("acct", "email", "123456", "")

	b.jobs.mu.Lock()
	defer b.jobs.mu.Unlock()
	assert.Empty(t, b.jobs.subs, "publishing must not allocate subscriber state")
}

func TestSessionEventWildcard(t *testing.T) {
	b := newTestBroker()

	scoped := b.SubscribeSessions("acct-1")
	defer scoped.Close()
	all := b.SubscribeSessions("")
	defer all.Close()

	b.PublishSessionEvent("acct-1", "session.update", "active", "logged in")
	b.PublishSessionEvent("acct-2", "session.update", "expired", "")

	ev := <-scoped.C()
	assert.Equal(t, "acct-1", ev.AccountName)
	select {
	case <-scoped.C():
		t.Fatal("scoped subscriber saw another account's event")
	default:
	}

	first := <-all.C()
	second := <-all.C()
	assert.Equal(t, "acct-1", first.AccountName)
	assert.Equal(t, "acct-2", second.AccountName)
}

func TestAuthChallengeWildcard(t *testing.T) {
	b := newTestBroker()

	all := b.SubscribeAuthChallenges("")
	defer all.Close()

	b.PublishAuthChallenge("acct-1", "email", "please confirm", "job-1")

	ev := <-all.C()
	assert.Equal(t, "acct-1", ev.AccountName)
	assert.Equal(t, "email", ev.ChallengeType)
	assert.Equal(t, "job-1", ev.JobID)
}

func TestCloseRemovesSubscriberState(t *testing.T) {
	b := newTestBroker()

	sub := b.SubscribeJob("job-1")
	sub.Close()
	sub.Close() // safe to call twice

	_, ok := <-sub.C()
	assert.False(t, ok, "channel closed after Close")

	b.jobs.mu.Lock()
	defer b.jobs.mu.Unlock()
	assert.Empty(t, b.jobs.subs, "last close removes the topic key")
}

func TestCloseOneSubscriberKeepsOthers(t *testing.T) {
	b := newTestBroker()

	first := b.SubscribeJob("job-1")
	second := b.SubscribeJob("job-1")
	defer second.Close()

	first.Close()
	b.PublishJobEvent("job-1", EventJobCreated, nil)

	ev := recvJob(t, second)
	assert.Equal(t, EventJobCreated, ev.Type)
}
