// Package broker implements the in-process event fan-out feeding the SSE
// streams. Three independent topic spaces exist: job events keyed by job id,
// session events and auth challenges both keyed by account name. The latter
// two also carry a wildcard key that receives every event in the space.
//
// Events are ephemeral: never persisted, never replayed, delivered at most
// once to the subscribers registered at publish time. Publishers never block
// and never fail — a full subscriber buffer drops the oldest unread event,
// so slow readers lose history but cannot stall the dispatcher or a tunnel.
package broker

import (
	"sync"

	"go.uber.org/zap"
)

// Wildcard is the topic key that receives all session or auth-challenge
// events regardless of account. Job events have no wildcard.
const Wildcard = "all"

// subscriberBuffer is the per-subscriber channel capacity. A reader more
// than subscriberBuffer events behind starts losing its oldest events.
const subscriberBuffer = 256

// Subscription is one subscriber's handle on a topic. Read events from C;
// call Close exactly once when done. After Close the channel is drained and
// closed by the broker.
type Subscription[E any] struct {
	ch    chan E
	close func()
	once  sync.Once
}

// C returns the event channel. It is closed after Close.
func (s *Subscription[E]) C() <-chan E { return s.ch }

// Close removes the subscription from its topic. Safe to call twice.
func (s *Subscription[E]) Close() { s.once.Do(s.close) }

// topicSpace is one namespace of keyed subscriber sets. The mutex guards the
// key map and serializes the drop-oldest eviction on each channel, so events
// published on one key are observed in publish order absent drops.
type topicSpace[E any] struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription[E]]struct{}
}

func newTopicSpace[E any]() *topicSpace[E] {
	return &topicSpace[E]{subs: make(map[string]map[*Subscription[E]]struct{})}
}

// subscribe lazily allocates the key's subscriber set and registers a new
// bounded channel under it. When the last subscription for a key closes, the
// key is removed, so idle keys cost nothing.
func (t *topicSpace[E]) subscribe(key string) *Subscription[E] {
	sub := &Subscription[E]{ch: make(chan E, subscriberBuffer)}
	sub.close = func() {
		t.mu.Lock()
		if set, ok := t.subs[key]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(t.subs, key)
			}
		}
		t.mu.Unlock()
		close(sub.ch)
	}

	t.mu.Lock()
	set := t.subs[key]
	if set == nil {
		set = make(map[*Subscription[E]]struct{})
		t.subs[key] = set
	}
	set[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// publish fans ev out to every subscriber of key. Returns the number of
// deliveries and the number of oldest-event drops caused by full buffers.
func (t *topicSpace[E]) publish(key string, ev E) (delivered, dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for sub := range t.subs[key] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			// Buffer full: evict the oldest unread event, then retry. The
			// subscriber may have consumed one concurrently, in which case
			// the eviction no-ops and the send succeeds anyway.
			select {
			case <-sub.ch:
				dropped++
			default:
			}
			select {
			case sub.ch <- ev:
				delivered++
			default:
			}
		}
	}
	return delivered, dropped
}

// Metrics receives per-publish accounting. Implemented by internal/metrics;
// a nil Metrics disables accounting.
type Metrics interface {
	EventPublished(topic string)
	EventsDropped(n int)
}

// Broker owns the three topic spaces.
type Broker struct {
	jobs       *topicSpace[JobEvent]
	sessions   *topicSpace[SessionEvent]
	challenges *topicSpace[AuthChallengeEvent]

	logger  *zap.Logger
	metrics Metrics
}

// New creates a Broker. metrics may be nil.
func New(logger *zap.Logger, metrics Metrics) *Broker {
	return &Broker{
		jobs:       newTopicSpace[JobEvent](),
		sessions:   newTopicSpace[SessionEvent](),
		challenges: newTopicSpace[AuthChallengeEvent](),
		logger:     logger.Named("broker"),
		metrics:    metrics,
	}
}

// PublishJobEvent fans a job event out to the job's subscribers. Events with
// an empty job id (agent connect/disconnect bookkeeping) or with no
// subscribers are discarded silently — no subscriber state is allocated.
func (b *Broker) PublishJobEvent(jobID, eventType string, payload map[string]any) {
	ev := JobEvent{
		ID:        newEventID(),
		JobID:     jobID,
		Type:      eventType,
		Timestamp: now(),
		Payload:   payload,
	}
	if b.metrics != nil {
		b.metrics.EventPublished("job")
	}
	if jobID == "" {
		b.logger.Debug("job event without job id discarded", zap.String("type", eventType))
		return
	}
	_, dropped := b.jobs.publish(jobID, ev)
	b.countDrops(dropped)
}

// PublishSessionEvent fans a session event out to the account's subscribers
// and to the wildcard subscribers.
func (b *Broker) PublishSessionEvent(account, eventType, state, message string) {
	ev := SessionEvent{
		ID:          newEventID(),
		AccountName: account,
		EventType:   eventType,
		State:       state,
		Message:     message,
		Timestamp:   now(),
	}
	if b.metrics != nil {
		b.metrics.EventPublished("session")
	}
	_, d1 := b.sessions.publish(account, ev)
	_, d2 := b.sessions.publish(Wildcard, ev)
	b.countDrops(d1 + d2)
}

// PublishAuthChallenge fans an auth challenge out to the account's
// subscribers and to the wildcard subscribers. jobID may be empty.
func (b *Broker) PublishAuthChallenge(account, challengeType, message, jobID string) {
	ev := AuthChallengeEvent{
		ID:            newEventID(),
		AccountName:   account,
		ChallengeType: challengeType,
		Message:       message,
		Timestamp:     now(),
		JobID:         jobID,
	}
	if b.metrics != nil {
		b.metrics.EventPublished("auth_challenge")
	}
	_, d1 := b.challenges.publish(account, ev)
	_, d2 := b.challenges.publish(Wildcard, ev)
	b.countDrops(d1 + d2)
}

// SubscribeJob registers a subscriber for one job's events.
func (b *Broker) SubscribeJob(jobID string) *Subscription[JobEvent] {
	return b.jobs.subscribe(jobID)
}

// SubscribeSessions registers a subscriber for one account's session events,
// or for all accounts when account is empty.
func (b *Broker) SubscribeSessions(account string) *Subscription[SessionEvent] {
	if account == "" {
		account = Wildcard
	}
	return b.sessions.subscribe(account)
}

// SubscribeAuthChallenges registers a subscriber for one account's auth
// challenges, or for all accounts when account is empty.
func (b *Broker) SubscribeAuthChallenges(account string) *Subscription[AuthChallengeEvent] {
	if account == "" {
		account = Wildcard
	}
	return b.challenges.subscribe(account)
}

func (b *Broker) countDrops(n int) {
	if n > 0 && b.metrics != nil {
		b.metrics.EventsDropped(n)
	}
}
