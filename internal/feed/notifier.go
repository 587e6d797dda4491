// Package feed pushes full collection snapshots to connected admin and
// courier screens whenever a collection changes.
package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "rotafood:changes:"

// Notifier publishes and receives collection change signals over redis pub/sub.
type Notifier struct {
	client *redis.Client
}

// NewNotifier constructs a Notifier.
func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

// Publish signals that collection changed. Payload is the publish time.
func (n *Notifier) Publish(ctx context.Context, collection string) error {
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := n.client.Publish(ctx, channel(collection), stamp).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", collection, err)
	}
	return nil
}

// Subscription delivers coalesced change signals for one collection. Each
// value is the publish time of the latest change it stands for.
type Subscription struct {
	pubsub *redis.PubSub
	C      <-chan time.Time
}

// Subscribe listens for changes to collection. The returned subscription is
// active once Subscribe returns. Bursts of signals collapse into one pending
// signal so slow consumers only ever rebuild once.
func (n *Notifier) Subscribe(ctx context.Context, collection string) (*Subscription, error) {
	pubsub := n.client.Subscribe(ctx, channel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	signals := make(chan time.Time, 1)
	msgs := pubsub.Channel()
	go func() {
		defer close(signals)
		for msg := range msgs {
			at := changedAt(msg.Payload, time.Now())
			select {
			case signals <- at:
				continue
			default:
			}
			// Only this goroutine sends, so after the drain the send succeeds.
			select {
			case pending := <-signals:
				if pending.After(at) {
					at = pending
				}
			default:
			}
			signals <- at
		}
	}()
	return &Subscription{pubsub: pubsub, C: signals}, nil
}

// changedAt decodes a publish stamp. Missing, malformed or future stamps fall
// back to received.
func changedAt(payload string, received time.Time) time.Time {
	nanos, err := strconv.ParseInt(payload, 10, 64)
	if err != nil || nanos <= 0 {
		return received
	}
	at := time.Unix(0, nanos)
	if at.After(received) {
		return received
	}
	return at
}

// Close stops the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func channel(collection string) string {
	return channelPrefix + collection
}
