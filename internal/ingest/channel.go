package ingest

import (
	"context"
	"io"
	"sync"

	"github.com/user/researchview/internal/types"
)

// Channel adapts a channel of events to a subscription. The subscription
// ends with io.EOF once the producer closes the channel.
type Channel struct {
	events    <-chan types.Event
	closeOnce sync.Once
	closed    chan struct{}
}

func NewChannel(events <-chan types.Event) *Channel {
	return &Channel{events: events, closed: make(chan struct{})}
}

func (c *Channel) Next(ctx context.Context) (types.Event, error) {
	select {
	case <-c.closed:
		return types.Event{}, ErrClosed
	default:
	}
	select {
	case ev, ok := <-c.events:
		if !ok {
			return types.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return types.Event{}, ctx.Err()
	case <-c.closed:
		return types.Event{}, ErrClosed
	}
}

// Close stops delivery. It does not close the producer's channel.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

var _ types.Subscription = (*Channel)(nil)
