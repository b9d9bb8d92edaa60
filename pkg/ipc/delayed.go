package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/remchan/remchan/pkg/events"
)

// ResolveChannel produces a channel that may not exist yet, blocking until it
// becomes available or ctx is canceled.
type ResolveChannel func(ctx context.Context) (Channel, error)

// NewDelayedChannel wraps a channel behind an asynchronous lookup. Calls wait
// for the lookup before delegating. Listen hands out its event stream
// immediately, but relaying only starts once the target channel resolves;
// events the target produced before that moment are not delivered.
func NewDelayedChannel(resolve ResolveChannel) Channel {
	return &delayedChannel{resolve: resolve}
}

type delayedChannel struct {
	resolve ResolveChannel
}

func (d *delayedChannel) Call(ctx context.Context, command string, arg interface{}, progress Progress) (interface{}, error) {
	ch, err := d.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return ch.Call(ctx, command, arg, progress)
}

func (d *delayedChannel) Listen(event string, arg interface{}) *events.Event {
	em := events.NewEmitter()

	var (
		lock   sync.Mutex
		active bool
		cancel context.CancelFunc
		sub    *events.Subscription
	)

	em.OnFirstListener = func() {
		ctx, cancelResolve := context.WithCancel(context.Background())
		lock.Lock()
		active = true
		cancel = cancelResolve
		lock.Unlock()

		go func() {
			ch, err := d.resolve(ctx)
			if err != nil {
				return
			}
			relay := ch.Listen(event, arg).Subscribe(em.Fire)
			lock.Lock()
			if active {
				sub = relay
				lock.Unlock()
				return
			}
			// Torn down while resolving.
			lock.Unlock()
			relay.Dispose()
		}()
	}

	em.OnLastListener = func() {
		lock.Lock()
		active = false
		relay := sub
		sub = nil
		cancelResolve := cancel
		cancel = nil
		lock.Unlock()

		if cancelResolve != nil {
			cancelResolve()
		}
		if relay != nil {
			relay.Dispose()
		}
	}

	return em.Event()
}

// NewNextTickChannel wraps an already-available channel but holds back its
// first use until one scheduling tick has passed, giving a freshly connected
// peer's initialization handshake a chance to settle before real traffic
// starts. Once the tick has elapsed, all use passes straight through.
func NewNextTickChannel(ch Channel) Channel {
	ready := make(chan struct{})
	time.AfterFunc(0, func() { close(ready) })
	return NewDelayedChannel(func(ctx context.Context) (Channel, error) {
		select {
		case <-ready:
			return ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
