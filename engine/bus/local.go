package bus

import (
	"context"
	"sync"

	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/netutil"
)

// LocalBus is an in-process bus
//
// Datagrams are delivered in FIFO order by Flush, which makes tests deterministic.
type LocalBus struct {
	subs   *subscriptions
	lock   sync.Mutex
	queue  []*netutil.Packet
	notify chan struct{}
}

// NewLocalBus creates a LocalBus
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs:   newSubscriptions(),
		notify: make(chan struct{}, 1),
	}
}

// Subscribe subscribes the participant to the channel
func (b *LocalBus) Subscribe(p Participant, ch common.Channel) {
	b.subs.subscribe(p, ch)
}

// Unsubscribe unsubscribes the participant from the channel
func (b *LocalBus) Unsubscribe(p Participant, ch common.Channel) {
	b.subs.unsubscribe(p, ch)
}

// UnsubscribeAll unsubscribes the participant from all channels
func (b *LocalBus) UnsubscribeAll(p Participant) {
	b.subs.unsubscribeAll(p)
}

// IsSubscribed returns if the participant subscribed the channel
func (b *LocalBus) IsSubscribed(p Participant, ch common.Channel) bool {
	b.subs.RLock()
	defer b.subs.RUnlock()
	_, ok := b.subs.channels[ch][p]
	return ok
}

// Route enqueues the datagram
func (b *LocalBus) Route(pkt *netutil.Packet) {
	b.lock.Lock()
	b.queue = append(b.queue, pkt)
	b.lock.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Ready is notified when datagrams are routed
func (b *LocalBus) Ready() <-chan struct{} {
	return b.notify
}

func (b *LocalBus) pop() *netutil.Packet {
	b.lock.Lock()
	defer b.lock.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	pkt := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return pkt
}

// Flush delivers datagrams until no datagram is waiting, including the ones routed during the flush
//
// Returns the number of datagrams delivered
func (b *LocalBus) Flush() int {
	n := 0
	for pkt := b.pop(); pkt != nil; pkt = b.pop() {
		b.subs.deliver(pkt)
		n++
	}
	return n
}

// Pending returns the number of datagrams waiting for Flush
func (b *LocalBus) Pending() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.queue)
}

// Run flushes the bus in the calling goroutine until the context is done
func (b *LocalBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.notify:
			b.Flush()
		}
	}
}

// Close drops all waiting datagrams
func (b *LocalBus) Close() error {
	b.lock.Lock()
	queue := b.queue
	b.queue = nil
	b.lock.Unlock()

	for _, pkt := range queue {
		pkt.Release()
	}
	return nil
}
