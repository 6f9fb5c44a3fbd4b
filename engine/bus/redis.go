package bus

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/netutil/compress"
	"github.com/xiaonanln/gostate/engine/opmon"
	"github.com/xiaonanln/gostate/engine/proto"
)

const (
	redisChannelPrefix = "gostate:"
	envelopeIDSize     = 16
	envelopeHeadSize   = envelopeIDSize + 1

	envelopeCompressed byte = 1
)

// RedisBus routes datagrams between processes through redis PUBLISH/SUBSCRIBE
//
// A datagram is published once to every target channel inside an envelope carrying a random id.
// A process subscribed to several targets receives several envelopes of the same datagram,
// duplicates are dropped by the recently seen envelope ids.
// Datagrams larger than the compress threshold are compressed inside the envelope.
type RedisBus struct {
	host    string
	dbindex int
	subs    *subscriptions

	compressor        compress.Compressor
	compressThreshold int

	pubLock sync.Mutex
	pubConn redis.Conn

	subLock sync.Mutex
	psc     redis.PubSubConn

	dedup *lru.Cache[uuid.UUID, struct{}]

	lock     sync.Mutex
	received []*netutil.Packet
	notify   chan struct{}

	closed     xnsyncutil.AtomicBool
	terminated *xnsyncutil.OneTimeCond
}

// NewRedisBus connects to redis at host and starts receiving
//
// The compressor may be nil, then datagrams are never compressed.
// Every process on the bus must be able to decompress what the others send.
func NewRedisBus(host string, dbindex int, dedupSize int, compressor compress.Compressor, compressThreshold int) (*RedisBus, error) {
	if dedupSize <= 0 {
		dedupSize = consts.BUS_DEDUP_SIZE
	}
	dedup, err := lru.New[uuid.UUID, struct{}](dedupSize)
	if err != nil {
		return nil, errors.Wrap(err, "create dedup cache failed")
	}

	b := &RedisBus{
		host:       host,
		dbindex:    dbindex,
		subs:       newSubscriptions(),
		dedup:      dedup,
		notify:     make(chan struct{}, 1),
		terminated: xnsyncutil.NewOneTimeCond(),

		compressor:        compressor,
		compressThreshold: compressThreshold,
	}

	if b.pubConn, err = b.dial(); err != nil {
		return nil, err
	}
	subConn, err := b.dial()
	if err != nil {
		b.pubConn.Close()
		return nil, err
	}
	b.psc = redis.PubSubConn{Conn: subConn}

	go b.receiveRoutine()
	return b, nil
}

func (b *RedisBus) dial() (redis.Conn, error) {
	c, err := redis.Dial("tcp", b.host)
	if err != nil {
		return nil, errors.Wrap(err, "redis dail failed")
	}
	if _, err := c.Do("SELECT", b.dbindex); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "redis select failed")
	}
	return c, nil
}

func redisChannelName(ch common.Channel) string {
	return redisChannelPrefix + strconv.FormatUint(uint64(ch), 10)
}

func parseRedisChannelName(name string) (common.Channel, bool) {
	if !strings.HasPrefix(name, redisChannelPrefix) {
		return 0, false
	}
	v, err := strconv.ParseUint(name[len(redisChannelPrefix):], 10, 64)
	return common.Channel(v), err == nil
}

// Subscribe subscribes the participant to the channel, the process subscribes redis on first local subscriber
func (b *RedisBus) Subscribe(p Participant, ch common.Channel) {
	if b.subs.subscribe(p, ch) {
		b.subLock.Lock()
		err := b.psc.Subscribe(redisChannelName(ch))
		b.subLock.Unlock()
		if err != nil {
			gwlog.Errorf("redis bus: subscribe %d failed: %v", ch, err)
		}
	}
}

// Unsubscribe unsubscribes the participant from the channel
func (b *RedisBus) Unsubscribe(p Participant, ch common.Channel) {
	if b.subs.unsubscribe(p, ch) {
		b.redisUnsubscribe([]common.Channel{ch})
	}
}

// UnsubscribeAll unsubscribes the participant from all channels
func (b *RedisBus) UnsubscribeAll(p Participant) {
	if emptied := b.subs.unsubscribeAll(p); len(emptied) > 0 {
		b.redisUnsubscribe(emptied)
	}
}

func (b *RedisBus) redisUnsubscribe(chs []common.Channel) {
	names := make([]interface{}, len(chs))
	for i, ch := range chs {
		names[i] = redisChannelName(ch)
	}
	b.subLock.Lock()
	err := b.psc.Unsubscribe(names...)
	b.subLock.Unlock()
	if err != nil {
		gwlog.Errorf("redis bus: unsubscribe %v failed: %v", chs, err)
	}
}

// Route publishes the datagram to every target channel
func (b *RedisBus) Route(pkt *netutil.Packet) {
	defer pkt.Release()

	hdr, err := proto.PeekHeader(pkt)
	if err != nil {
		gwlog.Errorf("redis bus: route malformed datagram: %v", err)
		opmon.CountDropped("bus_malformed")
		return
	}

	envelope, err := packEnvelope(uuid.New(), pkt.Payload(), b.compressor, b.compressThreshold)
	if err != nil {
		gwlog.Errorf("redis bus: pack envelope of %s failed: %v", hdr.MsgType, err)
		opmon.CountDropped("bus_compress")
		return
	}

	b.pubLock.Lock()
	defer b.pubLock.Unlock()
	for _, ch := range hdr.Targets {
		if err := b.pubConn.Send("PUBLISH", redisChannelName(ch), envelope); err != nil {
			gwlog.Errorf("redis bus: publish to %d failed: %v", ch, err)
			b.reconnectPublisher()
			return
		}
	}
	if err := b.pubConn.Flush(); err != nil {
		gwlog.Errorf("redis bus: flush failed: %v", err)
		b.reconnectPublisher()
		return
	}
	for range hdr.Targets {
		if _, err := b.pubConn.Receive(); err != nil {
			gwlog.Errorf("redis bus: publish failed: %v", err)
		}
	}
}

func (b *RedisBus) reconnectPublisher() {
	b.pubConn.Close()
	c, err := b.dial()
	if err != nil {
		gwlog.Errorf("redis bus: reconnect publisher failed: %v", err)
		// keep the broken connection, the next Route will retry
		return
	}
	b.pubConn = c
}

func (b *RedisBus) receiveRoutine() {
	defer b.terminated.Signal()

	for !b.closed.Load() {
		switch v := b.psc.Receive().(type) {
		case redis.Message:
			b.onMessage(v)
		case redis.Subscription:
			if consts.DEBUG_PACKETS {
				gwlog.Debugf("redis bus: %s %s (%d)", v.Kind, v.Channel, v.Count)
			}
		case error:
			if b.closed.Load() {
				return
			}
			gwlog.Errorf("redis bus: receive failed: %v", v)
			b.reconnectSubscriber()
		}
	}
}

func (b *RedisBus) reconnectSubscriber() {
	for !b.closed.Load() {
		time.Sleep(consts.BUS_RECONNECT_INTERVAL)

		c, err := b.dial()
		if err != nil {
			gwlog.Errorf("redis bus: reconnect subscriber failed: %v", err)
			continue
		}

		b.subLock.Lock()
		b.psc.Close()
		b.psc = redis.PubSubConn{Conn: c}
		var names []interface{}
		for _, ch := range b.subs.allChannels() {
			names = append(names, redisChannelName(ch))
		}
		if len(names) > 0 {
			err = b.psc.Subscribe(names...)
		}
		b.subLock.Unlock()

		if err != nil {
			gwlog.Errorf("redis bus: resubscribe failed: %v", err)
			continue
		}
		gwlog.Infof("redis bus: subscriber reconnected, %d channels subscribed", len(names))
		return
	}
}

func (b *RedisBus) onMessage(msg redis.Message) {
	if _, ok := parseRedisChannelName(msg.Channel); !ok || len(msg.Data) < envelopeHeadSize {
		gwlog.Warnf("redis bus: ignore message on %s", msg.Channel)
		opmon.CountDropped("bus_bad_envelope")
		return
	}

	var id uuid.UUID
	copy(id[:], msg.Data[:envelopeIDSize])
	if seen, _ := b.dedup.ContainsOrAdd(id, struct{}{}); seen {
		return
	}

	payload, err := unpackEnvelope(msg.Data, b.compressor)
	if err != nil {
		gwlog.Warnf("redis bus: unpack envelope %s failed: %v", id, err)
		opmon.CountDropped("bus_bad_envelope")
		return
	}
	pkt := netutil.NewPacketWithPayload(payload)
	b.lock.Lock()
	if len(b.received) >= consts.BUS_DELIVERY_QUEUE_SIZE {
		b.lock.Unlock()
		pkt.Release()
		gwlog.Warnf("redis bus: delivery queue is full, datagram dropped")
		opmon.CountDropped("bus_queue_full")
		return
	}
	b.received = append(b.received, pkt)
	b.lock.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Ready is notified when datagrams are received
func (b *RedisBus) Ready() <-chan struct{} {
	return b.notify
}

// Flush delivers received datagrams to local participants
func (b *RedisBus) Flush() int {
	b.lock.Lock()
	received := b.received
	b.received = nil
	b.lock.Unlock()

	for _, pkt := range received {
		b.subs.deliver(pkt)
	}
	return len(received)
}

// Close closes redis connections and waits for the receiver to quit
func (b *RedisBus) Close() error {
	if b.closed.Load() {
		return nil
	}
	b.closed.Store(true)

	b.subLock.Lock()
	err := b.psc.Close()
	b.subLock.Unlock()
	b.terminated.Wait()

	b.pubLock.Lock()
	if perr := b.pubConn.Close(); err == nil {
		err = perr
	}
	b.pubLock.Unlock()
	return err
}

// packEnvelope lays out the envelope as id, flags, payload
func packEnvelope(id uuid.UUID, payload []byte, cr compress.Compressor, threshold int) ([]byte, error) {
	var flags byte
	if cr != nil && len(payload) >= threshold {
		c, err := cr.Compress(payload)
		if err != nil {
			return nil, err
		}
		if len(c) < len(payload) {
			payload = c
			flags |= envelopeCompressed
		}
	}

	envelope := make([]byte, envelopeHeadSize+len(payload))
	copy(envelope, id[:])
	envelope[envelopeIDSize] = flags
	copy(envelope[envelopeHeadSize:], payload)
	return envelope, nil
}

func unpackEnvelope(envelope []byte, cr compress.Compressor) ([]byte, error) {
	if len(envelope) < envelopeHeadSize {
		return nil, errors.Errorf("envelope of %d bytes is too short", len(envelope))
	}
	flags := envelope[envelopeIDSize]
	payload := envelope[envelopeHeadSize:]
	if flags&envelopeCompressed == 0 {
		return payload, nil
	}
	if cr == nil {
		return nil, errors.New("compressed envelope received, but compressor is not set")
	}
	return cr.Decompress(payload)
}
