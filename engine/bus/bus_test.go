package bus

import (
	"bytes"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/google/uuid"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/netutil/compress"
	"github.com/xiaonanln/gostate/engine/proto"
)

type recorder struct {
	name     string
	received []uint32
	log      *[]string
	onRecv   func(v uint32)
}

func (r *recorder) HandleDatagram(pkt *netutil.Packet) {
	if _, err := proto.ReadHeader(pkt); err != nil {
		panic(err)
	}
	v := pkt.ReadUint32()
	r.received = append(r.received, v)
	if r.log != nil {
		*r.log = append(*r.log, r.name)
	}
	if r.onRecv != nil {
		r.onRecv(v)
	}
}

func newDatagram(v uint32, targets ...common.Channel) *netutil.Packet {
	pkt := proto.NewDatagram(targets, 1, proto.MT_SET_FIELD)
	pkt.AppendUint32(v)
	return pkt
}

func TestLocalBusAtMostOnce(t *testing.T) {
	b := NewLocalBus()
	r1 := &recorder{}
	r2 := &recorder{}
	b.Subscribe(r1, 10)
	b.Subscribe(r1, 11)
	b.Subscribe(r2, 11)

	b.Route(newDatagram(1, 10, 11))
	b.Route(newDatagram(2, 12))
	assert.Equal(t, 0, len(r1.received))
	assert.Equal(t, 2, b.Pending())

	assert.Equal(t, 2, b.Flush())
	assert.Equal(t, []uint32{1}, r1.received)
	assert.Equal(t, []uint32{1}, r2.received)
}

func TestLocalBusOrder(t *testing.T) {
	b := NewLocalBus()
	var log []string
	late := &recorder{name: "late", log: &log}
	early := &recorder{name: "early", log: &log}
	b.Subscribe(early, 20)
	b.Subscribe(late, 21)
	b.Subscribe(late, 20)

	// datagrams routed while flushing are delivered by the same flush, after the current one
	early.onRecv = func(v uint32) {
		if v == 1 {
			b.Route(newDatagram(2, 21))
		}
	}
	b.Route(newDatagram(1, 21, 20))
	b.Flush()

	assert.Equal(t, []string{"early", "late", "late"}, log)
	assert.Equal(t, []uint32{1, 2}, late.received)
}

func TestLocalBusUnsubscribe(t *testing.T) {
	b := NewLocalBus()
	r := &recorder{}
	b.Subscribe(r, 30)
	b.Subscribe(r, 31)
	assert.T(t, b.IsSubscribed(r, 30))

	b.Unsubscribe(r, 30)
	b.Route(newDatagram(1, 30))
	b.Route(newDatagram(2, 31))
	b.Flush()
	assert.Equal(t, []uint32{2}, r.received)

	b.UnsubscribeAll(r)
	assert.T(t, !b.IsSubscribed(r, 31))
	b.Route(newDatagram(3, 31))
	b.Flush()
	assert.Equal(t, []uint32{2}, r.received)
}

func TestLocalBusMalformed(t *testing.T) {
	b := NewLocalBus()
	r := &recorder{}
	b.Subscribe(r, 1)
	b.Route(netutil.NewPacketWithPayload([]byte{1, 1}))
	assert.Equal(t, 1, b.Flush())
	assert.Equal(t, 0, len(r.received))
}

func TestRedisChannelName(t *testing.T) {
	ch := common.LocationChannel(100000000, 7)
	name := redisChannelName(ch)
	parsed, ok := parseRedisChannelName(name)
	assert.T(t, ok)
	assert.Equal(t, ch, parsed)
	_, ok = parseRedisChannelName("other:1")
	assert.T(t, !ok)
}

func TestEnvelope(t *testing.T) {
	cr := compress.NewSnappyCompressor()
	id := uuid.New()
	small := []byte("tiny")
	large := bytes.Repeat([]byte("gostate"), 100)

	env, err := packEnvelope(id, small, cr, 64)
	assert.Equal(t, nil, err)
	assert.Equal(t, byte(0), env[envelopeIDSize])
	assert.Equal(t, id[:], env[:envelopeIDSize])
	payload, err := unpackEnvelope(env, cr)
	assert.Equal(t, nil, err)
	assert.Equal(t, small, payload)

	env, err = packEnvelope(id, large, cr, 64)
	assert.Equal(t, nil, err)
	assert.Equal(t, envelopeCompressed, env[envelopeIDSize])
	assert.T(t, len(env) < envelopeHeadSize+len(large))
	payload, err = unpackEnvelope(env, cr)
	assert.Equal(t, nil, err)
	assert.Equal(t, large, payload)

	// compressed envelopes can not be read without a compressor
	_, err = unpackEnvelope(env, nil)
	assert.NotEqual(t, nil, err)

	// no compressor, no compression
	env, err = packEnvelope(id, large, nil, 64)
	assert.Equal(t, nil, err)
	assert.Equal(t, byte(0), env[envelopeIDSize])

	_, err = unpackEnvelope(env[:envelopeIDSize], cr)
	assert.NotEqual(t, nil, err)
}

func TestRedisBus(t *testing.T) {
	b, err := NewRedisBus("127.0.0.1:6379", 0, 0, compress.NewSnappyCompressor(), 64)
	if err != nil {
		t.Skipf("redis is not available: %v", err)
	}
	defer b.Close()

	r1 := &recorder{}
	r2 := &recorder{}
	b.Subscribe(r1, 40)
	b.Subscribe(r1, 41)
	b.Subscribe(r2, 41)
	time.Sleep(100 * time.Millisecond)

	b.Route(newDatagram(7, 40, 41))
	deadline := time.After(5 * time.Second)
	for len(r2.received) == 0 {
		select {
		case <-b.Ready():
			b.Flush()
		case <-deadline:
			t.Fatal("datagram not received")
		}
	}
	// the second envelope of the datagram must be dropped
	time.Sleep(100 * time.Millisecond)
	b.Flush()
	assert.Equal(t, []uint32{7}, r1.received)
	assert.Equal(t, []uint32{7}, r2.received)
}
