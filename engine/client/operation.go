package client

import (
	"fmt"

	"github.com/petar/GoLLRB/llrb"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/netutil"
)

type opKind uint8

const (
	opOpen opKind = iota
	opAlter
)

func (k opKind) String() string {
	if k == opOpen {
		return "open"
	}
	return "alter"
}

// entranceItem orders buffered entrances by class id, then by arrival
type entranceItem struct {
	class common.ClassID
	seq   uint64
	obj   *VisibleObject
}

func (it *entranceItem) Less(_other llrb.Item) bool {
	other := _other.(*entranceItem)
	if it.class != other.class {
		return it.class < other.class
	}
	return it.seq < other.seq
}

// InterestOperation collects the objects entering the new zones of an interest
//
// It completes as soon as the expected count is known and that many objects entered,
// and never outlives its request.
type InterestOperation struct {
	client         *Client
	kind           opKind
	interestID     uint16
	callerContext  uint32
	requestContext uint32
	parent         common.DoID
	zones          common.ZoneSet
	requester      common.Channel

	expected      int
	expectedKnown bool
	received      common.DoIDSet
	entered       common.DoIDSet
	entrances     *llrb.LLRB
	nextSeq       uint64
	queued        []*netutil.Packet
}

func newInterestOperation(client *Client, kind opKind, interest *Interest, zones common.ZoneSet, callerContext, requestContext uint32, requester common.Channel) *InterestOperation {
	return &InterestOperation{
		client:         client,
		kind:           kind,
		interestID:     interest.ID,
		callerContext:  callerContext,
		requestContext: requestContext,
		parent:         interest.Parent,
		zones:          zones,
		requester:      requester,
		received:       common.DoIDSet{},
		entered:        common.DoIDSet{},
		entrances:      llrb.New(),
	}
}

func (op *InterestOperation) String() string {
	return fmt.Sprintf("InterestOperation<%s %d ctx=%d %s%v>", op.kind, op.interestID, op.requestContext, op.parent, op.zones.ToList())
}

// Expected returns the number of objects the operation waits for, -1 if not known yet
func (op *InterestOperation) Expected() int {
	if !op.expectedKnown {
		return -1
	}
	return op.expected
}

// Received returns the number of counted entrances
func (op *InterestOperation) Received() int {
	return len(op.received)
}

func (op *InterestOperation) covers(parent common.DoID, zone common.ZoneID) bool {
	return op.parent == parent && op.zones.Contains(zone)
}

// coversTargets returns if any target is the location channel of a zone of the operation
func (op *InterestOperation) coversTargets(targets []common.Channel) bool {
	for _, ch := range targets {
		parent, zone := common.ChannelToLocation(ch)
		if op.covers(parent, zone) {
			return true
		}
	}
	return false
}

func (op *InterestOperation) isReady() bool {
	return op.expectedKnown && len(op.received) >= op.expected
}

// setExpected raises the expected count, it never lowers
func (op *InterestOperation) setExpected(n int) {
	if !op.expectedKnown || n > op.expected {
		op.expected = n
	}
	op.expectedKnown = true
	if consts.DEBUG_INTEREST {
		gwlog.Debugf("%s: expecting %d objects, received %d", op, op.expected, len(op.received))
	}
	op.checkReady()
}

// addEntrance buffers an entering object, only entrances answering the query are counted
func (op *InterestOperation) addEntrance(obj *VisibleObject, counted bool) {
	if counted {
		op.received.Add(obj.ID)
	}
	if !op.entered.Contains(obj.ID) {
		op.entered.Add(obj.ID)
		op.entrances.ReplaceOrInsert(&entranceItem{class: obj.Class.ID, seq: op.nextSeq, obj: obj})
		op.nextSeq++
	}
	if counted {
		op.checkReady()
	}
}

func (op *InterestOperation) queue(pkt *netutil.Packet) {
	op.queued = append(op.queued, pkt.Copy())
}

func (op *InterestOperation) checkReady() {
	if op.isReady() {
		op.finish()
	}
}

func (op *InterestOperation) finish() {
	c := op.client
	if consts.DEBUG_INTEREST {
		gwlog.Debugf("%s: finished with %d entrances and %d queued datagrams", op, op.entrances.Len(), len(op.queued))
	}

	if op.entrances.Len() > 0 {
		op.entrances.AscendGreaterOrEqual(op.entrances.Min(), func(i llrb.Item) bool {
			obj := i.(*entranceItem).obj
			if c.isInteresting(obj.Parent, obj.Zone) || c.sessionObjects.Contains(obj.ID) {
				c.enterObject(obj)
			}
			return true
		})
	}

	c.completeInterest(op.interestID, op.callerContext, op.requester)
	delete(c.pending, op.requestContext)

	// replayed after the removal, or they would be queued into this operation again
	queued := op.queued
	op.queued = nil
	for _, pkt := range queued {
		c.HandleDatagram(pkt)
		pkt.Release()
	}
}
