// Package bus delivers datagrams to the participants subscribed to their target channels
package bus

import (
	"sort"
	"sync"

	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/gwlog"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/opmon"
	"github.com/xiaonanln/gostate/engine/proto"
)

// Participant receives datagrams routed to the channels it subscribed
//
// The packet is released after HandleDatagram returns, participants which keep it must Copy it.
type Participant interface {
	HandleDatagram(pkt *netutil.Packet)
}

// Bus routes datagrams to subscribed participants
//
// Routing never delivers inline: Route enqueues, and the owner of the bus calls Flush
// when Ready is notified. Each participant receives a datagram at most once, even if it
// subscribed several of the targets.
type Bus interface {
	Subscribe(p Participant, ch common.Channel)
	Unsubscribe(p Participant, ch common.Channel)
	UnsubscribeAll(p Participant)
	// Route takes the ownership of the packet
	Route(pkt *netutil.Packet)
	Ready() <-chan struct{}
	Flush() int
	Close() error
}

type participantInfo struct {
	seq      uint64
	channels common.ChannelSet
}

// subscriptions is the local subscription table shared by bus implementations
type subscriptions struct {
	sync.RWMutex
	nextSeq      uint64
	participants map[Participant]*participantInfo
	channels     map[common.Channel]map[Participant]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		participants: map[Participant]*participantInfo{},
		channels:     map[common.Channel]map[Participant]struct{}{},
	}
}

// subscribe returns true if the channel got its first subscriber
func (s *subscriptions) subscribe(p Participant, ch common.Channel) bool {
	s.Lock()
	defer s.Unlock()

	info := s.participants[p]
	if info == nil {
		s.nextSeq++
		info = &participantInfo{seq: s.nextSeq, channels: common.ChannelSet{}}
		s.participants[p] = info
	}
	info.channels.Add(ch)

	subs := s.channels[ch]
	if subs == nil {
		subs = map[Participant]struct{}{}
		s.channels[ch] = subs
	}
	subs[p] = struct{}{}
	return len(subs) == 1
}

// unsubscribe returns true if the channel lost its last subscriber
func (s *subscriptions) unsubscribe(p Participant, ch common.Channel) bool {
	s.Lock()
	defer s.Unlock()
	return s.unsubscribeLocked(p, ch)
}

func (s *subscriptions) unsubscribeLocked(p Participant, ch common.Channel) bool {
	info := s.participants[p]
	if info == nil || !info.channels.Contains(ch) {
		return false
	}
	info.channels.Del(ch)
	if len(info.channels) == 0 {
		delete(s.participants, p)
	}

	subs := s.channels[ch]
	delete(subs, p)
	if len(subs) == 0 {
		delete(s.channels, ch)
		return true
	}
	return false
}

// unsubscribeAll returns the channels which lost their last subscriber
func (s *subscriptions) unsubscribeAll(p Participant) (emptied []common.Channel) {
	s.Lock()
	defer s.Unlock()

	info := s.participants[p]
	if info == nil {
		return nil
	}
	for _, ch := range info.channels.ToList() {
		if s.unsubscribeLocked(p, ch) {
			emptied = append(emptied, ch)
		}
	}
	return
}

func (s *subscriptions) allChannels() []common.Channel {
	s.RLock()
	defer s.RUnlock()
	chs := make([]common.Channel, 0, len(s.channels))
	for ch := range s.channels {
		chs = append(chs, ch)
	}
	return chs
}

// receivers returns the participants subscribed to any of the targets, in the order they first subscribed
func (s *subscriptions) receivers(targets []common.Channel) []Participant {
	s.RLock()
	defer s.RUnlock()

	var ps []Participant
	seen := map[Participant]struct{}{}
	for _, ch := range targets {
		for p := range s.channels[ch] {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool {
		return s.participants[ps[i]].seq < s.participants[ps[j]].seq
	})
	return ps
}

// deliver hands a copy of the datagram to each receiver and releases the packet
func (s *subscriptions) deliver(pkt *netutil.Packet) {
	defer pkt.Release()

	hdr, err := proto.PeekHeader(pkt)
	if err != nil {
		gwlog.Errorf("bus: drop datagram: %v", err)
		opmon.CountDropped("bus_malformed")
		return
	}
	if consts.DEBUG_PACKETS {
		gwlog.Debugf("bus: deliver %s from %d to %v", hdr.MsgType, hdr.Sender, hdr.Targets)
	}

	for _, p := range s.receivers(hdr.Targets) {
		cp := pkt.Copy()
		cp.SetReadCursor(0)
		p.HandleDatagram(cp)
		cp.Release()
	}
}
