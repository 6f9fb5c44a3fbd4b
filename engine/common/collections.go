package common

import "sort"

// DoIDSet is the data structure for a set of object IDs
type DoIDSet map[DoID]struct{}

// Add adds an object ID to DoIDSet
func (s DoIDSet) Add(id DoID) {
	s[id] = struct{}{}
}

// Del removes an object ID from DoIDSet
func (s DoIDSet) Del(id DoID) {
	delete(s, id)
}

// Contains checks if object ID is in DoIDSet
func (s DoIDSet) Contains(id DoID) bool {
	_, ok := s[id]
	return ok
}

// ToList converts DoIDSet to a sorted slice of object IDs
func (s DoIDSet) ToList() []DoID {
	list := make([]DoID, 0, len(s))
	for id := range s {
		list = append(list, id)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// ZoneSet is the data structure for a set of zones
type ZoneSet map[ZoneID]struct{}

// NewZoneSet creates a ZoneSet of the zones
func NewZoneSet(zones ...ZoneID) ZoneSet {
	zs := make(ZoneSet, len(zones))
	for _, z := range zones {
		zs.Add(z)
	}
	return zs
}

// Add adds a zone to ZoneSet
func (zs ZoneSet) Add(zone ZoneID) {
	zs[zone] = struct{}{}
}

// Del removes a zone from ZoneSet
func (zs ZoneSet) Del(zone ZoneID) {
	delete(zs, zone)
}

// Contains checks if zone is in ZoneSet
func (zs ZoneSet) Contains(zone ZoneID) bool {
	_, ok := zs[zone]
	return ok
}

// Diff returns zones in zs but not in other
func (zs ZoneSet) Diff(other ZoneSet) ZoneSet {
	res := ZoneSet{}
	for z := range zs {
		if !other.Contains(z) {
			res.Add(z)
		}
	}
	return res
}

// Copy returns a copy of ZoneSet
func (zs ZoneSet) Copy() ZoneSet {
	res := make(ZoneSet, len(zs))
	for z := range zs {
		res.Add(z)
	}
	return res
}

// ToList converts ZoneSet to a sorted slice of zones
func (zs ZoneSet) ToList() []ZoneID {
	list := make([]ZoneID, 0, len(zs))
	for z := range zs {
		list = append(list, z)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// ChannelSet is the data structure for a set of channels
type ChannelSet map[Channel]struct{}

// Add adds a channel to ChannelSet, the invalid channel is ignored
func (cs ChannelSet) Add(ch Channel) {
	if ch == INVALID_CHANNEL {
		return
	}
	cs[ch] = struct{}{}
}

// Del removes a channel from ChannelSet
func (cs ChannelSet) Del(ch Channel) {
	delete(cs, ch)
}

// Contains checks if channel is in ChannelSet
func (cs ChannelSet) Contains(ch Channel) bool {
	_, ok := cs[ch]
	return ok
}

// ToList converts ChannelSet to a sorted slice of channels
func (cs ChannelSet) ToList() []Channel {
	list := make([]Channel, 0, len(cs))
	for ch := range cs {
		list = append(list, ch)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}
