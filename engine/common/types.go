package common

import "fmt"

// DoID is the id of a distributed object, 0 means no object
type DoID uint32

// ZoneID is the id of a zone under a parent object
type ZoneID uint32

// ClassID is the id of a dclass in the schema
type ClassID uint16

// FieldID is the id of a dclass field in the schema
type FieldID uint16

// Channel is the 64-bit routing address of the channel bus
type Channel uint64

const (
	// INVALID_CHANNEL is never subscribed and never routed to
	INVALID_CHANNEL Channel = 0

	_CHILDREN_PREFIX         Channel = 1 << 32
	_OBJECT_AT_PARENT_PREFIX Channel = 2 << 32
	_LOW32_MASK              Channel = 0xFFFFFFFF
)

// MIN_OBJECT_ID is the lowest id an object can have
//
// Location channels of parents 1 and 2 share their high word with the children
// and object-at-parent prefixes.
const MIN_OBJECT_ID DoID = 3

// IsNil returns if DoID is nil
func (id DoID) IsNil() bool {
	return id == 0
}

func (id DoID) String() string {
	return fmt.Sprintf("DO%d", uint32(id))
}

// ObjectChannel is the channel of one distributed object
func ObjectChannel(id DoID) Channel {
	return Channel(id)
}

// LocationChannel is the channel of a (parent, zone) pair
func LocationChannel(parent DoID, zone ZoneID) Channel {
	return Channel(parent)<<32 | Channel(zone)
}

// ChildrenChannel is subscribed by every child of the parent
func ChildrenChannel(parent DoID) Channel {
	return _CHILDREN_PREFIX | Channel(parent)
}

// ObjectAtParentChannel is subscribed by the parent itself and by observers of all its zones
func ObjectAtParentChannel(parent DoID) Channel {
	return _OBJECT_AT_PARENT_PREFIX | Channel(parent)
}

// ChannelToLocation splits a location channel into its parent and zone
func ChannelToLocation(ch Channel) (DoID, ZoneID) {
	return DoID(ch >> 32), ZoneID(ch & _LOW32_MASK)
}
