package client

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/dclass"
	"github.com/xiaonanln/gostate/engine/netutil"
)

// Interest is a subscription of a client to some zones of a parent
type Interest struct {
	ID     uint16
	Parent common.DoID
	Zones  common.ZoneSet
}

func (it *Interest) String() string {
	return fmt.Sprintf("Interest<%d|%s%v>", it.ID, it.Parent, it.Zones.ToList())
}

// Covers returns if the interest includes the (parent, zone)
func (it *Interest) Covers(parent common.DoID, zone common.ZoneID) bool {
	return it.Parent == parent && it.Zones.Contains(zone)
}

func (it *Interest) copy() *Interest {
	return &Interest{ID: it.ID, Parent: it.Parent, Zones: it.Zones.Copy()}
}

// VisibleObject is the client side view of a distributed object
type VisibleObject struct {
	ID     common.DoID
	Parent common.DoID
	Zone   common.ZoneID
	Class  *dclass.Class
	Fields map[common.FieldID][]byte
}

func (obj *VisibleObject) String() string {
	return fmt.Sprintf("%s<%d>", obj.Class.Name, obj.ID)
}

// readSnapshot reads an object snapshot, the ram fields follow the required ones when withOther is set
func readSnapshot(schema *dclass.Schema, pkt *netutil.Packet, withOther bool) (*VisibleObject, error) {
	obj := &VisibleObject{
		ID:     pkt.ReadDoID(),
		Fields: map[common.FieldID][]byte{},
	}
	obj.Parent, obj.Zone = pkt.ReadLocation()
	cls, err := schema.ClassByID(common.ClassID(pkt.ReadUint16()))
	if err != nil {
		return nil, err
	}
	obj.Class = cls

	for _, f := range cls.RequiredFields() {
		v, err := f.Unpack(pkt)
		if err != nil {
			return nil, err
		}
		obj.Fields[f.ID] = v
	}
	if !withOther {
		return obj, nil
	}

	n := int(pkt.ReadUint16())
	for i := 0; i < n; i++ {
		f, err := cls.Field(common.FieldID(pkt.ReadUint16()))
		if err != nil {
			return nil, err
		}
		v, err := f.Unpack(pkt)
		if err != nil {
			return nil, errors.WithMessagef(err, "snapshot of %d", obj.ID)
		}
		obj.Fields[f.ID] = v
	}
	return obj, nil
}
