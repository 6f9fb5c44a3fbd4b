package stateserver

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/dclass"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/gostate/engine/proto"
)

// lookupField returns the field of the object class
func (obj *DistributedObject) lookupField(fid common.FieldID) (*dclass.Field, error) {
	f, err := obj.Class.Field(fid)
	if err != nil {
		return nil, errors.Wrap(ErrUnknownField, err.Error())
	}
	return f, nil
}

// readFieldValue reads the id and value of one field of the object class
func (obj *DistributedObject) readFieldValue(pkt *netutil.Packet) (dclass.AtomicValue, error) {
	f, err := obj.lookupField(common.FieldID(pkt.ReadUint16()))
	if err != nil {
		return dclass.AtomicValue{}, err
	}
	v, err := f.Unpack(pkt)
	if err != nil {
		return dclass.AtomicValue{}, errors.Wrap(ErrMalformed, err.Error())
	}
	return dclass.AtomicValue{Field: f, Value: v}, nil
}

// SetField updates one field of the object as if sent by sender
func (obj *DistributedObject) SetField(fid common.FieldID, value []byte, sender common.Channel) error {
	f, err := obj.lookupField(fid)
	if err != nil {
		return err
	}
	if err := f.Validate(value); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return obj.applyFields([]dclass.AtomicValue{{Field: f, Value: value}}, sender)
}

// applyFields stores and distributes the already validated values
//
// Molecular values are split, and every atomic value is stored and distributed on its own.
func (obj *DistributedObject) applyFields(values []dclass.AtomicValue, sender common.Channel) error {
	atomics := make([]dclass.AtomicValue, 0, len(values))
	for _, fv := range values {
		if !fv.Field.IsMolecular() {
			atomics = append(atomics, fv)
			continue
		}
		split, err := fv.Field.SplitMolecular(fv.Value)
		if err != nil {
			return errors.Wrap(ErrMalformed, err.Error())
		}
		atomics = append(atomics, split...)
	}

	for _, fv := range atomics {
		obj.storeField(fv.Field, fv.Value)
		targets := obj.fieldTargets(fv.Field, sender)
		obj.send(targets, sender, proto.MT_SET_FIELD, func(pkt *netutil.Packet) {
			pkt.AppendDoID(obj.ID)
			pkt.AppendUint16(uint16(fv.Field.ID))
			pkt.AppendBytes(fv.Value)
		})
	}
	return nil
}

func (obj *DistributedObject) storeField(f *dclass.Field, v []byte) {
	if f.HasKeyword(dclass.KW_REQUIRED) {
		obj.required[f.ID] = v
	} else if f.HasKeyword(dclass.KW_RAM) {
		obj.ram[f.ID] = v
	}
}

// fieldTargets returns the channels an update of the field is distributed to, never echoing to the sender
func (obj *DistributedObject) fieldTargets(f *dclass.Field, sender common.Channel) common.ChannelSet {
	targets := common.ChannelSet{}
	if f.HasKeyword(dclass.KW_BROADCAST) && !obj.parent.IsNil() {
		targets.Add(common.LocationChannel(obj.parent, obj.zone))
		targets.Add(common.ObjectAtParentChannel(obj.parent))
	}
	if f.HasKeyword(dclass.KW_AIRECV) && obj.ai != sender {
		targets.Add(obj.ai)
	}
	if f.HasKeyword(dclass.KW_OWNRECV) && obj.owner != sender {
		targets.Add(obj.owner)
	}
	return targets
}

func (obj *DistributedObject) handleSetField(hdr proto.Header, pkt *netutil.Packet) error {
	if !obj.readTarget(pkt) {
		return nil
	}
	fv, err := obj.readFieldValue(pkt)
	if err != nil {
		return err
	}
	return obj.applyFields([]dclass.AtomicValue{fv}, hdr.Sender)
}

func (obj *DistributedObject) handleSetFields(hdr proto.Header, pkt *netutil.Packet) error {
	if !obj.readTarget(pkt) {
		return nil
	}
	n := int(pkt.ReadUint16())
	values := make([]dclass.AtomicValue, 0, n)
	for i := 0; i < n; i++ {
		fv, err := obj.readFieldValue(pkt)
		if err != nil {
			// nothing is applied when any field is bad
			return err
		}
		values = append(values, fv)
	}
	return obj.applyFields(values, hdr.Sender)
}

func (obj *DistributedObject) handleDeleteFieldRAM(hdr proto.Header, pkt *netutil.Packet) error {
	if !obj.readTarget(pkt) {
		return nil
	}
	f, err := obj.lookupField(common.FieldID(pkt.ReadUint16()))
	if err != nil {
		return err
	}

	atomics := []*dclass.Field{f}
	if f.IsMolecular() {
		atomics = f.Atomics()
	}
	for _, a := range atomics {
		if a.HasKeyword(dclass.KW_REQUIRED) {
			return errors.Wrapf(ErrUnknownField, "required field %s can not be deleted", a)
		}
	}

	for _, a := range atomics {
		if _, ok := obj.ram[a.ID]; !ok {
			continue
		}
		delete(obj.ram, a.ID)
		fid := a.ID
		obj.send(obj.fieldTargets(a, hdr.Sender), hdr.Sender, proto.MT_DELETE_FIELD_RAM, func(pkt *netutil.Packet) {
			pkt.AppendDoID(obj.ID)
			pkt.AppendUint16(uint16(fid))
		})
	}
	return nil
}

// fieldValue returns the stored value of the field, molecular values are assembled from their atomics
func (obj *DistributedObject) fieldValue(f *dclass.Field) ([]byte, bool) {
	if !f.IsMolecular() {
		return obj.Field(f.ID)
	}
	var v []byte
	for _, a := range f.Atomics() {
		av, ok := obj.Field(a.ID)
		if !ok {
			return nil, false
		}
		v = append(v, av...)
	}
	return v, true
}

func (obj *DistributedObject) handleGetField(hdr proto.Header, pkt *netutil.Packet) error {
	context := pkt.ReadUint32()
	if !obj.readTarget(pkt) {
		return nil
	}
	allowMissing := pkt.ReadBool()
	fid := common.FieldID(pkt.ReadUint16())

	code := proto.ERR_OK
	var value []byte
	var found bool
	if f, err := obj.lookupField(fid); err != nil {
		code = proto.ERR_UNKNOWN_FIELD
	} else if value, found = obj.fieldValue(f); !found && !allowMissing {
		code = proto.ERR_FIELD_MISSING
	}

	obj.sendTo(hdr.Sender, proto.MT_GET_FIELD_RESP, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		pkt.AppendUint8(uint8(code))
		if code != proto.ERR_OK {
			return
		}
		pkt.AppendUint16(uint16(fid))
		pkt.AppendBool(found)
		if found {
			pkt.AppendBytes(value)
		}
	})
	return nil
}

func (obj *DistributedObject) handleGetFields(hdr proto.Header, pkt *netutil.Packet) error {
	context := pkt.ReadUint32()
	if !obj.readTarget(pkt) {
		return nil
	}
	allowMissing := pkt.ReadBool()
	n := int(pkt.ReadUint16())

	code := proto.ERR_OK
	var found []dclass.AtomicValue
	for i := 0; i < n && code == proto.ERR_OK; i++ {
		f, err := obj.lookupField(common.FieldID(pkt.ReadUint16()))
		if err != nil {
			code = proto.ERR_UNKNOWN_FIELD
			break
		}
		if v, ok := obj.fieldValue(f); ok {
			found = append(found, dclass.AtomicValue{Field: f, Value: v})
		} else if !allowMissing {
			code = proto.ERR_FIELD_MISSING
		}
	}
	if code != proto.ERR_OK {
		found = nil
	}

	obj.sendTo(hdr.Sender, proto.MT_GET_FIELDS_RESP, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		pkt.AppendUint8(uint8(code))
		pkt.AppendUint16(uint16(len(found)))
		for _, fv := range found {
			pkt.AppendUint16(uint16(fv.Field.ID))
			pkt.AppendBytes(fv.Value)
		}
	})
	return nil
}

func (obj *DistributedObject) handleGetAll(hdr proto.Header, pkt *netutil.Packet) error {
	context := pkt.ReadUint32()
	if !obj.readTarget(pkt) {
		return nil
	}
	obj.sendTo(hdr.Sender, proto.MT_GET_ALL_RESP, func(pkt *netutil.Packet) {
		pkt.AppendUint32(context)
		pkt.AppendUint8(uint8(proto.ERR_OK))
		obj.appendSnapshot(pkt, allRAM)
	})
	return nil
}
