package proto

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/gwutils"
	"github.com/xiaonanln/gostate/engine/netutil"
)

// ErrMalformedDatagram is returned when a datagram header can not be decoded
var ErrMalformedDatagram = errors.New("malformed datagram")

// Header is the leading part of every datagram
//
// The sender is part of the datagram instead of transport metadata,
// because one send may be multicast to several targets.
type Header struct {
	Targets []common.Channel
	Sender  common.Channel
	MsgType MsgType
}

// NewDatagram allocates a packet and writes the datagram header
func NewDatagram(targets []common.Channel, sender common.Channel, msgtype MsgType) *netutil.Packet {
	if len(targets) > 0xFF {
		panic(errors.Errorf("too many targets: %d", len(targets)))
	}

	pkt := netutil.NewPacket()
	pkt.AppendUint8(uint8(len(targets)))
	for _, ch := range targets {
		pkt.AppendChannel(ch)
	}
	pkt.AppendChannel(sender)
	pkt.AppendUint16(uint16(msgtype))
	return pkt
}

// NewDatagramTo allocates a packet addressed to a set of targets, targets are written in ascending order
func NewDatagramTo(targets common.ChannelSet, sender common.Channel, msgtype MsgType) *netutil.Packet {
	return NewDatagram(targets.ToList(), sender, msgtype)
}

// ReadHeader reads the datagram header from the beginning of the packet,
// the read cursor is left at the first byte of the payload
func ReadHeader(pkt *netutil.Packet) (hdr Header, err error) {
	pkt.SetReadCursor(0)
	err = gwutils.CatchPanic(func() error {
		n := int(pkt.ReadUint8())
		if n == 0 {
			return errors.Wrap(ErrMalformedDatagram, "no target")
		}
		hdr.Targets = make([]common.Channel, n)
		for i := 0; i < n; i++ {
			hdr.Targets[i] = pkt.ReadChannel()
		}
		hdr.Sender = pkt.ReadChannel()
		hdr.MsgType = MsgType(pkt.ReadUint16())
		return nil
	})
	if err != nil && errors.Cause(err) != ErrMalformedDatagram {
		err = errors.Wrap(ErrMalformedDatagram, err.Error())
	}
	return
}

// PeekHeader reads the datagram header without moving the read cursor
func PeekHeader(pkt *netutil.Packet) (Header, error) {
	pos := pkt.ReadCursor()
	hdr, err := ReadHeader(pkt)
	pkt.SetReadCursor(pos)
	return hdr, err
}
