package proto

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/netutil"
)

func TestDatagramHeader(t *testing.T) {
	targets := common.ChannelSet{}
	targets.Add(common.LocationChannel(100000000, 3))
	targets.Add(common.ObjectChannel(100000001))
	targets.Add(common.INVALID_CHANNEL)

	pkt := NewDatagramTo(targets, 4000, MT_SET_FIELD)
	pkt.AppendDoID(100000001)

	hdr, err := PeekHeader(pkt)
	assert.Equal(t, nil, err)
	assert.Equal(t, []common.Channel{common.ObjectChannel(100000001), common.LocationChannel(100000000, 3)}, hdr.Targets)
	assert.Equal(t, common.Channel(4000), hdr.Sender)
	assert.Equal(t, MT_SET_FIELD, hdr.MsgType)
	assert.Equal(t, uint32(0), pkt.ReadCursor())

	_, err = ReadHeader(pkt)
	assert.Equal(t, nil, err)
	assert.Equal(t, common.DoID(100000001), pkt.ReadDoID())
}

func TestMalformedHeader(t *testing.T) {
	pkt := netutil.NewPacketWithPayload([]byte{0})
	_, err := ReadHeader(pkt)
	assert.Equal(t, ErrMalformedDatagram, errors.Cause(err))

	pkt = netutil.NewPacketWithPayload([]byte{2, 1, 0, 0})
	_, err = ReadHeader(pkt)
	assert.Equal(t, ErrMalformedDatagram, errors.Cause(err))
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "DELETE_RAM", MT_DELETE_RAM.String())
	assert.Equal(t, "MsgType<1>", MsgType(1).String())
	assert.Equal(t, "root already exists", ERR_ROOT_ALREADY_EXISTS.String())
	assert.T(t, MT_ENTER_LOCATION_WITH_REQUIRED_OTHER.IsEnterLocation())
	assert.T(t, !MT_ENTER_INTEREST_WITH_REQUIRED.IsEnterLocation())
}
