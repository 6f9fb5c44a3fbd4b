package netutil

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/common"
)

const (
	_MIN_PAYLOAD_CAP = 128
	// MAX_PAYLOAD_LENGTH is the max size of a datagram payload
	MAX_PAYLOAD_LENGTH = 1024 * 1024
)

var (
	packetEndian = binary.LittleEndian

	// ErrPacketTruncated is raised when reading past the end of the payload
	ErrPacketTruncated = errors.New("packet truncated")
	// ErrPacketTooLarge is raised when the payload grows beyond MAX_PAYLOAD_LENGTH
	ErrPacketTooLarge = errors.New("packet too large")

	packetPool = sync.Pool{
		New: func() interface{} {
			return &Packet{
				bytes: make([]byte, 0, _MIN_PAYLOAD_CAP),
			}
		},
	}
)

// Packet is a datagram payload being built or read
//
// Read* methods panic with ErrPacketTruncated when there is not enough unread payload,
// the dispatch loops recover from it and drop the datagram.
type Packet struct {
	readCursor uint32
	bytes      []byte
}

// NewPacket allocates a new packet
func NewPacket() *Packet {
	p := packetPool.Get().(*Packet)
	p.readCursor = 0
	p.bytes = p.bytes[:0]
	return p
}

// NewPacketWithPayload allocates a new packet holding a copy of the payload
func NewPacketWithPayload(payload []byte) *Packet {
	p := NewPacket()
	p.AppendBytes(payload)
	return p
}

// Release releases the packet to packet pool, the packet must not be used afterwards
func (p *Packet) Release() {
	if cap(p.bytes) > MAX_PAYLOAD_LENGTH/16 {
		// do not keep huge buffers in the pool
		p.bytes = make([]byte, 0, _MIN_PAYLOAD_CAP)
	}
	packetPool.Put(p)
}

// Copy returns a new packet with the same payload and read cursor
func (p *Packet) Copy() *Packet {
	cp := NewPacketWithPayload(p.bytes)
	cp.readCursor = p.readCursor
	return cp
}

// Payload returns the total payload of packet
func (p *Packet) Payload() []byte {
	return p.bytes
}

// GetPayloadLen returns the payload length
func (p *Packet) GetPayloadLen() uint32 {
	return uint32(len(p.bytes))
}

// ReadCursor returns the position of the next read
func (p *Packet) ReadCursor() uint32 {
	return p.readCursor
}

// SetReadCursor moves the read cursor to pos
func (p *Packet) SetReadCursor(pos uint32) {
	if pos > uint32(len(p.bytes)) {
		panic(errors.Wrapf(ErrPacketTruncated, "set read cursor to %d, payload is %d", pos, len(p.bytes)))
	}
	p.readCursor = pos
}

// HasUnreadPayload returns if there is payload left to read
func (p *Packet) HasUnreadPayload() bool {
	return p.readCursor < uint32(len(p.bytes))
}

func (p *Packet) grow(n int) []byte {
	oldLen := len(p.bytes)
	if oldLen+n > MAX_PAYLOAD_LENGTH {
		panic(errors.Wrapf(ErrPacketTooLarge, "payload %d + %d", oldLen, n))
	}
	if oldLen+n > cap(p.bytes) {
		newCap := cap(p.bytes) * 2
		if newCap < oldLen+n {
			newCap = oldLen + n
		}
		buf := make([]byte, oldLen, newCap)
		copy(buf, p.bytes)
		p.bytes = buf
	}
	p.bytes = p.bytes[:oldLen+n]
	return p.bytes[oldLen:]
}

// AppendByte appends one byte to the end of payload
func (p *Packet) AppendByte(b byte) {
	p.grow(1)[0] = b
}

// AppendUint8 appends one uint8 to the end of payload
func (p *Packet) AppendUint8(v uint8) {
	p.AppendByte(v)
}

// AppendBool appends one byte 1/0 to the end of payload
func (p *Packet) AppendBool(b bool) {
	if b {
		p.AppendByte(1)
	} else {
		p.AppendByte(0)
	}
}

// AppendUint16 appends one uint16 to the end of payload
func (p *Packet) AppendUint16(v uint16) {
	packetEndian.PutUint16(p.grow(2), v)
}

// AppendUint32 appends one uint32 to the end of payload
func (p *Packet) AppendUint32(v uint32) {
	packetEndian.PutUint32(p.grow(4), v)
}

// AppendUint64 appends one uint64 to the end of payload
func (p *Packet) AppendUint64(v uint64) {
	packetEndian.PutUint64(p.grow(8), v)
}

// AppendFloat64 appends one float64 to the end of payload
func (p *Packet) AppendFloat64(f float64) {
	p.AppendUint64(math.Float64bits(f))
}

// AppendBytes appends slice of bytes to the end of payload
func (p *Packet) AppendBytes(v []byte) {
	copy(p.grow(len(v)), v)
}

// AppendVarBytes appends bytes prefixed with an uint16 length to the end of payload
func (p *Packet) AppendVarBytes(v []byte) {
	if len(v) > math.MaxUint16 {
		panic(errors.Wrapf(ErrPacketTooLarge, "var bytes of length %d", len(v)))
	}
	p.AppendUint16(uint16(len(v)))
	p.AppendBytes(v)
}

// AppendVarStr appends a varsize string to the end of payload
func (p *Packet) AppendVarStr(s string) {
	p.AppendVarBytes([]byte(s))
}

// AppendDoID appends one object ID to the end of payload
func (p *Packet) AppendDoID(id common.DoID) {
	p.AppendUint32(uint32(id))
}

// AppendZoneID appends one zone to the end of payload
func (p *Packet) AppendZoneID(zone common.ZoneID) {
	p.AppendUint32(uint32(zone))
}

// AppendChannel appends one channel to the end of payload
func (p *Packet) AppendChannel(ch common.Channel) {
	p.AppendUint64(uint64(ch))
}

// AppendLocation appends a (parent, zone) pair to the end of payload
func (p *Packet) AppendLocation(parent common.DoID, zone common.ZoneID) {
	p.AppendDoID(parent)
	p.AppendZoneID(zone)
}

// AppendZoneList appends an uint16 count and the zones in ascending order
func (p *Packet) AppendZoneList(zones common.ZoneSet) {
	p.AppendUint16(uint16(len(zones)))
	for _, z := range zones.ToList() {
		p.AppendZoneID(z)
	}
}

// AppendData appends one data of any type to the end of payload
func (p *Packet) AppendData(msg interface{}) {
	dataBytes, err := MSG_PACKER.PackMsg(msg, nil)
	if err != nil {
		panic(err)
	}

	p.AppendVarBytes(dataBytes)
}

func (p *Packet) read(n uint32) []byte {
	pos := p.readCursor
	if pos+n > uint32(len(p.bytes)) {
		panic(errors.Wrapf(ErrPacketTruncated, "payload is %d, but reading %d+%d", len(p.bytes), pos, n))
	}
	p.readCursor += n
	return p.bytes[pos : pos+n]
}

// ReadOneByte reads one byte from the beginning
func (p *Packet) ReadOneByte() byte {
	return p.read(1)[0]
}

// ReadUint8 reads one uint8 from the beginning of unread payload
func (p *Packet) ReadUint8() uint8 {
	return p.ReadOneByte()
}

// ReadBool reads one byte 1/0 from the beginning of unread payload
func (p *Packet) ReadBool() bool {
	return p.ReadOneByte() != 0
}

// ReadUint16 reads one uint16 from the beginning of unread payload
func (p *Packet) ReadUint16() uint16 {
	return packetEndian.Uint16(p.read(2))
}

// ReadUint32 reads one uint32 from the beginning of unread payload
func (p *Packet) ReadUint32() uint32 {
	return packetEndian.Uint32(p.read(4))
}

// ReadUint64 reads one uint64 from the beginning of unread payload
func (p *Packet) ReadUint64() uint64 {
	return packetEndian.Uint64(p.read(8))
}

// ReadFloat64 reads one float64 from the beginning of unread payload
func (p *Packet) ReadFloat64() float64 {
	return math.Float64frombits(p.ReadUint64())
}

// ReadBytes reads bytes from the beginning of unread payload, the bytes are copied
func (p *Packet) ReadBytes(size uint32) []byte {
	b := p.read(size)
	res := make([]byte, len(b))
	copy(res, b)
	return res
}

// ReadVarBytes reads an uint16-length-prefixed slice of bytes
func (p *Packet) ReadVarBytes() []byte {
	blen := p.ReadUint16()
	return p.ReadBytes(uint32(blen))
}

// ReadVarStr reads a varsize string from the beginning of unread payload
func (p *Packet) ReadVarStr() string {
	return string(p.ReadVarBytes())
}

// ReadDoID reads one object ID from the beginning of unread payload
func (p *Packet) ReadDoID() common.DoID {
	return common.DoID(p.ReadUint32())
}

// ReadZoneID reads one zone from the beginning of unread payload
func (p *Packet) ReadZoneID() common.ZoneID {
	return common.ZoneID(p.ReadUint32())
}

// ReadChannel reads one channel from the beginning of unread payload
func (p *Packet) ReadChannel() common.Channel {
	return common.Channel(p.ReadUint64())
}

// ReadLocation reads a (parent, zone) pair
func (p *Packet) ReadLocation() (common.DoID, common.ZoneID) {
	parent := p.ReadDoID()
	zone := p.ReadZoneID()
	return parent, zone
}

// ReadZoneList reads an uint16 count and that many zones
func (p *Packet) ReadZoneList() common.ZoneSet {
	n := int(p.ReadUint16())
	zones := make(common.ZoneSet, n)
	for i := 0; i < n; i++ {
		zones.Add(p.ReadZoneID())
	}
	return zones
}

// ReadData reads one data of any type from the beginning of unread payload
func (p *Packet) ReadData(msg interface{}) {
	b := p.ReadVarBytes()
	if err := MSG_PACKER.UnpackMsg(b, msg); err != nil {
		panic(errors.Wrap(err, "unpack data failed"))
	}
}
