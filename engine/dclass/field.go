package dclass

import (
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/common"
	"github.com/xiaonanln/gostate/engine/gwutils"
	"github.com/xiaonanln/gostate/engine/netutil"
	"github.com/xiaonanln/typeconv"
)

// FieldType is the value type of a field
type FieldType uint8

const (
	FT_INT8 FieldType = iota + 1
	FT_INT16
	FT_INT32
	FT_INT64
	FT_UINT8
	FT_UINT16
	FT_UINT32
	FT_UINT64
	FT_FLOAT64
	// FT_STRING is an uint16-length-prefixed utf8 string
	FT_STRING
	// FT_BLOB is an uint16-length-prefixed byte array
	FT_BLOB
	// FT_DATA is an uint16-length-prefixed msgpack value
	FT_DATA
	// FT_MOLECULAR is the concatenation of the values of its atomic fields
	FT_MOLECULAR
)

var fieldTypeByName = map[string]FieldType{
	"int8":    FT_INT8,
	"int16":   FT_INT16,
	"int32":   FT_INT32,
	"int64":   FT_INT64,
	"uint8":   FT_UINT8,
	"uint16":  FT_UINT16,
	"uint32":  FT_UINT32,
	"uint64":  FT_UINT64,
	"float64": FT_FLOAT64,
	"string":  FT_STRING,
	"blob":    FT_BLOB,
	"data":    FT_DATA,
}

// Keyword is a bitmask of field keywords
type Keyword uint16

const (
	// KW_REQUIRED fields are always present from construction
	KW_REQUIRED Keyword = 1 << iota
	// KW_RAM fields persist once set
	KW_RAM
	KW_DB
	// KW_BROADCAST fields are sent to the location of the object
	KW_BROADCAST
	// KW_AIRECV fields are sent to the AI of the object
	KW_AIRECV
	// KW_OWNRECV fields are sent to the owner of the object
	KW_OWNRECV
	KW_CLSEND
	KW_CLRECV
	KW_OWNSEND
)

var keywordByName = map[string]Keyword{
	"required":  KW_REQUIRED,
	"ram":       KW_RAM,
	"db":        KW_DB,
	"broadcast": KW_BROADCAST,
	"airecv":    KW_AIRECV,
	"ownrecv":   KW_OWNRECV,
	"clsend":    KW_CLSEND,
	"clrecv":    KW_CLRECV,
	"ownsend":   KW_OWNSEND,
}

func (kw Keyword) String() string {
	var names []string
	for name, k := range keywordByName {
		if kw&k != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

// Field is a field of a distributed class
type Field struct {
	ID       common.FieldID
	Name     string
	Class    *Class // the class declaring the field
	Type     FieldType
	keywords Keyword
	atomics  []*Field
}

// AtomicValue is the value of one atomic field split from a molecular value
type AtomicValue struct {
	Field *Field
	Value []byte
}

func (f *Field) String() string {
	return f.Class.Name + "." + f.Name
}

// HasKeyword returns if the field has all the keywords
func (f *Field) HasKeyword(kw Keyword) bool {
	return f.keywords&kw == kw
}

// Keywords returns the keywords of the field
func (f *Field) Keywords() Keyword {
	return f.keywords
}

// IsMolecular returns if the field is molecular
func (f *Field) IsMolecular() bool {
	return f.Type == FT_MOLECULAR
}

// Atomics returns the atomic fields of a molecular field in wire order
func (f *Field) Atomics() []*Field {
	return f.atomics
}

// Unpack reads the bytes of exactly one value of the field from the packet
func (f *Field) Unpack(pkt *netutil.Packet) (b []byte, err error) {
	start := pkt.ReadCursor()
	err = gwutils.CatchPanic(func() error {
		f.skip(pkt)
		return nil
	})
	if err != nil {
		pkt.SetReadCursor(start)
		return nil, errors.Wrapf(ErrMalformedValue, "%s: %v", f, err)
	}
	b = make([]byte, pkt.ReadCursor()-start)
	copy(b, pkt.Payload()[start:pkt.ReadCursor()])
	return b, nil
}

func (f *Field) skip(pkt *netutil.Packet) {
	switch f.Type {
	case FT_INT8, FT_UINT8:
		pkt.ReadUint8()
	case FT_INT16, FT_UINT16:
		pkt.ReadUint16()
	case FT_INT32, FT_UINT32:
		pkt.ReadUint32()
	case FT_INT64, FT_UINT64, FT_FLOAT64:
		pkt.ReadUint64()
	case FT_STRING, FT_BLOB, FT_DATA:
		n := pkt.ReadUint16()
		pkt.SetReadCursor(pkt.ReadCursor() + uint32(n))
	case FT_MOLECULAR:
		for _, a := range f.atomics {
			a.skip(pkt)
		}
	}
}

// SplitMolecular splits the value of a molecular field into its atomic values in wire order
func (f *Field) SplitMolecular(b []byte) ([]AtomicValue, error) {
	if !f.IsMolecular() {
		return nil, errors.Errorf("%s is not molecular", f)
	}

	pkt := netutil.NewPacketWithPayload(b)
	defer pkt.Release()

	values := make([]AtomicValue, 0, len(f.atomics))
	for _, a := range f.atomics {
		v, err := a.Unpack(pkt)
		if err != nil {
			return nil, errors.WithMessagef(err, "split %s", f)
		}
		values = append(values, AtomicValue{Field: a, Value: v})
	}
	if pkt.HasUnreadPayload() {
		return nil, errors.Wrapf(ErrMalformedValue, "%s: trailing bytes", f)
	}
	return values, nil
}

// Validate checks that b is exactly one value of the field
func (f *Field) Validate(b []byte) error {
	pkt := netutil.NewPacketWithPayload(b)
	defer pkt.Release()

	if _, err := f.Unpack(pkt); err != nil {
		return err
	}
	if pkt.HasUnreadPayload() {
		return errors.Wrapf(ErrMalformedValue, "%s: trailing bytes", f)
	}
	return nil
}

// Decode decodes the bytes of one value of the field
//
// Signed integers decode to int64, unsigned integers to uint64, molecular values to []interface{}.
func (f *Field) Decode(b []byte) (v interface{}, err error) {
	if err = f.Validate(b); err != nil {
		return nil, err
	}

	pkt := netutil.NewPacketWithPayload(b)
	defer pkt.Release()
	err = gwutils.CatchPanic(func() error {
		v = f.read(pkt)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedValue, "%s: %v", f, err)
	}
	return
}

func (f *Field) read(pkt *netutil.Packet) interface{} {
	switch f.Type {
	case FT_INT8:
		return int64(int8(pkt.ReadUint8()))
	case FT_INT16:
		return int64(int16(pkt.ReadUint16()))
	case FT_INT32:
		return int64(int32(pkt.ReadUint32()))
	case FT_INT64:
		return int64(pkt.ReadUint64())
	case FT_UINT8:
		return uint64(pkt.ReadUint8())
	case FT_UINT16:
		return uint64(pkt.ReadUint16())
	case FT_UINT32:
		return uint64(pkt.ReadUint32())
	case FT_UINT64:
		return pkt.ReadUint64()
	case FT_FLOAT64:
		return pkt.ReadFloat64()
	case FT_STRING:
		return pkt.ReadVarStr()
	case FT_BLOB:
		return pkt.ReadVarBytes()
	case FT_DATA:
		var data interface{}
		pkt.ReadData(&data)
		return data
	case FT_MOLECULAR:
		values := make([]interface{}, len(f.atomics))
		for i, a := range f.atomics {
			values[i] = a.read(pkt)
		}
		return values
	}
	panic(errors.Errorf("unknown field type %d", f.Type))
}

// Encode encodes a value of the field
func (f *Field) Encode(v interface{}) (b []byte, err error) {
	pkt := netutil.NewPacket()
	defer pkt.Release()

	err = gwutils.CatchPanic(func() error {
		return f.write(pkt, v)
	})
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedValue, "%s: %v", f, err)
	}
	b = make([]byte, pkt.GetPayloadLen())
	copy(b, pkt.Payload())
	return
}

// MustEncode encodes a value of the field and panics on error
func (f *Field) MustEncode(v interface{}) []byte {
	b, err := f.Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

func (f *Field) write(pkt *netutil.Packet, v interface{}) error {
	switch f.Type {
	case FT_INT8, FT_INT16, FT_INT32, FT_INT64:
		i := typeconv.Int(v)
		if !fitsSigned(i, f.Type) {
			return errors.Errorf("%d out of range", i)
		}
		appendInt(pkt, uint64(i), f.Type)
	case FT_UINT8, FT_UINT16, FT_UINT32, FT_UINT64:
		var u uint64
		if uv, ok := v.(uint64); ok {
			u = uv
		} else {
			i := typeconv.Int(v)
			if i < 0 {
				return errors.Errorf("%d out of range", i)
			}
			u = uint64(i)
		}
		if !fitsUnsigned(u, f.Type) {
			return errors.Errorf("%d out of range", u)
		}
		appendInt(pkt, u, f.Type)
	case FT_FLOAT64:
		pkt.AppendFloat64(toFloat(v))
	case FT_STRING, FT_BLOB:
		switch s := v.(type) {
		case string:
			pkt.AppendVarStr(s)
		case []byte:
			pkt.AppendVarBytes(s)
		default:
			return errors.Errorf("can not encode %T", v)
		}
	case FT_DATA:
		pkt.AppendData(v)
	case FT_MOLECULAR:
		values, ok := v.([]interface{})
		if !ok || len(values) != len(f.atomics) {
			return errors.Errorf("molecular value should be %d values", len(f.atomics))
		}
		for i, a := range f.atomics {
			if err := a.write(pkt, values[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	}
	return float64(typeconv.Int(v))
}

func appendInt(pkt *netutil.Packet, u uint64, ft FieldType) {
	switch ft {
	case FT_INT8, FT_UINT8:
		pkt.AppendUint8(uint8(u))
	case FT_INT16, FT_UINT16:
		pkt.AppendUint16(uint16(u))
	case FT_INT32, FT_UINT32:
		pkt.AppendUint32(uint32(u))
	default:
		pkt.AppendUint64(u)
	}
}

func fitsSigned(i int64, ft FieldType) bool {
	switch ft {
	case FT_INT8:
		return i >= math.MinInt8 && i <= math.MaxInt8
	case FT_INT16:
		return i >= math.MinInt16 && i <= math.MaxInt16
	case FT_INT32:
		return i >= math.MinInt32 && i <= math.MaxInt32
	}
	return true
}

func fitsUnsigned(u uint64, ft FieldType) bool {
	switch ft {
	case FT_UINT8:
		return u <= math.MaxUint8
	case FT_UINT16:
		return u <= math.MaxUint16
	case FT_UINT32:
		return u <= math.MaxUint32
	}
	return true
}
