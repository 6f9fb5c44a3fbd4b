package stateserver

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/dclass"
	"github.com/xiaonanln/gostate/engine/idalloc"
	"github.com/xiaonanln/gostate/engine/proto"
)

var (
	// ErrSelfParent is returned when an object is moved under itself
	ErrSelfParent = errors.New("object can not be its own parent")
	// ErrRootAlreadyExists is returned when generating a second object at (0, 0)
	ErrRootAlreadyExists = errors.New("root already exists")
	// ErrNoRootYet is returned when generating a parented object before the root
	ErrNoRootYet = errors.New("no root yet")
	// ErrInvalidLocation is returned for placements outside of the tree, like a zone of no parent or moving the root
	ErrInvalidLocation = errors.New("invalid location")
	// ErrUnknownObject is returned when a message is addressed to an object not owned by the tree
	ErrUnknownObject = errors.New("unknown object")
	// ErrUnknownField is returned when a field is not in the schema or not in the class of the object
	ErrUnknownField = errors.New("unknown field")
	// ErrMalformed is returned for datagrams and field values that can not be decoded
	ErrMalformed = errors.New("malformed datagram")
	// ErrObjectDeleting is returned when moving an object which is being deleted
	ErrObjectDeleting = errors.New("object is being deleted")
)

// errCode converts an error to the code carried by responses
func errCode(err error) proto.ErrCode {
	switch errors.Cause(err) {
	case nil:
		return proto.ERR_OK
	case ErrNoRootYet:
		return proto.ERR_NO_ROOT_YET
	case ErrRootAlreadyExists:
		return proto.ERR_ROOT_ALREADY_EXISTS
	case dclass.ErrUnknownClass:
		return proto.ERR_UNKNOWN_CLASS
	case idalloc.ErrExhausted:
		return proto.ERR_ID_EXHAUSTED
	case ErrUnknownField, dclass.ErrUnknownField:
		return proto.ERR_UNKNOWN_FIELD
	case ErrInvalidLocation, ErrSelfParent:
		return proto.ERR_INVALID_LOCATION
	case ErrUnknownObject:
		return proto.ERR_UNKNOWN_OBJECT
	}
	return proto.ERR_MALFORMED
}
