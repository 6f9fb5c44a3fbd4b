package proto

import "fmt"

// MsgType is the type of message types
type MsgType uint16

// Message types handled by the state server control channel
const (
	// MT_STATESERVER_MSG_TYPE_START is the first message type handled by the state server
	MT_STATESERVER_MSG_TYPE_START MsgType = 2000 + iota
	// MT_GENERATE_WITH_REQUIRED creates an object from its required fields
	MT_GENERATE_WITH_REQUIRED
	// MT_GENERATE_WITH_REQUIRED_OTHER creates an object from its required fields and some ram fields
	MT_GENERATE_WITH_REQUIRED_OTHER
	// MT_GENERATE_RESP answers a generate request with the new object id or the error
	MT_GENERATE_RESP
	// MT_DELETE_AI_OBJECTS deletes every object explicitly managed by an AI channel
	MT_DELETE_AI_OBJECTS
)

// Message types for object fields
const (
	// MT_SET_FIELD updates one field
	MT_SET_FIELD MsgType = 2020 + iota
	// MT_SET_FIELDS updates several fields at once
	MT_SET_FIELDS
	// MT_DELETE_FIELD_RAM removes a ram field
	MT_DELETE_FIELD_RAM
	MT_GET_FIELD
	MT_GET_FIELD_RESP
	MT_GET_FIELDS
	MT_GET_FIELDS_RESP
	// MT_GET_ALL queries the placement, class and every stored field of an object
	MT_GET_ALL
	MT_GET_ALL_RESP
)

// Message types for the deletion protocol
const (
	// MT_DELETE_RAM starts deletion when addressed to the object, and announces a finished deletion otherwise
	MT_DELETE_RAM MsgType = 2040 + iota
	// MT_DELETE_CHILDREN asks every child of a parent to delete itself
	MT_DELETE_CHILDREN
)

// Message types for placement
const (
	// MT_SET_LOCATION moves an object to a (parent, zone)
	MT_SET_LOCATION MsgType = 2050 + iota
	// MT_CHANGING_LOCATION notifies that an object moved from an old to a new location
	MT_CHANGING_LOCATION
	// MT_LEAVING_LOCATION notifies the parent that a deleting child leaves its location
	MT_LEAVING_LOCATION
	// MT_ENTER_LOCATION_WITH_REQUIRED announces an object to its location
	MT_ENTER_LOCATION_WITH_REQUIRED
	// MT_ENTER_LOCATION_WITH_REQUIRED_OTHER announces an object with its broadcast ram fields to its location
	MT_ENTER_LOCATION_WITH_REQUIRED_OTHER
	// MT_LOCATION_ACK is sent by the parent after indexing a child
	MT_LOCATION_ACK
	MT_GET_LOCATION
	MT_GET_LOCATION_RESP
)

// Message types for AI (management) authority
const (
	MT_SET_AI MsgType = 2070 + iota
	// MT_CHANGING_AI notifies the old AI and the children of a new AI channel
	MT_CHANGING_AI
	// MT_ENTER_AI_WITH_REQUIRED_OTHER sends the full object snapshot to a new AI
	MT_ENTER_AI_WITH_REQUIRED_OTHER
	MT_GET_AI
	MT_GET_AI_RESP
)

// Message types for owner (control) authority
const (
	MT_SET_OWNER MsgType = 2080 + iota
	// MT_CHANGING_OWNER notifies the old owner of a new owner channel
	MT_CHANGING_OWNER
	// MT_ENTER_OWNER_WITH_REQUIRED_OTHER sends the full object snapshot to a new owner
	MT_ENTER_OWNER_WITH_REQUIRED_OTHER
)

// Message types for subtree queries
const (
	// MT_GET_ZONE_OBJECTS queries the objects in one zone of a parent
	MT_GET_ZONE_OBJECTS MsgType = 2100 + iota
	// MT_GET_ZONES_OBJECTS queries the objects in several zones of a parent
	MT_GET_ZONES_OBJECTS
	// MT_GET_ZONES_OBJECTS_RESP carries the number of objects that will enter the requester
	MT_GET_ZONES_OBJECTS_RESP
	// MT_GET_CHILDREN queries every child of a parent
	MT_GET_CHILDREN
	MT_GET_CHILDREN_RESP
	MT_GET_ZONES_COUNT
	MT_GET_ZONES_COUNT_RESP
	MT_GET_CHILD_COUNT
	MT_GET_CHILD_COUNT_RESP
	// MT_ENTER_INTEREST_WITH_REQUIRED is sent by a child to the requester of a subtree query
	MT_ENTER_INTEREST_WITH_REQUIRED
	// MT_ENTER_INTEREST_WITH_REQUIRED_OTHER is MT_ENTER_INTEREST_WITH_REQUIRED with broadcast ram fields
	MT_ENTER_INTEREST_WITH_REQUIRED_OTHER
)

// Message types handled by clients
const (
	// MT_CLIENT_MSG_TYPE_START is the first message type handled by clients
	MT_CLIENT_MSG_TYPE_START MsgType = 3000 + iota
	// MT_ADD_INTEREST opens or alters an interest of the client
	MT_ADD_INTEREST
	// MT_REMOVE_INTEREST closes an interest of the client
	MT_REMOVE_INTEREST
	// MT_DONE_INTEREST_RESP is sent to the requester when an interest operation is done
	MT_DONE_INTEREST_RESP
	// MT_DECLARE_OBJECT makes an object a session object of the client
	MT_DECLARE_OBJECT
	MT_UNDECLARE_OBJECT
)

var msgTypeNames = map[MsgType]string{
	MT_GENERATE_WITH_REQUIRED:             "GENERATE_WITH_REQUIRED",
	MT_GENERATE_WITH_REQUIRED_OTHER:       "GENERATE_WITH_REQUIRED_OTHER",
	MT_GENERATE_RESP:                      "GENERATE_RESP",
	MT_DELETE_AI_OBJECTS:                  "DELETE_AI_OBJECTS",
	MT_SET_FIELD:                          "SET_FIELD",
	MT_SET_FIELDS:                         "SET_FIELDS",
	MT_DELETE_FIELD_RAM:                   "DELETE_FIELD_RAM",
	MT_GET_FIELD:                          "GET_FIELD",
	MT_GET_FIELD_RESP:                     "GET_FIELD_RESP",
	MT_GET_FIELDS:                         "GET_FIELDS",
	MT_GET_FIELDS_RESP:                    "GET_FIELDS_RESP",
	MT_GET_ALL:                            "GET_ALL",
	MT_GET_ALL_RESP:                       "GET_ALL_RESP",
	MT_DELETE_RAM:                         "DELETE_RAM",
	MT_DELETE_CHILDREN:                    "DELETE_CHILDREN",
	MT_SET_LOCATION:                       "SET_LOCATION",
	MT_CHANGING_LOCATION:                  "CHANGING_LOCATION",
	MT_LEAVING_LOCATION:                   "LEAVING_LOCATION",
	MT_ENTER_LOCATION_WITH_REQUIRED:       "ENTER_LOCATION_WITH_REQUIRED",
	MT_ENTER_LOCATION_WITH_REQUIRED_OTHER: "ENTER_LOCATION_WITH_REQUIRED_OTHER",
	MT_LOCATION_ACK:                       "LOCATION_ACK",
	MT_GET_LOCATION:                       "GET_LOCATION",
	MT_GET_LOCATION_RESP:                  "GET_LOCATION_RESP",
	MT_SET_AI:                             "SET_AI",
	MT_CHANGING_AI:                        "CHANGING_AI",
	MT_ENTER_AI_WITH_REQUIRED_OTHER:       "ENTER_AI_WITH_REQUIRED_OTHER",
	MT_GET_AI:                             "GET_AI",
	MT_GET_AI_RESP:                        "GET_AI_RESP",
	MT_SET_OWNER:                          "SET_OWNER",
	MT_CHANGING_OWNER:                     "CHANGING_OWNER",
	MT_ENTER_OWNER_WITH_REQUIRED_OTHER:    "ENTER_OWNER_WITH_REQUIRED_OTHER",
	MT_GET_ZONE_OBJECTS:                   "GET_ZONE_OBJECTS",
	MT_GET_ZONES_OBJECTS:                  "GET_ZONES_OBJECTS",
	MT_GET_ZONES_OBJECTS_RESP:             "GET_ZONES_OBJECTS_RESP",
	MT_GET_CHILDREN:                       "GET_CHILDREN",
	MT_GET_CHILDREN_RESP:                  "GET_CHILDREN_RESP",
	MT_GET_ZONES_COUNT:                    "GET_ZONES_COUNT",
	MT_GET_ZONES_COUNT_RESP:               "GET_ZONES_COUNT_RESP",
	MT_GET_CHILD_COUNT:                    "GET_CHILD_COUNT",
	MT_GET_CHILD_COUNT_RESP:               "GET_CHILD_COUNT_RESP",
	MT_ENTER_INTEREST_WITH_REQUIRED:       "ENTER_INTEREST_WITH_REQUIRED",
	MT_ENTER_INTEREST_WITH_REQUIRED_OTHER: "ENTER_INTEREST_WITH_REQUIRED_OTHER",
	MT_ADD_INTEREST:                       "ADD_INTEREST",
	MT_REMOVE_INTEREST:                    "REMOVE_INTEREST",
	MT_DONE_INTEREST_RESP:                 "DONE_INTEREST_RESP",
	MT_DECLARE_OBJECT:                     "DECLARE_OBJECT",
	MT_UNDECLARE_OBJECT:                   "UNDECLARE_OBJECT",
}

func (mt MsgType) String() string {
	if name, ok := msgTypeNames[mt]; ok {
		return name
	}
	return fmt.Sprintf("MsgType<%d>", uint16(mt))
}

// IsEnterLocation returns if the message type announces an object to its location
func (mt MsgType) IsEnterLocation() bool {
	return mt == MT_ENTER_LOCATION_WITH_REQUIRED || mt == MT_ENTER_LOCATION_WITH_REQUIRED_OTHER
}

// IsEnterInterest returns if the message type answers a subtree query
func (mt MsgType) IsEnterInterest() bool {
	return mt == MT_ENTER_INTEREST_WITH_REQUIRED || mt == MT_ENTER_INTEREST_WITH_REQUIRED_OTHER
}

// ErrCode is the result code carried by response messages
type ErrCode uint8

const (
	// ERR_OK means success
	ERR_OK ErrCode = iota
	ERR_NO_ROOT_YET
	ERR_ROOT_ALREADY_EXISTS
	ERR_UNKNOWN_CLASS
	// ERR_ID_EXHAUSTED means the state server can not allocate more object ids
	ERR_ID_EXHAUSTED
	ERR_MALFORMED
	ERR_UNKNOWN_FIELD
	ERR_INVALID_LOCATION
	// ERR_FIELD_MISSING means a queried ram field was never set
	ERR_FIELD_MISSING
	ERR_UNKNOWN_OBJECT
)

var errCodeNames = [...]string{
	ERR_OK:                  "ok",
	ERR_NO_ROOT_YET:         "no root yet",
	ERR_ROOT_ALREADY_EXISTS: "root already exists",
	ERR_UNKNOWN_CLASS:       "unknown class",
	ERR_ID_EXHAUSTED:        "id exhausted",
	ERR_MALFORMED:           "malformed",
	ERR_UNKNOWN_FIELD:       "unknown field",
	ERR_INVALID_LOCATION:    "invalid location",
	ERR_FIELD_MISSING:       "field missing",
	ERR_UNKNOWN_OBJECT:      "unknown object",
}

func (ec ErrCode) String() string {
	if int(ec) < len(errCodeNames) {
		return errCodeNames[ec]
	}
	return fmt.Sprintf("ErrCode<%d>", uint8(ec))
}
