package stateserver

import (
	"bytes"

	"github.com/xiaonanln/gostate/engine/common"
)

// ObjectMap is the data structure for maintaining object IDs to objects
type ObjectMap map[common.DoID]*DistributedObject

// Add adds a new object to ObjectMap
func (om ObjectMap) Add(obj *DistributedObject) {
	om[obj.ID] = obj
}

// Del deletes an object from ObjectMap
func (om ObjectMap) Del(id common.DoID) {
	delete(om, id)
}

// Get returns the object of specified object ID in ObjectMap
func (om ObjectMap) Get(id common.DoID) *DistributedObject {
	return om[id]
}

func (om ObjectMap) String() string {
	ids := make(common.DoIDSet, len(om))
	for id := range om {
		ids.Add(id)
	}

	b := bytes.Buffer{}
	b.WriteString("{")
	for i, id := range ids.ToList() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(om[id].String())
	}
	b.WriteString("}")
	return b.String()
}
