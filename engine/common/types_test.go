package common

import "testing"

func TestChannels(t *testing.T) {
	if ObjectChannel(5) != Channel(5) {
		t.Errorf("wrong object channel: %d", ObjectChannel(5))
	}
	if LocationChannel(5, 7) != Channel(5<<32|7) {
		t.Errorf("wrong location channel: %d", LocationChannel(5, 7))
	}
	parent, zone := ChannelToLocation(LocationChannel(100000001, 2000))
	if parent != 100000001 || zone != 2000 {
		t.Errorf("wrong location: %d %d", parent, zone)
	}

	seen := map[Channel]string{}
	for name, ch := range map[string]Channel{
		"object":   ObjectChannel(9),
		"children": ChildrenChannel(9),
		"parent":   ObjectAtParentChannel(9),
		"location": LocationChannel(9, 1),
	} {
		if other, ok := seen[ch]; ok {
			t.Errorf("%s channel collides with %s channel: %d", name, other, ch)
		}
		seen[ch] = name
	}
}

func TestDoID(t *testing.T) {
	if !DoID(0).IsNil() {
		t.Fail()
	}
	if DoID(1).IsNil() {
		t.Fail()
	}
	if DoID(12).String() != "DO12" {
		t.Errorf("wrong string: %s", DoID(12))
	}
}
