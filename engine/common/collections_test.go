package common

import (
	"testing"

	"github.com/bmizerany/assert"
)

func TestDoIDSet(t *testing.T) {
	s := DoIDSet{}
	s.Add(3)
	s.Add(1)
	s.Add(2)
	assert.T(t, s.Contains(1), "should contain")
	s.Del(2)
	assert.T(t, !s.Contains(2), "should not contain")
	assert.Equal(t, []DoID{1, 3}, s.ToList())
}

func TestZoneSet(t *testing.T) {
	ab := NewZoneSet(1, 2)
	bc := NewZoneSet(2, 3)
	assert.Equal(t, []ZoneID{1}, ab.Diff(bc).ToList())
	assert.Equal(t, []ZoneID{3}, bc.Diff(ab).ToList())

	cp := ab.Copy()
	cp.Del(1)
	assert.T(t, ab.Contains(1), "copy should not alias")
	assert.Tf(t, len(cp) == 1, "wrong length: %v", cp)
}

func TestChannelSet(t *testing.T) {
	cs := ChannelSet{}
	cs.Add(INVALID_CHANNEL)
	assert.Tf(t, len(cs) == 0, "invalid channel should be ignored: %v", cs)
	cs.Add(LocationChannel(1, 2))
	cs.Add(LocationChannel(1, 2))
	cs.Add(ObjectChannel(1))
	assert.Equal(t, []Channel{ObjectChannel(1), LocationChannel(1, 2)}, cs.ToList())
}
