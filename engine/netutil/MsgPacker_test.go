package netutil

import (
	"testing"
)

type testMsg struct {
	ID        string
	F1        float64
	F2        int
	ListField []interface{}
	MapField  map[string]interface{}
}

func BenchmarkMessagePackMsgPacker(b *testing.B) {
	packer := MessagePackMsgPacker{}
	msg := testMsg{
		ID:        "abc",
		F1:        0.123124234,
		ListField: []interface{}{1, 2, 3, "abc", "def"},
		MapField:  map[string]interface{}{"a": 1, "b": "c"},
	}

	var totalSize int64
	for i := 0; i < b.N; i++ {
		buf := make([]byte, 0, 100)
		buf, _ = packer.PackMsg(msg, buf)
		totalSize += int64(len(buf))

		var restoreMsg testMsg
		_ = packer.UnpackMsg(buf, &restoreMsg)
	}
	b.Logf("average size: %d", totalSize/int64(b.N))
}

func TestMessagePackMsgPacker_UnpackMsg(t *testing.T) {
	packer := MessagePackMsgPacker{}
	msg := testMsg{ID: "abc", F1: 1.5, F2: 7}
	buf, err := packer.PackMsg(msg, nil)
	if err != nil {
		t.Fatal(err)
	}

	var restoreMsg testMsg
	if err := packer.UnpackMsg(buf, &restoreMsg); err != nil {
		t.Fatal(err)
	}
	if restoreMsg.ID != "abc" || restoreMsg.F1 != 1.5 || restoreMsg.F2 != 7 {
		t.Errorf("wrong message: %+v", restoreMsg)
	}
}
