package transcribe

import (
	"bytes"
	"testing"
)

func TestRing_KeepsNewestBytes(t *testing.T) {
	t.Parallel()
	r := newRing(4)
	r.write([]byte{1, 2, 3})
	r.write([]byte{4, 5, 6})
	if got := r.bytes(); !bytes.Equal(got, []byte{3, 4, 5, 6}) {
		t.Errorf("got %v", got)
	}
	r.reset()
	if len(r.bytes()) != 0 {
		t.Error("reset must empty the ring")
	}

	off := newRing(0)
	off.write([]byte{1, 2})
	if len(off.bytes()) != 0 {
		t.Error("zero-size ring must stay empty")
	}
}
