package virtio

import (
	"bytes"
	"testing"
)

func TestConsoleQueueNotifyDrainsToOut(t *testing.T) {
	q, mm := newTestQueue(t)
	out := &bytes.Buffer{}
	c := NewConsole(out)

	if err := mm.WriteGPA(testBufGPA, []byte("hi\n")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	writeDesc(t, mm, 0, testBufGPA, 3, 0, 0)
	postAvail(t, mm, 0, 0, 1)

	if err := c.QueueNotify(q); err != nil {
		t.Fatalf("queue notify: %v", err)
	}
	if out.String() != "hi\n" {
		t.Fatalf("out = %q, want %q", out.String(), "hi\n")
	}

	usedIdx, err := q.usedIdx()
	if err != nil {
		t.Fatalf("used idx: %v", err)
	}
	if usedIdx != 1 {
		t.Fatalf("used idx = %d, want 1", usedIdx)
	}
}

func TestConsoleQueueNotifySkipsZeroLengthDescriptors(t *testing.T) {
	q, mm := newTestQueue(t)
	out := &bytes.Buffer{}
	c := NewConsole(out)

	writeDesc(t, mm, 0, testBufGPA, 0, 0, 0)
	postAvail(t, mm, 0, 0, 1)

	if err := c.QueueNotify(q); err != nil {
		t.Fatalf("queue notify: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected nothing written for a zero-length descriptor, got %q", out.String())
	}
}

func TestConsoleConfigRoundTrip(t *testing.T) {
	c := NewConsole(&bytes.Buffer{})

	data := make([]byte, 2)
	if err := c.ConfigRead(0x00, data); err != nil {
		t.Fatalf("config read cols: %v", err)
	}
	if data[0] != 80 || data[1] != 0 {
		t.Fatalf("cols = %v, want 80", data)
	}

	if err := c.ConfigWrite(0x02, []byte{50, 0}); err != nil {
		t.Fatalf("config write rows: %v", err)
	}
	if c.config.rows != 50 {
		t.Fatalf("rows = %d, want 50", c.config.rows)
	}
}
