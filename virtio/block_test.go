package virtio

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"
)

const (
	testHeaderGPA = testBufGPA
	testDataGPA   = testBufGPA + 0x100
	testStatusGPA = testBufGPA + 0x300
)

func newTestBlockFile(t *testing.T, sectors int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "block-*.img")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	buf := make([]byte, sectors*BlockSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	if _, err := f.Write(buf); err != nil {
		t.Fatalf("write backing file: %v", err)
	}
	return f.Name()
}

// postBlockRequest lays out a 3-descriptor (header, data, status) chain
// at the fixed test offsets and posts it to the avail ring.
func postBlockRequest(t *testing.T, mm interface {
	WriteGPA(uint64, []byte) error
}, reqType uint32, sector uint64) {
	t.Helper()
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], reqType)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
	if err := mm.WriteGPA(testHeaderGPA, hdr[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
}

func TestBlockQueueNotifyHandlesRead(t *testing.T) {
	q, mm := newTestQueue(t)
	path := newTestBlockFile(t, 2)
	b, err := NewBlock(path, nil)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	defer b.Close()

	postBlockRequest(t, mm, blkTypeIn, 0)
	writeDesc(t, mm, 0, testHeaderGPA, 16, descFNext, 1)
	writeDesc(t, mm, 1, testDataGPA, BlockSize, descFNext, 2)
	writeDesc(t, mm, 2, testStatusGPA, 1, 0, 0)
	postAvail(t, mm, 0, 0, 1)

	if err := b.QueueNotify(q); err != nil {
		t.Fatalf("queue notify: %v", err)
	}

	status, err := mm.Read8(testStatusGPA)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != blkStatusOK {
		t.Fatalf("status = %d, want ok", status)
	}

	data, err := mm.Bytes(testDataGPA, BlockSize)
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	want := make([]byte, BlockSize)
	for i := range want {
		want[i] = byte(i)
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("sector 0 read mismatch")
	}
}

func TestBlockQueueNotifyHandlesWrite(t *testing.T) {
	q, mm := newTestQueue(t)
	path := newTestBlockFile(t, 2)
	b, err := NewBlock(path, nil)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	defer b.Close()

	payload := make([]byte, BlockSize)
	for i := range payload {
		payload[i] = 0xAB
	}
	if err := mm.WriteGPA(testDataGPA, payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	postBlockRequest(t, mm, blkTypeOut, 1)
	writeDesc(t, mm, 0, testHeaderGPA, 16, descFNext, 1)
	writeDesc(t, mm, 1, testDataGPA, BlockSize, descFNext, 2)
	writeDesc(t, mm, 2, testStatusGPA, 1, 0, 0)
	postAvail(t, mm, 0, 0, 1)

	if err := b.QueueNotify(q); err != nil {
		t.Fatalf("queue notify: %v", err)
	}

	status, err := mm.Read8(testStatusGPA)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != blkStatusOK {
		t.Fatalf("status = %d, want ok", status)
	}

	onDisk := make([]byte, BlockSize)
	if n, err := b.file.ReadAt(onDisk, BlockSize); err != nil || n != BlockSize {
		t.Fatalf("read back disk sector 1: n=%d err=%v", n, err)
	}
	if !bytes.Equal(onDisk, payload) {
		t.Fatalf("disk sector 1 = %x, want %x", onDisk, payload)
	}
}

func TestBlockQueueNotifyRejectsShortChain(t *testing.T) {
	q, mm := newTestQueue(t)
	path := newTestBlockFile(t, 1)
	b, err := NewBlock(path, nil)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	defer b.Close()

	// Only two descriptors instead of the required three.
	writeDesc(t, mm, 0, testHeaderGPA, 16, descFNext, 1)
	writeDesc(t, mm, 1, testDataGPA, BlockSize, 0, 0)
	postAvail(t, mm, 0, 0, 1)

	// handleRequest's error is logged, not returned, by QueueNotify's
	// caller contract, so assert indirectly: the status byte is never
	// written because the malformed chain is rejected before reaching it.
	if err := b.QueueNotify(q); err != nil {
		t.Fatalf("queue notify should swallow the per-request error: %v", err)
	}
	status, err := mm.Read8(testStatusGPA)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != 0 {
		t.Fatalf("status = %d, want untouched 0 (rejected chain)", status)
	}
}
