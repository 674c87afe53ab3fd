// Package boot builds the minimal x86 bootstrap state (GDT, identity
// page directory) a raw guest binary needs to run in flat protected
// mode, and deposits it into guest memory and vCPU registers. It is
// the core's side of the external boot-loader contract: the loader
// itself (reading a kernel/initrd/cmdline from disk, the Linux
// bzImage protocol) lives outside this core.
package boot

// Entry is a single 64-bit GDT descriptor.
type Entry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	AccessByte uint8
	LimitHigh  uint8 // low nibble: limit[19:16]; high nibble: flags (G, D/B, L, AVL)
	BaseHigh   uint8
}

// NewEntry builds a flat-segment descriptor: base is the 32-bit linear
// base, limit the 20-bit segment limit, access the standard access
// byte (type/S/DPL/P), and flags the G/D-B/L/AVL nibble.
func NewEntry(base, limit uint32, access, flags uint8) Entry {
	return Entry{
		BaseLow:    uint16(base & 0xFFFF),
		BaseMid:    uint8((base >> 16) & 0xFF),
		BaseHigh:   uint8((base >> 24) & 0xFF),
		LimitLow:   uint16(limit & 0xFFFF),
		LimitHigh:  uint8((limit>>16)&0x0F) | (flags & 0xF0),
		AccessByte: access,
	}
}

// Bytes returns the descriptor's 8-byte wire encoding.
func (e Entry) Bytes() [8]byte {
	return [8]byte{
		byte(e.LimitLow), byte(e.LimitLow >> 8),
		byte(e.BaseLow), byte(e.BaseLow >> 8),
		e.BaseMid, e.AccessByte, e.LimitHigh, e.BaseHigh,
	}
}

// Standard access-byte / flags-nibble values for the flat code and
// data segments a raw protected-mode binary expects at boot.
const (
	AccessCode32 = 0x9A // present, DPL0, execute/read
	AccessData32 = 0x92 // present, DPL0, read/write
	Flags32Gran  = 0xCF // granularity=4KB, D/B=32-bit
)

// FlatTable returns the three-entry GDT (null, flat 32-bit code, flat
// 32-bit data) a raw boot binary needs, each spanning the full 4GiB
// linear space.
func FlatTable() [3]Entry {
	return [3]Entry{
		NewEntry(0, 0, 0, 0),
		NewEntry(0, 0xFFFFF, AccessCode32, Flags32Gran),
		NewEntry(0, 0xFFFFF, AccessData32, Flags32Gran),
	}
}

// EncodeTable concatenates each entry's wire bytes in order.
func EncodeTable(entries []Entry) []byte {
	out := make([]byte, 0, len(entries)*8)
	for _, e := range entries {
		b := e.Bytes()
		out = append(out, b[:]...)
	}
	return out
}
