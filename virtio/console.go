package virtio

import (
	"encoding/binary"
	"io"
)

// consoleConfig mirrors include/virtio.h's (implicit) console config
// space: cols/rows/max_nr_ports/emerg_wr, taken from
// virtio-console.c's struct virtio_console_config.
type consoleConfig struct {
	cols, rows     uint16
	maxNrPorts     uint32
	emergWr        uint32
}

// Console is the virtio-console personality: a single TX queue (index
// 0) that copies every descriptor chain's payload to Out.
type Console struct {
	out    io.Writer
	config consoleConfig
}

// NewConsole returns a console personality writing guest TX bytes to out.
func NewConsole(out io.Writer) *Console {
	return &Console{
		out:    out,
		config: consoleConfig{cols: 80, rows: 25, maxNrPorts: 1},
	}
}

// QueueNotify drains every available chain on the TX queue, writing
// each chain's descriptor payloads to standard output in order before
// pushing a zero-length completion.
func (c *Console) QueueNotify(vq *Queue) error {
	for {
		chain, err := vq.Pop()
		if err != nil {
			return err
		}
		if chain == nil {
			return nil
		}
		for _, d := range chain.Descs {
			if d.Len == 0 {
				continue
			}
			buf, err := vq.ReadDesc(d)
			if err != nil {
				return err
			}
			if _, err := c.out.Write(buf); err != nil {
				return err
			}
		}
		if err := vq.Push(chain.HeadID, 0); err != nil {
			return err
		}
	}
}

func (c *Console) ConfigRead(offset uint64, data []byte) error {
	var v uint32
	var width int
	switch offset {
	case 0x00:
		v, width = uint32(c.config.cols), 2
	case 0x02:
		v, width = uint32(c.config.rows), 2
	case 0x04:
		v, width = c.config.maxNrPorts, 4
	case 0x08:
		v, width = c.config.emergWr, 4
	default:
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	writeConfigValue(data, v, width)
	return nil
}

func (c *Console) ConfigWrite(offset uint64, data []byte) error {
	switch offset {
	case 0x00:
		if len(data) >= 2 {
			c.config.cols = binary.LittleEndian.Uint16(data)
		}
	case 0x02:
		if len(data) >= 2 {
			c.config.rows = binary.LittleEndian.Uint16(data)
		}
	}
	return nil
}

// writeConfigValue stores v's low `width` bytes little-endian into
// data, truncating or zero-padding to whatever size the guest actually
// requested — config-space accesses are not required to be 4 bytes.
func writeConfigValue(data []byte, v uint32, width int) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	n := copy(data, buf[:width])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}
