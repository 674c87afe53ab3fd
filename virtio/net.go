package virtio

import (
	"encoding/binary"
)

// netHdrSize is the fixed virtio-net per-packet header size: flags,
// gso_type, hdr_len, gso_size, csum_start, csum_offset.
const netHdrSize = 10

type netConfig struct {
	mac                [6]byte
	status             uint16
	maxVirtqueuePairs  uint16
}

// Net is the virtio-net personality: queue 0 is RX (host to guest),
// queue 1 is TX (guest to host), both framed by a tap device.
type Net struct {
	tap    *tapDevice
	config netConfig
}

// NewNet opens tapName as the host-side network interface and returns
// the net personality bound to it.
func NewNet(tapName string) (*Net, error) {
	tap, err := openTap(tapName)
	if err != nil {
		return nil, err
	}
	n := &Net{tap: tap}
	n.config.mac = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	n.config.status = 1 // link up
	n.config.maxVirtqueuePairs = 1
	return n, nil
}

func (n *Net) Close() error { return n.tap.close() }

// QueueNotify dispatches to the RX or TX handler by queue index, per
// spec §4.6 (RX=0, TX=1).
func (n *Net) QueueNotify(vq *Queue) error {
	switch vq.Index() {
	case 0:
		return n.handleRX(vq)
	case 1:
		return n.handleTX(vq)
	}
	return nil
}

// handleTX pops every ready (header, payload) chain and writes the
// payload to the tap device.
func (n *Net) handleTX(vq *Queue) error {
	for {
		chain, err := vq.Pop()
		if err != nil {
			return err
		}
		if chain == nil {
			return nil
		}
		if len(chain.Descs) >= 2 {
			payload, err := vq.ReadDesc(chain.Descs[1])
			if err != nil {
				return err
			}
			if err := n.tap.write(payload); err != nil {
				return err
			}
		}
		if err := vq.Push(chain.HeadID, 0); err != nil {
			return err
		}
	}
}

// handleRX pops one (header, payload) chain at a time and fills it
// from a single non-blocking tap read; on "would block" it stops
// silently, leaving the chain for the next notification or the next
// poll, per spec §4.6.
func (n *Net) handleRX(vq *Queue) error {
	for {
		chain, err := vq.Pop()
		if err != nil {
			return err
		}
		if chain == nil {
			return nil
		}
		if len(chain.Descs) < 2 {
			if err := vq.Push(chain.HeadID, 0); err != nil {
				return err
			}
			continue
		}
		headerBuf, err := vq.ReadDesc(chain.Descs[0])
		if err != nil {
			return err
		}
		for i := range headerBuf {
			headerBuf[i] = 0
		}

		payload, err := vq.ReadDesc(chain.Descs[1])
		if err != nil {
			return err
		}
		n2, err := n.tap.read(payload)
		if err != nil {
			return err
		}
		if n2 == 0 {
			// Nothing available: abort silently, leaving this
			// descriptor chain un-pushed for the guest to keep
			// waiting on, per spec §4.6. Un-pop it so the next
			// notification retries the same chain.
			vq.lastAvailIdx--
			return nil
		}
		if err := vq.Push(chain.HeadID, uint32(netHdrSize+n2)); err != nil {
			return err
		}
	}
}

func (n *Net) ConfigRead(offset uint64, data []byte) error {
	switch {
	case offset < 6:
		end := offset + uint64(len(data))
		if end > 6 {
			end = 6
		}
		copy(data, n.config.mac[offset:end])
		return nil
	case offset == 6:
		writeConfigValue(data, uint32(n.config.status), 2)
		return nil
	case offset == 8:
		writeConfigValue(data, uint32(n.config.maxVirtqueuePairs), 2)
		return nil
	}
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (n *Net) ConfigWrite(offset uint64, data []byte) error {
	switch {
	case offset < 6 && len(data) > 0:
		end := offset + uint64(len(data))
		if end > 6 {
			end = 6
		}
		copy(n.config.mac[offset:end], data)
	case offset == 6 && len(data) >= 2:
		n.config.status = binary.LittleEndian.Uint16(data)
	}
	return nil
}
