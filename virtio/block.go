package virtio

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
)

// Block request types, matching include/virtio.h's VIRTIO_BLK_T_*.
const (
	blkTypeIn    uint32 = 0
	blkTypeOut   uint32 = 1
	blkTypeFlush uint32 = 4
)

// Block status codes written to the request's status descriptor.
const (
	blkStatusOK     byte = 0
	blkStatusIOErr  byte = 1
	blkStatusUnsupp byte = 2
)

// BlockSize is the fixed sector size this core's block personality uses.
const BlockSize = 512

type blockConfig struct {
	capacity uint64
	sizeMax  uint32
	segMax   uint32
	blkSize  uint32
}

// Block is the virtio-block personality: a single request queue (index
// 0) where every request is a fixed three-descriptor chain (header,
// data, status).
type Block struct {
	file   *os.File
	config blockConfig
	logger *log.Logger
}

// NewBlock opens path as the disk backing store (read-write, falling
// back to read-only) and returns the block personality bound to it.
func NewBlock(path string, logger *log.Logger) (*Block, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("virtio-block: open %s: %w", path, err)
		}
		if logger != nil {
			logger.Printf("virtio-block: opened %s read-only", path)
		}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("virtio-block: stat %s: %w", path, err)
	}
	return &Block{
		file: f,
		config: blockConfig{
			capacity: uint64(fi.Size()) / BlockSize,
			sizeMax:  65535,
			segMax:   128,
			blkSize:  BlockSize,
		},
		logger: logger,
	}, nil
}

// Close releases the backing file; called by the transport's Destroy.
func (b *Block) Close() error { return b.file.Close() }

type blkRequestHeader struct {
	Type   uint32
	IOPrio uint32
	Sector uint64
}

// QueueNotify processes every available request chain on the queue:
// each chain must be exactly three descriptors (header, data, status).
func (b *Block) QueueNotify(vq *Queue) error {
	for {
		chain, err := vq.Pop()
		if err != nil {
			return err
		}
		if chain == nil {
			return nil
		}
		if err := b.handleRequest(vq, chain); err != nil {
			if b.logger != nil {
				b.logger.Printf("virtio-block: request: %v", err)
			}
		}
	}
}

func (b *Block) handleRequest(vq *Queue, chain *Chain) error {
	if len(chain.Descs) != 3 {
		return fmt.Errorf("expected 3-descriptor chain, got %d", len(chain.Descs))
	}
	headerDesc, dataDesc, statusDesc := chain.Descs[0], chain.Descs[1], chain.Descs[2]

	headerBuf, err := vq.ReadDesc(headerDesc)
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if len(headerBuf) < 16 {
		return fmt.Errorf("header too short: %d bytes", len(headerBuf))
	}
	req := blkRequestHeader{
		Type:   binary.LittleEndian.Uint32(headerBuf[0:4]),
		IOPrio: binary.LittleEndian.Uint32(headerBuf[4:8]),
		Sector: binary.LittleEndian.Uint64(headerBuf[8:16]),
	}

	dataBuf, err := vq.ReadDesc(dataDesc)
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	status := blkStatusOK
	switch req.Type {
	case blkTypeIn:
		n, err := b.file.ReadAt(dataBuf, int64(req.Sector)*BlockSize)
		if err != nil {
			status = blkStatusIOErr
		} else if n != len(dataBuf) && b.logger != nil {
			b.logger.Printf("virtio-block: short read %d != %d", n, len(dataBuf))
		}
	case blkTypeOut:
		n, err := b.file.WriteAt(dataBuf, int64(req.Sector)*BlockSize)
		if err != nil {
			status = blkStatusIOErr
		} else if n != len(dataBuf) && b.logger != nil {
			b.logger.Printf("virtio-block: short write %d != %d", n, len(dataBuf))
		}
	case blkTypeFlush:
		if err := b.file.Sync(); err != nil {
			status = blkStatusIOErr
		}
	default:
		status = blkStatusUnsupp
	}

	if err := vq.mm.Write8(statusDesc.Addr, status); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return vq.Push(chain.HeadID, 1)
}

func (b *Block) ConfigRead(offset uint64, data []byte) error {
	var v uint32
	var width int
	switch offset {
	case 0x00:
		v, width = uint32(b.config.capacity), 4
	case 0x04:
		v, width = uint32(b.config.capacity>>32), 4
	case 0x08:
		v, width = b.config.sizeMax, 4
	case 0x0C:
		v, width = b.config.segMax, 4
	case 0x18:
		v, width = b.config.blkSize, 4
	default:
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	writeConfigValue(data, v, width)
	return nil
}

func (b *Block) ConfigWrite(offset uint64, data []byte) error {
	// Block config space is read-only from the driver's perspective.
	return nil
}
