package virtio

import "encoding/binary"

// Block device IDs/features, per the virtio 1.1 spec.
const (
	blkDeviceID = 2

	blkReqIn         = 0
	blkReqOut        = 1
	blkReqGetID      = 8
	blkReqFlush      = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkFeatureFlush = 1 << 9
	blkSectorSize   = 512
)

// Disk is the narrow backing-store contract the block device needs: a
// sector-addressable byte range. *diskfs.Image satisfies this directly.
type Disk interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
}

// BlockDevice implements the virtio-blk device model of spec.md §4.5:
// standard virtio_blk_req header decode, full-sector transfer to/from the
// backing image, and the three-outcome status byte.
type BlockDevice struct {
	disk     Disk
	readOnly bool
}

// NewBlockDevice wraps disk as a single-queue virtio-blk device.
func NewBlockDevice(disk Disk, readOnly bool) *BlockDevice {
	return &BlockDevice{disk: disk, readOnly: readOnly}
}

func (b *BlockDevice) DeviceID() uint32     { return blkDeviceID }
func (b *BlockDevice) NumQueues() int       { return 1 }
func (b *BlockDevice) QueueMaxSize(int) uint16 { return 128 }

func (b *BlockDevice) DeviceFeatures() uint64 {
	f := uint64(blkFeatureFlush) | uint64(1)<<32 // VIRTIO_F_VERSION_1
	if b.readOnly {
		f |= 1 << 5 // VIRTIO_BLK_F_RO
	}
	return f
}

// ReadConfig exposes struct virtio_blk_config: only capacity (in 512-byte
// sectors) at offset 0 is modeled, which is all an unmodified Linux/xv6
// block driver reads before issuing requests.
func (b *BlockDevice) ReadConfig(offset uint64, size int) uint64 {
	capacitySectors := uint64(b.disk.Size()) / blkSectorSize
	if offset < 8 {
		shift := offset * 8
		return (capacitySectors >> shift) & ((1 << (uint(size) * 8)) - 1)
	}
	return 0
}

func (b *BlockDevice) WriteConfig(uint64, int, uint64) {}

func (b *BlockDevice) Reset() {}

// ProcessQueue implements the virtqueue processing algorithm spec.md §4.5
// describes: walk each new chain's read-only descriptors into a request,
// perform it, write the response (and trailing 1-byte status) into the
// write-only descriptors.
func (b *BlockDevice) ProcessQueue(idx int, q *VirtQueue) error {
	return drainBlockQueue(b, q)
}

func drainBlockQueue(b *BlockDevice, q *VirtQueue) error {
	for {
		head, ok, err := q.GetAvailableBuffer()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		chain, err := q.ReadDescriptorChain(head)
		if err != nil {
			return err
		}
		written, err := b.handleRequest(q, chain)
		if err != nil {
			return err
		}
		if err := q.PutUsedBuffer(head, written); err != nil {
			return err
		}
	}
}

// handleRequest concatenates the chain's readable bytes (header + write
// payload), executes the request, and writes any response/read payload plus
// the final status byte into the writable descriptors.
func (b *BlockDevice) handleRequest(q *VirtQueue, chain []Payload) (uint32, error) {
	var readBuf []byte
	var writable []Payload
	for _, p := range chain {
		if p.IsWrite {
			writable = append(writable, p)
			continue
		}
		buf, err := q.ReadGuest(p.Addr, p.Length)
		if err != nil {
			return 0, err
		}
		readBuf = append(readBuf, buf...)
	}
	if len(readBuf) < 16 || len(writable) == 0 {
		return 0, nil
	}

	reqType := binary.LittleEndian.Uint32(readBuf[0:4])
	sector := binary.LittleEndian.Uint64(readBuf[8:16])
	writePayload := readBuf[16:]

	status := byte(blkStatusOK)
	var responseData []byte

	statusDesc := writable[len(writable)-1]
	dataDescs := writable[:len(writable)-1]

	switch reqType {
	case blkReqIn:
		var total uint32
		for _, d := range dataDescs {
			total += d.Length
		}
		data, err := b.readSectors(sector, total)
		if err != nil {
			status = blkStatusIOErr
		} else {
			responseData = data
		}
	case blkReqOut:
		if b.readOnly {
			status = blkStatusIOErr
		} else if err := b.writeSectors(sector, writePayload); err != nil {
			status = blkStatusIOErr
		}
	case blkReqFlush:
		// Writes land directly on the backing store; nothing to flush.
	case blkReqGetID:
		id := "rv64vm-disk\x00\x00\x00\x00\x00"
		responseData = []byte(id)
	default:
		status = blkStatusUnsupp
	}

	var written uint32
	off := 0
	for _, d := range dataDescs {
		n := int(d.Length)
		if off+n > len(responseData) {
			n = len(responseData) - off
			if n < 0 {
				n = 0
			}
		}
		if n > 0 {
			if err := q.WriteGuest(d.Addr, responseData[off:off+n]); err != nil {
				return written, err
			}
			written += uint32(n)
			off += n
		}
	}
	if err := q.WriteGuest(statusDesc.Addr, []byte{status}); err != nil {
		return written, err
	}
	written++
	return written, nil
}

func (b *BlockDevice) readSectors(sector uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := b.disk.ReadAt(buf, int64(sector)*blkSectorSize); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *BlockDevice) writeSectors(sector uint64, data []byte) error {
	_, err := b.disk.WriteAt(data, int64(sector)*blkSectorSize)
	return err
}

var _ Handler = (*BlockDevice)(nil)
