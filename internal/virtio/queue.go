// Package virtio implements the virtio-mmio transport and the block, net,
// and rng device models spec.md §4.5 requires.
package virtio

import "encoding/binary"

// GuestMemory is the narrow interface a virtqueue needs into guest physical
// memory: byte-addressed random read/write, exactly what riscv.Bus and
// riscv.Machine already provide.
type GuestMemory interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2
	virtqUsedFNoNotify = 1
)

// Descriptor mirrors the 16-byte wire format of a virtq_desc entry.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Payload is one chain link resolved to a guest buffer, ready for the device
// model to read or write through the queue's ReadGuest/WriteGuest helpers.
type Payload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// VirtQueue is one negotiated virtqueue: its three guest-resident rings
// (descriptor table, avail ring, used ring) plus the device-side cursor into
// the avail ring.
type VirtQueue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Enabled       bool
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory

	NotifyEvent func()
}

// NewVirtQueue creates a queue backed by mem with the given maximum size.
func NewVirtQueue(mem GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{mem: mem, MaxSize: maxSize, Size: maxSize}
}

// Reset clears negotiated state, called on device reset (guest write of 0 to
// the status register).
func (q *VirtQueue) Reset() {
	q.DescTableAddr, q.AvailRingAddr, q.UsedRingAddr = 0, 0, 0
	q.Size = q.MaxSize
	q.Enabled, q.Ready = false, false
	q.lastAvailIdx, q.usedIdx = 0, 0
}

func (q *VirtQueue) SetAddresses(desc, avail, used uint64) {
	q.DescTableAddr, q.AvailRingAddr, q.UsedRingAddr = desc, avail, used
}

func (q *VirtQueue) SetSize(size uint16) error {
	if size == 0 || size > q.MaxSize {
		return errQueueSize
	}
	q.Size = size
	return nil
}

func (q *VirtQueue) SetReady(ready bool) { q.Ready = ready }

func (q *VirtQueue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return errQueueNotReady
	}
	return nil
}

func (q *VirtQueue) ReadDescriptor(index uint16) (Descriptor, error) {
	addr := q.DescTableAddr + uint64(index)*16
	var buf [16]byte
	if _, err := q.mem.ReadAt(buf[:], int64(addr)); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *VirtQueue) readAvailIdx() (uint16, error) {
	var buf [2]byte
	if _, err := q.mem.ReadAt(buf[:], int64(q.AvailRingAddr+2)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *VirtQueue) readAvailFlags() (uint16, error) {
	var buf [2]byte
	if _, err := q.mem.ReadAt(buf[:], int64(q.AvailRingAddr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *VirtQueue) readAvailEntry(ringIndex uint16) (uint16, error) {
	off := q.AvailRingAddr + 4 + uint64(ringIndex%q.Size)*2
	var buf [2]byte
	if _, err := q.mem.ReadAt(buf[:], int64(off)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// HasAvailableBuffer reports whether the guest has published a new
// descriptor chain since the last GetAvailableBuffer call.
func (q *VirtQueue) HasAvailableBuffer() (bool, error) {
	if err := q.ensureReady(); err != nil {
		return false, nil
	}
	idx, err := q.readAvailIdx()
	if err != nil {
		return false, err
	}
	return q.lastAvailIdx != idx, nil
}

// GetAvailableBuffer pops the next available descriptor chain head.
func (q *VirtQueue) GetAvailableBuffer() (uint16, bool, error) {
	ok, err := q.HasAvailableBuffer()
	if err != nil || !ok {
		return 0, false, err
	}
	head, err := q.readAvailEntry(q.lastAvailIdx)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return head, true, nil
}

// ReadDescriptorChain walks the chain starting at head, bounded by Size to
// tolerate (not trust) a malformed guest ring.
func (q *VirtQueue) ReadDescriptorChain(head uint16) ([]Payload, error) {
	var chain []Payload
	index := head
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return chain, err
		}
		chain = append(chain, Payload{Addr: desc.Addr, Length: desc.Length, IsWrite: desc.Flags&virtqDescFWrite != 0})
		if desc.Flags&virtqDescFNext == 0 {
			break
		}
		index = desc.Next
	}
	return chain, nil
}

// PutUsedBuffer publishes a completed chain to the used ring and bumps its
// index, then optionally signals the notify callback (an interrupt, in
// practice).
func (q *VirtQueue) PutUsedBuffer(head uint16, writtenLen uint32) error {
	return q.PutUsedBufferWithFlags(head, writtenLen, 0)
}

func (q *VirtQueue) PutUsedBufferWithFlags(head uint16, writtenLen uint32, _ uint16) error {
	off := q.UsedRingAddr + 4 + uint64(q.usedIdx%q.Size)*8
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(head))
	binary.LittleEndian.PutUint32(buf[4:8], writtenLen)
	if _, err := q.mem.WriteAt(buf[:], int64(off)); err != nil {
		return err
	}
	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	if _, err := q.mem.WriteAt(idxBuf[:], int64(q.UsedRingAddr+2)); err != nil {
		return err
	}
	if q.NotifyEvent != nil {
		avFlags, _ := q.readAvailFlags()
		if avFlags&1 == 0 {
			q.NotifyEvent()
		}
	}
	return nil
}

func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := q.mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	_, err := q.mem.WriteAt(data, int64(addr))
	return err
}
