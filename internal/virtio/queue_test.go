package virtio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// fakeMem is a flat byte slice satisfying GuestMemory, grounded on the
// teacher's in-memory test doubles for bus-backed components.
type fakeMem struct {
	buf []byte
}

func newFakeMem(size int) *fakeMem { return &fakeMem{buf: make([]byte, size)} }

func (m *fakeMem) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *fakeMem) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

// layout lays out one queue's three rings plus a couple of data buffers in
// the fake guest memory and returns their base addresses.
type layout struct {
	desc, avail, used uint64
	data1, data2      uint64
}

func newLayout() layout {
	return layout{desc: 0x1000, avail: 0x2000, used: 0x3000, data1: 0x4000, data2: 0x5000}
}

func writeDescriptor(mem *fakeMem, base uint64, idx uint16, d Descriptor) {
	off := base + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem.buf[off:], d.Addr)
	binary.LittleEndian.PutUint32(mem.buf[off+8:], d.Length)
	binary.LittleEndian.PutUint16(mem.buf[off+12:], d.Flags)
	binary.LittleEndian.PutUint16(mem.buf[off+14:], d.Next)
}

func publishAvail(mem *fakeMem, l layout, ringIdx int, head uint16) {
	binary.LittleEndian.PutUint16(mem.buf[l.avail+4+uint64(ringIdx)*2:], head)
	binary.LittleEndian.PutUint16(mem.buf[l.avail+2:], uint16(ringIdx+1))
}

func readUsed(mem *fakeMem, l layout, ringIdx int) (head uint16, length uint32, usedIdx uint16) {
	off := l.used + 4 + uint64(ringIdx)*8
	head = binary.LittleEndian.Uint16(mem.buf[off:])
	length = binary.LittleEndian.Uint32(mem.buf[off+4:])
	usedIdx = binary.LittleEndian.Uint16(mem.buf[l.used+2:])
	return
}

func newReadyQueue(mem *fakeMem, l layout, size uint16) *VirtQueue {
	q := NewVirtQueue(mem, size)
	q.SetAddresses(l.desc, l.avail, l.used)
	q.SetReady(true)
	return q
}

func TestVirtQueueDescriptorChainAndUsedRing(t *testing.T) {
	mem := newFakeMem(0x8000)
	l := newLayout()
	q := newReadyQueue(mem, l, 8)

	// A two-descriptor chain: one read-only request, one write-only reply.
	writeDescriptor(mem, l.desc, 0, Descriptor{Addr: l.data1, Length: 4, Flags: virtqDescFNext, Next: 1})
	writeDescriptor(mem, l.desc, 1, Descriptor{Addr: l.data2, Length: 8, Flags: virtqDescFWrite})
	copy(mem.buf[l.data1:], []byte("ping"))

	publishAvail(mem, l, 0, 0)

	ok, err := q.HasAvailableBuffer()
	if err != nil || !ok {
		t.Fatalf("HasAvailableBuffer() = %v, %v; want true, nil", ok, err)
	}

	head, ok, err := q.GetAvailableBuffer()
	if err != nil || !ok || head != 0 {
		t.Fatalf("GetAvailableBuffer() = %v, %v, %v; want 0, true, nil", head, ok, err)
	}

	chain, err := q.ReadDescriptorChain(head)
	if err != nil {
		t.Fatalf("ReadDescriptorChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0].IsWrite || !chain[1].IsWrite {
		t.Fatalf("chain write flags = %+v, want [false, true]", chain)
	}

	req, err := q.ReadGuest(chain[0].Addr, chain[0].Length)
	if err != nil || !bytes.Equal(req, []byte("ping")) {
		t.Fatalf("ReadGuest = %q, %v; want \"ping\", nil", req, err)
	}

	if err := q.WriteGuest(chain[1].Addr, []byte("pong")); err != nil {
		t.Fatalf("WriteGuest: %v", err)
	}
	if err := q.PutUsedBuffer(head, 4); err != nil {
		t.Fatalf("PutUsedBuffer: %v", err)
	}

	usedHead, usedLen, usedIdx := readUsed(mem, l, 0)
	if usedHead != 0 || usedLen != 4 || usedIdx != 1 {
		t.Fatalf("used entry = head %d len %d idx %d; want 0, 4, 1", usedHead, usedLen, usedIdx)
	}

	// No further available entries: used index must not advance again.
	if err := (&MMIO{}).DrainQueue(q, func(chain []Payload) (uint32, error) { return 0, nil }); err != nil {
		t.Fatalf("DrainQueue on empty ring: %v", err)
	}
	if _, _, usedIdx := readUsed(mem, l, 0); usedIdx != 1 {
		t.Fatalf("used idx advanced on empty ring: %d", usedIdx)
	}
}

func TestVirtQueueNotifySuppressedByAvailFlag(t *testing.T) {
	mem := newFakeMem(0x8000)
	l := newLayout()
	q := newReadyQueue(mem, l, 4)
	writeDescriptor(mem, l.desc, 0, Descriptor{Addr: l.data1, Length: 1, Flags: virtqDescFWrite})

	notified := 0
	q.NotifyEvent = func() { notified++ }

	// VIRTQ_AVAIL_F_NO_INTERRUPT set: PutUsedBuffer must not notify.
	binary.LittleEndian.PutUint16(mem.buf[l.avail:], 1)
	if err := q.PutUsedBuffer(0, 1); err != nil {
		t.Fatalf("PutUsedBuffer: %v", err)
	}
	if notified != 0 {
		t.Fatalf("notified = %d with NO_INTERRUPT set, want 0", notified)
	}

	binary.LittleEndian.PutUint16(mem.buf[l.avail:], 0)
	if err := q.PutUsedBuffer(0, 1); err != nil {
		t.Fatalf("PutUsedBuffer: %v", err)
	}
	if notified != 1 {
		t.Fatalf("notified = %d, want 1", notified)
	}
}

func TestMMIOFeatureNegotiationAndQueueSetup(t *testing.T) {
	mem := newFakeMem(0x10000)
	blk := NewBlockDevice(&memDisk{mem: newFakeMem(4096)}, false)
	irqs := 0
	m := NewMMIO(blk, mem, func() { irqs++ })

	if v, _ := m.Read(regMagicValue, 4); v != magicValue {
		t.Fatalf("magic = %#x, want %#x", v, magicValue)
	}
	if v, _ := m.Read(regDeviceID, 4); v != blkDeviceID {
		t.Fatalf("device id = %d, want %d", v, blkDeviceID)
	}

	// Feature reads split across the 32-bit SEL window.
	if v, _ := m.Read(regDeviceFeatures, 4); v != blk.DeviceFeatures()&0xffffffff {
		t.Fatalf("low features = %#x", v)
	}
	m.Write(regDeviceFeaturesSel, 4, 1)
	if v, _ := m.Read(regDeviceFeatures, 4); v != blk.DeviceFeatures()>>32 {
		t.Fatalf("high features = %#x", v)
	}

	m.Write(regQueueSel, 4, 0)
	if v, _ := m.Read(regQueueNumMax, 4); v != uint64(blk.QueueMaxSize(0)) {
		t.Fatalf("queue num max = %d", v)
	}
	m.Write(regQueueNum, 4, uint64(blk.QueueMaxSize(0)))
	m.Write(regQueueDescLow, 4, 0x1000)
	m.Write(regQueueAvailLow, 4, 0x2000)
	m.Write(regQueueUsedLow, 4, 0x3000)
	m.Write(regQueueReady, 4, 1)

	if v, _ := m.Read(regQueueReady, 4); v != 1 {
		t.Fatalf("queue not ready after setup")
	}
}

// memDisk adapts a fakeMem to the virtio Disk contract for MMIO-level tests
// that don't exercise block I/O semantics directly.
type memDisk struct{ mem *fakeMem }

func (d *memDisk) ReadAt(p []byte, off int64) (int, error)  { return d.mem.ReadAt(p, off) }
func (d *memDisk) WriteAt(p []byte, off int64) (int, error) { return d.mem.WriteAt(p, off) }
func (d *memDisk) Size() int64                              { return int64(len(d.mem.buf)) }

// TestBlockDeviceReadSector exercises spec.md §8 scenario 4: a read request
// for sector 3 into a write-only descriptor completes with status 0 and the
// sector's content, advancing the used ring by exactly one entry.
func TestBlockDeviceReadSector(t *testing.T) {
	const sectorSize = 512
	disk := &memDisk{mem: newFakeMem(16 * sectorSize)}
	sector3 := make([]byte, sectorSize)
	for i := range sector3 {
		sector3[i] = byte(i)
	}
	disk.WriteAt(sector3, 3*sectorSize)

	blk := NewBlockDevice(disk, false)
	mem := newFakeMem(0x10000)
	l := newLayout()
	q := newReadyQueue(mem, l, 4)

	// virtio_blk_req header: type=IN(0), reserved, sector=3.
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], blkReqIn)
	binary.LittleEndian.PutUint64(header[8:16], 3)
	copy(mem.buf[l.data1:], header)

	dataAddr := l.data2
	statusAddr := l.data2 + sectorSize

	writeDescriptor(mem, l.desc, 0, Descriptor{Addr: l.data1, Length: 16, Flags: virtqDescFNext, Next: 1})
	writeDescriptor(mem, l.desc, 1, Descriptor{Addr: dataAddr, Length: sectorSize, Flags: virtqDescFNext | virtqDescFWrite, Next: 2})
	writeDescriptor(mem, l.desc, 2, Descriptor{Addr: statusAddr, Length: 1, Flags: virtqDescFWrite})
	publishAvail(mem, l, 0, 0)

	if err := blk.ProcessQueue(0, q); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	_, _, usedIdx := readUsed(mem, l, 0)
	if usedIdx != 1 {
		t.Fatalf("used idx = %d, want 1", usedIdx)
	}
	if got := mem.buf[dataAddr : dataAddr+sectorSize]; !bytes.Equal(got, sector3) {
		t.Fatalf("sector content mismatch")
	}
	if status := mem.buf[statusAddr]; status != blkStatusOK {
		t.Fatalf("status = %d, want %d", status, blkStatusOK)
	}
}
