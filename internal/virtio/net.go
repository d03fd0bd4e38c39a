package virtio

import "encoding/binary"

const (
	netDeviceID = 1

	netHeaderLen = 12 // struct virtio_net_hdr, no mergeable-buffer extension

	netFeatureMAC    = 1 << 5
	netFeatureStatus = 1 << 16

	netQueueRX = 0
	netQueueTX = 1

	netStatusLinkUp = 1
)

// Frame is one Ethernet frame, with or without the virtio_net_hdr prefix
// depending on direction (callers of NetworkBackend never see the header).
type Frame = []byte

// NetworkBackend is the external collaborator spec.md §6 calls out: the
// host-side packet source/sink behind a virtio-net device (TAP, relay/NAT,
// or a test double). recv is non-blocking; ok=false means "nothing
// available right now", not an error.
type NetworkBackend interface {
	Init() error
	Recv() (frame Frame, ok bool, err error)
	Send(frame Frame) error
	MACAddress() [6]byte
	AssignedIP() (ip [4]byte, ok bool)
}

// NetDevice implements the virtio-net device model: strips/prepends the
// 12-byte virtio_net_hdr and delegates the bare Ethernet frame to a
// NetworkBackend.
type NetDevice struct {
	backend NetworkBackend
	mmio    *MMIO
}

// NewNetDevice wraps backend as a two-queue (RX, TX) virtio-net device.
func NewNetDevice(backend NetworkBackend) *NetDevice {
	return &NetDevice{backend: backend}
}

// AttachTransport records the MMIO transport this device was registered
// against, so Poll can drain inbound frames into the RX queue and signal
// the interrupt outside of a guest-triggered QUEUE_NOTIFY.
func (n *NetDevice) AttachTransport(m *MMIO) { n.mmio = m }

func (n *NetDevice) DeviceID() uint32        { return netDeviceID }
func (n *NetDevice) NumQueues() int          { return 2 }
func (n *NetDevice) QueueMaxSize(int) uint16 { return 256 }

func (n *NetDevice) DeviceFeatures() uint64 {
	return uint64(netFeatureMAC) | uint64(netFeatureStatus) | uint64(1)<<32
}

func (n *NetDevice) ReadConfig(offset uint64, size int) uint64 {
	mac := n.backend.MACAddress()
	switch {
	case offset < 6:
		// mac[6]
		var buf [8]byte
		copy(buf[:6], mac[:])
		shift := offset * 8
		return (binaryLEUint64(buf[:]) >> shift) & ((1 << (uint(size) * 8)) - 1)
	case offset == 6: // status
		return netStatusLinkUp
	}
	return 0
}

func binaryLEUint64(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func (n *NetDevice) WriteConfig(uint64, int, uint64) {}

func (n *NetDevice) Reset() {}

// ProcessQueue handles a guest QUEUE_NOTIFY. Only the TX queue does
// anything here; RX is filled from Poll, driven by the backend rather than
// the guest.
func (n *NetDevice) ProcessQueue(idx int, q *VirtQueue) error {
	if idx != netQueueTX {
		return nil
	}
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
		var payload []byte
		for _, p := range chain {
			if p.IsWrite {
				continue
			}
			buf, err := q.ReadGuest(p.Addr, p.Length)
			if err != nil {
				return err
			}
			payload = append(payload, buf...)
		}
		if len(payload) > netHeaderLen {
			if err := n.backend.Send(payload[netHeaderLen:]); err != nil {
				// Best-effort per spec.md §4.11: backend send errors are
				// swallowed, the guest just sees the frame as sent.
			}
		}
		if err := q.PutUsedBuffer(head, 0); err != nil {
			return err
		}
	}
}

// Poll drains any frames the backend has queued for delivery into the RX
// virtqueue, called from the machine's device-poll loop (spec.md §2: device
// state mutates "independently (or during explicit poll points)").
func (n *NetDevice) Poll() error {
	if n.mmio == nil {
		return nil
	}
	rx := n.mmio.queues[netQueueRX]
	for {
		frame, ok, err := n.backend.Recv()
		if err != nil || !ok {
			return nil
		}
		head, avail, err := rx.GetAvailableBuffer()
		if err != nil {
			return err
		}
		if !avail {
			return nil // guest hasn't posted an RX buffer; drop the frame
		}
		chain, err := rx.ReadDescriptorChain(head)
		if err != nil {
			return err
		}
		var header [netHeaderLen]byte
		packet := append(header[:], frame...)
		var written uint32
		off := 0
		for _, d := range chain {
			if !d.IsWrite {
				continue
			}
			n := int(d.Length)
			if off+n > len(packet) {
				n = len(packet) - off
			}
			if n <= 0 {
				continue
			}
			if err := rx.WriteGuest(d.Addr, packet[off:off+n]); err != nil {
				return err
			}
			written += uint32(n)
			off += n
		}
		if err := rx.PutUsedBuffer(head, written); err != nil {
			return err
		}
	}
}

var _ Handler = (*NetDevice)(nil)
