package netdev

import "sync/atomic"

// NullBackend discards every frame sent to it and never produces one,
// suitable for headless boots that attach a virtio-net device for driver
// probing but have nowhere to actually route traffic.
type NullBackend struct {
	mac    [6]byte
	ip     [4]byte
	closed atomic.Bool
}

// NewNullBackend creates a backend with a fixed MAC/IP but no connectivity.
func NewNullBackend() *NullBackend {
	return &NullBackend{mac: GatewayMAC, ip: GuestIP}
}

func (n *NullBackend) Init() error                 { return nil }
func (n *NullBackend) Recv() (Frame, bool, error)   { return nil, false, nil }
func (n *NullBackend) Send(Frame) error             { return nil }
func (n *NullBackend) MACAddress() [6]byte          { return n.mac }
func (n *NullBackend) AssignedIP() ([4]byte, bool)  { return n.ip, true }

var _ NetworkBackend = (*NullBackend)(nil)

// LoopbackBackend echoes every frame sent to it back as the next Recv,
// useful as a test double that needs no real network access.
type LoopbackBackend struct {
	mac     [6]byte
	ip      [4]byte
	pending chan Frame
}

// NewLoopbackBackend creates a backend that echoes frames back to the
// guest, buffering up to queueSize frames before Send blocks the caller.
func NewLoopbackBackend(queueSize int) *LoopbackBackend {
	return &LoopbackBackend{mac: GatewayMAC, ip: GuestIP, pending: make(chan Frame, queueSize)}
}

func (l *LoopbackBackend) Init() error        { return nil }
func (l *LoopbackBackend) MACAddress() [6]byte { return l.mac }
func (l *LoopbackBackend) AssignedIP() ([4]byte, bool) { return l.ip, true }

func (l *LoopbackBackend) Send(frame Frame) error {
	cp := append(Frame(nil), frame...)
	select {
	case l.pending <- cp:
	default:
	}
	return nil
}

func (l *LoopbackBackend) Recv() (Frame, bool, error) {
	select {
	case f := <-l.pending:
		return f, true, nil
	default:
		return nil, false, nil
	}
}

var _ NetworkBackend = (*LoopbackBackend)(nil)
