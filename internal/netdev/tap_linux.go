//go:build linux

package netdev

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifnamsize  = 16
	tunSetIFF  = 0x400454ca
	iffTap     = 0x0002
	iffNoPI    = 0x1000
)

type ifReq struct {
	name  [ifnamsize]byte
	flags uint16
	_     [22]byte
}

// TAPBackend bridges the guest's virtio-net device to a Linux TAP device,
// giving it a real presence on the host network (a bridge, NAT rule, or
// routed subnet the operator configures outside this process).
type TAPBackend struct {
	mac    [6]byte
	ip     [4]byte
	file   *os.File
	closed atomic.Bool
}

// OpenTAP opens (and, if the device doesn't already exist, creates) the
// named TAP interface. Creating a persistent interface typically requires
// CAP_NET_ADMIN; the caller is expected to have configured addressing and
// routing for ifaceName out of band.
func OpenTAP(ifaceName string) (*TAPBackend, error) {
	if len(ifaceName) >= ifnamsize {
		return nil, fmt.Errorf("netdev: interface name %q too long", ifaceName)
	}

	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("netdev: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.name[:], ifaceName)
	req.flags = iffTap | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(tunSetIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("netdev: TUNSETIFF: %w", errno)
	}

	return &TAPBackend{mac: GatewayMAC, ip: GuestIP, file: f}, nil
}

func (t *TAPBackend) Init() error                { return nil }
func (t *TAPBackend) MACAddress() [6]byte         { return t.mac }
func (t *TAPBackend) AssignedIP() ([4]byte, bool) { return t.ip, true }

func (t *TAPBackend) Send(frame Frame) error {
	if t.closed.Load() {
		return nil
	}
	_, err := t.file.Write(frame)
	return err
}

// Recv performs a single non-blocking read attempt via poll; the virtio-net
// device only calls this from the machine's periodic poll loop, never a
// hot path, so one syscall per poll tick is an acceptable cost.
func (t *TAPBackend) Recv() (Frame, bool, error) {
	if t.closed.Load() {
		return nil, false, nil
	}
	fd := int(t.file.Fd())
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	if err != nil || n == 0 {
		return nil, false, nil
	}
	buf := make([]byte, 65536)
	rn, err := t.file.Read(buf)
	if err != nil {
		return nil, false, err
	}
	return buf[:rn], true, nil
}

func (t *TAPBackend) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		return t.file.Close()
	}
	return nil
}

var _ NetworkBackend = (*TAPBackend)(nil)
