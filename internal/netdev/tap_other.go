//go:build !linux

package netdev

import "fmt"

// OpenTAP is unavailable outside Linux; the TUNSETIFF ioctl and /dev/net/tun
// device this backend needs are Linux-specific. Use RelayBackend or
// DNSBackend on other platforms.
func OpenTAP(ifaceName string) (*TAPBackend, error) {
	return nil, fmt.Errorf("netdev: TAP backend is only available on linux")
}

// TAPBackend is declared here too so non-Linux builds can still reference
// the type name (e.g. in config parsing) without a build-tagged import.
type TAPBackend struct{}

func (t *TAPBackend) Init() error                { return nil }
func (t *TAPBackend) MACAddress() [6]byte         { return [6]byte{} }
func (t *TAPBackend) AssignedIP() ([4]byte, bool) { return [4]byte{}, false }
func (t *TAPBackend) Send(Frame) error            { return fmt.Errorf("netdev: TAP unavailable") }
func (t *TAPBackend) Recv() (Frame, bool, error)   { return nil, false, nil }

var _ NetworkBackend = (*TAPBackend)(nil)
