package virtio

import "math/rand"

const rngDeviceID = 4

// RNGDevice implements the virtio-rng device model: every available
// descriptor is a single write-only buffer the device fills from a PRNG.
type RNGDevice struct {
	rng *rand.Rand
}

// NewRNGDevice creates a virtio-rng device seeded from seed (callers pass a
// fixed seed for reproducible snapshots/replays, or a time-derived one for
// normal boots).
func NewRNGDevice(seed int64) *RNGDevice {
	return &RNGDevice{rng: rand.New(rand.NewSource(seed))}
}

func (r *RNGDevice) DeviceID() uint32         { return rngDeviceID }
func (r *RNGDevice) NumQueues() int           { return 1 }
func (r *RNGDevice) QueueMaxSize(int) uint16  { return 64 }
func (r *RNGDevice) DeviceFeatures() uint64   { return uint64(1) << 32 }
func (r *RNGDevice) ReadConfig(uint64, int) uint64 { return 0 }
func (r *RNGDevice) WriteConfig(uint64, int, uint64) {}
func (r *RNGDevice) Reset()                   {}

func (r *RNGDevice) ProcessQueue(idx int, q *VirtQueue) error {
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
		var written uint32
		for _, p := range chain {
			if !p.IsWrite {
				continue
			}
			buf := make([]byte, p.Length)
			r.rng.Read(buf)
			if err := q.WriteGuest(p.Addr, buf); err != nil {
				return err
			}
			written += p.Length
		}
		if err := q.PutUsedBuffer(head, written); err != nil {
			return err
		}
	}
}

var _ Handler = (*RNGDevice)(nil)
