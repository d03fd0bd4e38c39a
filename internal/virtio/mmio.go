package virtio

import "sync"

// MMIO register offsets, the legacy/v2 virtio-mmio layout every driver in
// the wild (Linux's virtio_mmio.c included) expects.
const (
	regMagicValue       = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regDeviceFeatures   = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures   = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueReady       = 0x044
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptAck     = 0x064
	regStatus           = 0x070
	regQueueDescLow     = 0x080
	regQueueDescHigh    = 0x084
	regQueueAvailLow    = 0x090
	regQueueAvailHigh   = 0x094
	regQueueUsedLow     = 0x0a0
	regQueueUsedHigh    = 0x0a4
	regConfigGeneration = 0x0fc
	regConfig           = 0x100

	magicValue = 0x74726976 // "virt"
	version    = 2

	// INTERRUPT_STATUS bits.
	intVRing  = 1 << 0
	intConfig = 1 << 1

	// Device status bits.
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
	statusFailed      = 128
)

// Handler is what a concrete device (block/net/rng) implements on top of the
// shared MMIO register transport: config space access and queue-notify
// handling. ProcessQueue does the actual virtqueue draining; everything else
// (feature negotiation, queue setup, status byte, interrupt bit) is handled
// once here rather than three times, matching the "shared skeleton" spec.md
// §4.5 calls for.
type Handler interface {
	DeviceID() uint32
	NumQueues() int
	QueueMaxSize(idx int) uint16
	DeviceFeatures() uint64
	ReadConfig(offset uint64, size int) uint64
	WriteConfig(offset uint64, size int, value uint64)
	ProcessQueue(idx int, q *VirtQueue) error
	Reset()
}

// MMIO is the shared virtio-mmio transport: register decode, feature
// negotiation, and queue setup, deferring to a Handler for device-specific
// config space and virtqueue processing. One MMIO wraps exactly one device.
type MMIO struct {
	mu sync.Mutex

	handler Handler
	mem     GuestMemory

	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64

	queueSel uint32
	queues   []*VirtQueue

	status          uint32
	interruptStatus uint32

	raiseIRQ func()
}

// NewMMIO builds the transport for handler, backed by mem for virtqueue
// descriptor/ring access, raising irq() every time an INTERRUPT_STATUS bit
// is set, whether or not it was already set.
func NewMMIO(handler Handler, mem GuestMemory, irq func()) *MMIO {
	m := &MMIO{handler: handler, mem: mem, raiseIRQ: irq}
	m.queues = make([]*VirtQueue, handler.NumQueues())
	for i := range m.queues {
		q := NewVirtQueue(mem, handler.QueueMaxSize(i))
		q.NotifyEvent = func() { m.signalVRing() }
		m.queues[i] = q
	}
	return m
}

func (m *MMIO) Size() uint64 { return 0x1000 }

func (m *MMIO) signalVRing() {
	m.interruptStatus |= intVRing
	if m.raiseIRQ != nil {
		m.raiseIRQ()
	}
}

// SignalConfig raises the config-change interrupt, for devices (net's
// link-status byte) whose config space can change without a driver write.
func (m *MMIO) SignalConfig() {
	m.mu.Lock()
	m.interruptStatus |= intConfig
	m.mu.Unlock()
	if m.raiseIRQ != nil {
		m.raiseIRQ()
	}
}

func (m *MMIO) currentQueue() *VirtQueue {
	if int(m.queueSel) >= len(m.queues) {
		return nil
	}
	return m.queues[m.queueSel]
}

func (m *MMIO) Read(offset uint64, size int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch offset {
	case regMagicValue:
		return magicValue, nil
	case regVersion:
		return version, nil
	case regDeviceID:
		return uint64(m.handler.DeviceID()), nil
	case regVendorID:
		return 0x554d4551, nil // "QEMU", the conventional virtio-mmio vendor ID
	case regDeviceFeatures:
		features := m.handler.DeviceFeatures()
		if m.deviceFeatureSel == 0 {
			return features & 0xffffffff, nil
		}
		return features >> 32, nil
	case regQueueNumMax:
		if q := m.currentQueue(); q != nil {
			return uint64(q.MaxSize), nil
		}
		return 0, nil
	case regQueueReady:
		if q := m.currentQueue(); q != nil && q.Ready {
			return 1, nil
		}
		return 0, nil
	case regInterruptStatus:
		return uint64(m.interruptStatus), nil
	case regStatus:
		return uint64(m.status), nil
	case regConfigGeneration:
		return 0, nil
	default:
		if offset >= regConfig {
			return m.handler.ReadConfig(offset-regConfig, size), nil
		}
		return 0, nil
	}
}

func (m *MMIO) Write(offset uint64, size int, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch offset {
	case regDeviceFeaturesSel:
		m.deviceFeatureSel = uint32(value)
	case regDriverFeaturesSel:
		m.driverFeatureSel = uint32(value)
	case regDriverFeatures:
		if m.driverFeatureSel == 0 {
			m.driverFeatures = (m.driverFeatures &^ 0xffffffff) | value
		} else {
			m.driverFeatures = (m.driverFeatures &^ (0xffffffff << 32)) | (value << 32)
		}
	case regQueueSel:
		m.queueSel = uint32(value)
	case regQueueNum:
		if q := m.currentQueue(); q != nil {
			_ = q.SetSize(uint16(value))
		}
	case regQueueReady:
		if q := m.currentQueue(); q != nil {
			q.SetReady(value != 0)
		}
	case regQueueDescLow:
		m.setQueueAddrLow(&m.currentQueue().DescTableAddr, value)
	case regQueueDescHigh:
		m.setQueueAddrHigh(&m.currentQueue().DescTableAddr, value)
	case regQueueAvailLow:
		m.setQueueAddrLow(&m.currentQueue().AvailRingAddr, value)
	case regQueueAvailHigh:
		m.setQueueAddrHigh(&m.currentQueue().AvailRingAddr, value)
	case regQueueUsedLow:
		m.setQueueAddrLow(&m.currentQueue().UsedRingAddr, value)
	case regQueueUsedHigh:
		m.setQueueAddrHigh(&m.currentQueue().UsedRingAddr, value)
	case regQueueNotify:
		idx := int(value)
		if idx >= 0 && idx < len(m.queues) {
			q := m.queues[idx]
			m.mu.Unlock()
			err := m.handler.ProcessQueue(idx, q)
			m.mu.Lock()
			if err != nil {
				return err
			}
		}
	case regInterruptAck:
		m.interruptStatus &^= uint32(value)
	case regStatus:
		m.status = uint32(value)
		if m.status == 0 {
			m.reset()
		}
	default:
		if offset >= regConfig {
			m.handler.WriteConfig(offset-regConfig, size, value)
		}
	}
	return nil
}

// setQueueAddrLow/High splits the 64-bit ring addresses into the LOW/HIGH
// register pairs the guest is required to program them through.
func (m *MMIO) setQueueAddrLow(field *uint64, value uint64) {
	if field == nil {
		return
	}
	*field = (*field &^ 0xffffffff) | (value & 0xffffffff)
}

func (m *MMIO) setQueueAddrHigh(field *uint64, value uint64) {
	if field == nil {
		return
	}
	*field = (*field &^ (0xffffffff << 32)) | ((value & 0xffffffff) << 32)
}

func (m *MMIO) reset() {
	m.handler.Reset()
	for _, q := range m.queues {
		q.Reset()
	}
	m.interruptStatus = 0
	m.driverFeatures = 0
}

// DrainQueue processes every available descriptor chain on q, dispatching
// each to fn, then publishes the used entries. The block, net and rng
// device models drain their queues with their own loops instead.
func (m *MMIO) DrainQueue(q *VirtQueue, fn func(chain []Payload) (writtenLen uint32, err error)) error {
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
		written, err := fn(chain)
		if err != nil {
			return err
		}
		if err := q.PutUsedBuffer(head, written); err != nil {
			return err
		}
	}
}
