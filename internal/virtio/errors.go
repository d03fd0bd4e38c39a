package virtio

import "errors"

var (
	errQueueSize     = errors.New("virtio: invalid queue size")
	errQueueNotReady = errors.New("virtio: queue not ready")
)
