// Package diskfs implements the toy disk filesystem spec.md §6 describes:
// a flat, single-directory image with a fixed sector layout, backing the
// virtio-blk device model in internal/virtio. It also provides the
// disk-image builder used to pack a host directory into that layout.
package diskfs

import "fmt"

// Fixed sector geometry. Every offset below is in 512-byte sectors from the
// start of the image.
const (
	SectorSize = 512

	superblockSector = 0

	bitmapStartSector = 1
	bitmapSectors     = 64 // covers bitmapSectors*SectorSize*8 sectors of image

	dirStartSector = 65
	dirSectors     = 64
	dirEntrySize   = 32
	dirEntriesPerSector = SectorSize / dirEntrySize

	dataStartSector = 129

	// MaxNameLen is the largest filename the 24-byte name field can hold,
	// one byte short to guarantee a NUL terminator survives round-tripping
	// through the fixed-width field.
	MaxNameLen = 23

	// dataPayloadSize is the per-sector usable space in a data-chain sector,
	// the remainder after the 4-byte next-sector link.
	dataPayloadSize = SectorSize - 4

	superblockMagic uint32 = 0x53465331 // "SFS1"
)

// MinImageSectors is the smallest sector count a valid image can have: the
// superblock, bitmap, and directory region, with zero data sectors.
const MinImageSectors = dataStartSector

func checkCapacity(totalSectors uint64) error {
	if totalSectors < MinImageSectors {
		return fmt.Errorf("diskfs: image must have at least %d sectors, got %d", MinImageSectors, totalSectors)
	}
	maxAddressable := uint64(bitmapSectors) * SectorSize * 8
	if totalSectors > maxAddressable {
		return fmt.Errorf("diskfs: image has %d sectors, exceeds bitmap capacity of %d", totalSectors, maxAddressable)
	}
	return nil
}

func maxDirEntries() int { return dirSectors * dirEntriesPerSector }
