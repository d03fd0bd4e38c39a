package diskfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// dirEntry is the on-disk directory entry shape: a 24-byte NUL-padded name,
// a 4-byte size in bytes, and a 4-byte head sector of the file's data chain.
// A name whose first byte is 0 marks a free (unused) slot.
type dirEntry struct {
	Name string
	Size uint32
	Head uint32
}

func encodeDirEntry(e dirEntry) ([dirEntrySize]byte, error) {
	var out [dirEntrySize]byte
	if len(e.Name) > MaxNameLen {
		return out, fmt.Errorf("diskfs: name %q exceeds %d bytes", e.Name, MaxNameLen)
	}
	copy(out[:24], e.Name)
	binary.LittleEndian.PutUint32(out[24:28], e.Size)
	binary.LittleEndian.PutUint32(out[28:32], e.Head)
	return out, nil
}

func decodeDirEntry(raw []byte) (dirEntry, bool) {
	if raw[0] == 0 {
		return dirEntry{}, false
	}
	nameEnd := bytes.IndexByte(raw[:24], 0)
	if nameEnd < 0 {
		nameEnd = 24
	}
	return dirEntry{
		Name: string(raw[:nameEnd]),
		Size: binary.LittleEndian.Uint32(raw[24:28]),
		Head: binary.LittleEndian.Uint32(raw[28:32]),
	}, true
}
