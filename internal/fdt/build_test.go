package fdt

import (
	"encoding/binary"
	"testing"
)

func TestBuildHeaderAndMagic(t *testing.T) {
	root := Node{
		Name: "",
		Properties: map[string]Property{
			"compatible": {Strings: []string{"rv64vm"}},
			"#size-cells": {U32: []uint32{2}},
		},
		Children: []Node{
			{
				Name: "memory@80000000",
				Properties: map[string]Property{
					"reg": {U64: []uint64{0x8000_0000, 0x1000_0000}},
				},
			},
		},
	}

	blob, err := Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(blob) < fdtHeaderSize {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}

	magic := binary.BigEndian.Uint32(blob[0:4])
	if magic != fdtMagic {
		t.Errorf("magic = %#x, want %#x", magic, fdtMagic)
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	if int(totalSize) != len(blob) {
		t.Errorf("header totalsize = %d, want %d", totalSize, len(blob))
	}
	version := binary.BigEndian.Uint32(blob[20:24])
	if version != fdtVersion {
		t.Errorf("version = %d, want %d", version, fdtVersion)
	}
}

func TestBuildRejectsAmbiguousProperty(t *testing.T) {
	root := Node{
		Name: "",
		Properties: map[string]Property{
			"bad": {Strings: []string{"a"}, U32: []uint32{1}},
		},
	}
	if _, err := Build(root); err == nil {
		t.Fatal("Build did not reject a property with two value kinds set")
	}
}

func TestBuildRejectsEmptyProperty(t *testing.T) {
	root := Node{
		Name:       "",
		Properties: map[string]Property{"empty": {}},
	}
	if _, err := Build(root); err == nil {
		t.Fatal("Build did not reject a property with no values")
	}
}
