package vmconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultAppliesNormalization(t *testing.T) {
	c := Default()
	if c.CPUs != 1 {
		t.Errorf("CPUs = %d, want 1", c.CPUs)
	}
	if c.MemoryMB != 256 {
		t.Errorf("MemoryMB = %d, want 256", c.MemoryMB)
	}
	if c.DiskSizeMB != 64 {
		t.Errorf("DiskSizeMB = %d, want 64", c.DiskSizeMB)
	}
	if c.Network != "none" {
		t.Errorf("Network = %q, want %q", c.Network, "none")
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)
	yaml := "cpus: 4\nmemoryMB: 1024\nkernel: /boot/vmlinux\nnetwork: nat\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.CPUs != 4 {
		t.Errorf("CPUs = %d, want 4", c.CPUs)
	}
	if c.MemoryMB != 1024 {
		t.Errorf("MemoryMB = %d, want 1024", c.MemoryMB)
	}
	if c.Kernel != "/boot/vmlinux" {
		t.Errorf("Kernel = %q, want /boot/vmlinux", c.Kernel)
	}
	if c.Network != "nat" {
		t.Errorf("Network = %q, want nat", c.Network)
	}
	// DiskSizeMB was left unset in the YAML, so normalize should still fill it in.
	if c.DiskSizeMB != 64 {
		t.Errorf("DiskSizeMB = %d, want default 64", c.DiskSizeMB)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load on a missing file returned no error")
	}
}

