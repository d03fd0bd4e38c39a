// Command rv64vm boots an RV64 Linux-compatible kernel under the
// internal/riscv emulator: it wires together the CPU/bus machine, the ELF
// loader and device tree synthesizer, an optional toy-filesystem disk, a
// network backend, and the controlling terminal's UART console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rv64lab/rv64vm/internal/console"
	"github.com/rv64lab/rv64vm/internal/debug"
	"github.com/rv64lab/rv64vm/internal/diskfs"
	"github.com/rv64lab/rv64vm/internal/loader"
	"github.com/rv64lab/rv64vm/internal/netdev"
	"github.com/rv64lab/rv64vm/internal/riscv"
	"github.com/rv64lab/rv64vm/internal/snapshot"
	"github.com/rv64lab/rv64vm/internal/virtio"
	"github.com/rv64lab/rv64vm/internal/vmconfig"
	"github.com/schollz/progressbar/v3"
)

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "rv64vm: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a specific process exit code, the way the teacher's
// initx.ExitError distinguishes a deliberate non-zero exit from a plain
// setup failure (which always exits 1).
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

// intFlag/uint64Flag/boolFlag track whether a flag was explicitly set, so a
// -config file's values are only overridden by flags the user actually
// passed, not by every flag's zero default.
type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }
func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v, f.set = v, true
	return nil
}

type uint64Flag struct {
	v   uint64
	set bool
}

func (f *uint64Flag) String() string { return strconv.FormatUint(f.v, 10) }
func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	f.v, f.set = v, true
	return nil
}

type stringFlag struct {
	v   string
	set bool
}

func (f *stringFlag) String() string { return f.v }
func (f *stringFlag) Set(s string) error {
	f.v, f.set = s, true
	return nil
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string {
	if f.v {
		return "true"
	}
	return "false"
}
func (f *boolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.v, f.set = v, true
	return nil
}
func (f *boolFlag) IsBoolFlag() bool { return true }

func run() error {
	configPath := flag.String("config", "", "Path to a "+vmconfig.Filename+" machine description")

	var cpus intFlag
	flag.Var(&cpus, "cpus", "Number of harts")
	var memoryMB uint64Flag
	flag.Var(&memoryMB, "memory", "Memory in MB")
	var kernel stringFlag
	flag.Var(&kernel, "kernel", "Path to a RISC-V ELF kernel image")
	var initrd stringFlag
	flag.Var(&initrd, "initrd", "Path to an initrd/initramfs image")
	var bootargs stringFlag
	flag.Var(&bootargs, "bootargs", "Kernel command line")

	var disk stringFlag
	flag.Var(&disk, "disk", "Path to a toy-filesystem disk image (created if absent and -disk-dir is set)")
	var diskDir stringFlag
	flag.Var(&diskDir, "disk-dir", "Build the disk image from this directory's files before boot")
	var diskSizeMB uint64Flag
	flag.Var(&diskSizeMB, "disk-size", "Disk image size in MB, when building from -disk-dir")
	var diskReadOnly boolFlag
	flag.Var(&diskReadOnly, "disk-readonly", "Expose the disk as read-only to the guest")

	var network stringFlag
	flag.Var(&network, "network", `Network backend: "none", "nat", or "tap"`)
	var tapIface stringFlag
	flag.Var(&tapIface, "tap-iface", "Host TAP interface name, for -network=tap")

	var snapshotPath stringFlag
	flag.Var(&snapshotPath, "snapshot", "Load this snapshot at start and save to it on exit")
	snapshotLoadOnly := flag.Bool("snapshot-load-only", false, "Load -snapshot but never save to it")

	dbg := flag.Bool("debug", false, "Enable debug logging")
	var tracePath stringFlag
	flag.Var(&tracePath, "trace", "Write a binary hart trap trace to this file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot an RV64 kernel under the rv64vm emulator.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if tracePath.set {
		if err := debug.OpenFile(tracePath.v); err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer debug.Close()
	}

	cfg := vmconfig.Default()
	if *configPath != "" {
		loaded, err := vmconfig.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	mergeFlags(&cfg, cpus, memoryMB, kernel, initrd, bootargs, disk, diskDir, diskSizeMB, diskReadOnly, network, tapIface, snapshotPath)

	if cfg.Kernel == "" && cfg.Snapshot == "" {
		flag.Usage()
		return fmt.Errorf("-kernel (or a -snapshot to resume from) is required")
	}

	con, err := console.Open()
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	defer con.Close()

	m := riscv.NewMachine(cfg.MemoryMB<<20, cfg.CPUs, con, con.TryRead)

	if err := attachDisk(m, cfg); err != nil {
		return err
	}
	if err := attachNetwork(m, cfg); err != nil {
		return err
	}
	m.AddVirtIODevice(virtio.NewRNGDevice(1))

	if cfg.Snapshot != "" {
		if _, err := os.Stat(cfg.Snapshot); err == nil {
			if err := snapshot.LoadFile(cfg.Snapshot, m); err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
			slog.Info("resumed from snapshot", "path", cfg.Snapshot)
		} else if cfg.Kernel == "" {
			return fmt.Errorf("snapshot %s does not exist and no -kernel given", cfg.Snapshot)
		}
	}

	if cfg.Kernel != "" && (cfg.Snapshot == "" || !snapshotExists(cfg.Snapshot)) {
		if err := bootKernel(m, cfg); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m.Run(ctx)

	if cfg.Snapshot != "" && !*snapshotLoadOnly {
		if err := snapshot.SaveFile(cfg.Snapshot, m); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		slog.Info("saved snapshot", "path", cfg.Snapshot)
	}
	return nil
}

func snapshotExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func mergeFlags(cfg *vmconfig.Config, cpus intFlag, memoryMB uint64Flag, kernel, initrd, bootargs, disk, diskDir stringFlag, diskSizeMB uint64Flag, diskReadOnly boolFlag, network, tapIface, snapshotPath stringFlag) {
	if cpus.set {
		cfg.CPUs = cpus.v
	}
	if memoryMB.set {
		cfg.MemoryMB = memoryMB.v
	}
	if kernel.set {
		cfg.Kernel = kernel.v
	}
	if initrd.set {
		cfg.Initrd = initrd.v
	}
	if bootargs.set {
		cfg.Bootargs = bootargs.v
	}
	if disk.set {
		cfg.Disk = disk.v
	}
	if diskDir.set {
		cfg.DiskDir = diskDir.v
	}
	if diskSizeMB.set {
		cfg.DiskSizeMB = diskSizeMB.v
	}
	if diskReadOnly.set {
		cfg.DiskReadOnly = diskReadOnly.v
	}
	if network.set {
		cfg.Network = network.v
	}
	if tapIface.set {
		cfg.TapIface = tapIface.v
	}
	if snapshotPath.set {
		cfg.Snapshot = snapshotPath.v
	}
}

func attachDisk(m *riscv.Machine, cfg vmconfig.Config) error {
	if cfg.Disk == "" {
		return nil
	}
	if cfg.DiskDir != "" {
		if err := diskfs.BuildFromDirectory(cfg.Disk, cfg.DiskDir, int64(cfg.DiskSizeMB)<<20); err != nil {
			return fmt.Errorf("build disk image: %w", err)
		}
	}
	f, err := os.OpenFile(cfg.Disk, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open disk %s: %w", cfg.Disk, err)
	}
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat disk %s: %w", cfg.Disk, err)
	}
	img, err := diskfs.Open(f, info.Size())
	if err != nil {
		return fmt.Errorf("open disk image %s: %w", cfg.Disk, err)
	}
	m.AddVirtIODevice(virtio.NewBlockDevice(img, cfg.DiskReadOnly))
	return nil
}

// lookupHost resolves a guest DNS query through the host resolver, the
// simplest possible answer to "what does this hostname mean" for a NAT-only
// network backend that otherwise never touches a real nameserver.
func lookupHost(name string) (net.IP, error) {
	ips, err := net.LookupIP(name)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no A record for %s", name)
}

func attachNetwork(m *riscv.Machine, cfg vmconfig.Config) error {
	log := slog.Default()
	switch cfg.Network {
	case "", "none":
		return nil
	case "nat":
		m.AddVirtIODevice(virtio.NewNetDevice(netdev.NewRelayBackend(log)))
		m.AddVirtIODevice(virtio.NewNetDevice(netdev.NewDNSBackend(log, lookupHost)))
		return nil
	case "tap":
		tap, err := netdev.OpenTAP(cfg.TapIface)
		if err != nil {
			return fmt.Errorf("open tap %s: %w", cfg.TapIface, err)
		}
		m.AddVirtIODevice(virtio.NewNetDevice(tap))
		return nil
	default:
		return fmt.Errorf("unknown -network backend %q", cfg.Network)
	}
}

func bootKernel(m *riscv.Machine, cfg vmconfig.Config) error {
	kernelELF, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("read kernel: %w", err)
	}
	var initrd []byte
	if cfg.Initrd != "" {
		initrd, err = os.ReadFile(cfg.Initrd)
		if err != nil {
			return fmt.Errorf("read initrd: %w", err)
		}
	}

	bar := progressbar.DefaultBytes(int64(len(kernelELF)+len(initrd)), "booting "+filepath.Base(cfg.Kernel))
	defer bar.Close()

	platform := loader.PlatformInfo{
		HartCount:    cfg.CPUs,
		MemoryBase:   riscv.RAMBase,
		MemorySize:   cfg.MemoryMB << 20,
		CLINTBase:    riscv.CLINTBase,
		CLINTSize:    riscv.CLINTSize,
		PLICBase:     riscv.PLICBase,
		PLICSize:     riscv.PLICSize,
		UARTBase:     riscv.UARTBase,
		UARTSize:     riscv.UARTSize,
		UARTIRQ:      10,
		VirtIOBase:   riscv.VirtIOBase,
		VirtIOStride: riscv.VirtIOSize,
		VirtIOCount:  len(m.VirtIO),
		Bootargs:     cfg.Bootargs,
	}

	plan, err := loader.Boot(m, kernelELF, initrd, loader.Options{}, platform)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	bar.Add(len(kernelELF) + len(initrd))
	slog.Info("boot plan", "entry", fmt.Sprintf("%#x", plan.Entry), "dtb", fmt.Sprintf("%#x", plan.DTBBase))
	return nil
}
