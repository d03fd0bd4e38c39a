package loader

import "github.com/rv64lab/rv64vm/internal/fdt"

// PlatformInfo describes the fixed platform this machine presents to a
// booting kernel, enough to synthesize a minimal device tree: memory
// window, CLINT/PLIC/UART/virtio-mmio placement, and hart count. Field
// values are expected to match internal/riscv's physical memory map.
type PlatformInfo struct {
	HartCount    int
	MemoryBase   uint64
	MemorySize   uint64
	CLINTBase    uint64
	CLINTSize    uint64
	PLICBase     uint64
	PLICSize     uint64
	UARTBase     uint64
	UARTSize     uint64
	UARTIRQ      uint32
	VirtIOBase   uint64
	VirtIOStride uint64
	VirtIOCount  int

	InitrdBase uint64
	InitrdSize uint64

	Bootargs string
}

// BuildDTB synthesizes a flattened device tree blob describing p, grounded
// on the teacher's internal/fdt/build.go serializer and the node shapes
// QEMU's virt machine and Linux's riscv64 defconfig both expect: a root
// node with #address-cells/#size-cells, one cpu per hart under /cpus, a
// memory node, and soc children for clint/plic/serial/virtio-mmio.
func BuildDTB(p PlatformInfo) ([]byte, error) {
	cpus := fdt.Node{
		Name: "cpus",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{1}},
			"#size-cells":    {U32: []uint32{0}},
			"timebase-frequency": {U32: []uint32{10000000}},
		},
	}
	for i := 0; i < p.HartCount; i++ {
		cpus.Children = append(cpus.Children, fdt.Node{
			Name: cpuNodeName(i),
			Properties: map[string]fdt.Property{
				"device_type":      {Strings: []string{"cpu"}},
				"reg":              {U32: []uint32{uint32(i)}},
				"status":           {Strings: []string{"okay"}},
				"compatible":       {Strings: []string{"riscv"}},
				"riscv,isa":        {Strings: []string{"rv64imafdc"}},
				"mmu-type":         {Strings: []string{"riscv,sv39"}},
			},
			Children: []fdt.Node{{
				Name: "interrupt-controller",
				Properties: map[string]fdt.Property{
					"#interrupt-cells":  {U32: []uint32{1}},
					"interrupt-controller": {Flag: true},
					"compatible":        {Strings: []string{"riscv,cpu-intc"}},
				},
			}},
		})
	}

	memory := fdt.Node{
		Name: "memory@" + hex(p.MemoryBase),
		Properties: map[string]fdt.Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         {U64: []uint64{p.MemoryBase, p.MemorySize}},
		},
	}

	soc := fdt.Node{
		Name: "soc",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"simple-bus"}},
			"ranges":         {Flag: true},
		},
	}

	soc.Children = append(soc.Children, fdt.Node{
		Name: "clint@" + hex(p.CLINTBase),
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"riscv,clint0"}},
			"reg":        {U64: []uint64{p.CLINTBase, p.CLINTSize}},
		},
	})

	soc.Children = append(soc.Children, fdt.Node{
		Name: "plic@" + hex(p.PLICBase),
		Properties: map[string]fdt.Property{
			"compatible":            {Strings: []string{"riscv,plic0"}},
			"reg":                   {U64: []uint64{p.PLICBase, p.PLICSize}},
			"riscv,ndev":            {U32: []uint32{64}},
			"#interrupt-cells":      {U32: []uint32{1}},
			"interrupt-controller":  {Flag: true},
			"phandle":               {U32: []uint32{plicPhandle}},
		},
	})

	soc.Children = append(soc.Children, fdt.Node{
		Name: "serial@" + hex(p.UARTBase),
		Properties: map[string]fdt.Property{
			"compatible":         {Strings: []string{"ns16550a"}},
			"reg":                {U64: []uint64{p.UARTBase, p.UARTSize}},
			"clock-frequency":    {U32: []uint32{3686400}},
			"interrupt-parent":   {U32: []uint32{plicPhandle}},
			"interrupts":         {U32: []uint32{p.UARTIRQ}},
		},
	})

	for i := 0; i < p.VirtIOCount; i++ {
		addr := p.VirtIOBase + uint64(i)*p.VirtIOStride
		soc.Children = append(soc.Children, fdt.Node{
			Name: "virtio_mmio@" + hex(addr),
			Properties: map[string]fdt.Property{
				"compatible":       {Strings: []string{"virtio,mmio"}},
				"reg":              {U64: []uint64{addr, p.VirtIOStride}},
				"interrupt-parent": {U32: []uint32{plicPhandle}},
				"interrupts":       {U32: []uint32{uint32(i + 1)}},
			},
		})
	}

	chosen := fdt.Node{
		Name:       "chosen",
		Properties: map[string]fdt.Property{},
	}
	if p.Bootargs != "" {
		chosen.Properties["bootargs"] = fdt.Property{Strings: []string{p.Bootargs}}
	}
	if p.InitrdSize > 0 {
		chosen.Properties["linux,initrd-start"] = fdt.Property{U64: []uint64{p.InitrdBase}}
		chosen.Properties["linux,initrd-end"] = fdt.Property{U64: []uint64{p.InitrdBase + p.InitrdSize}}
	}

	root := fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"rv64vm,virt"}},
			"model":          {Strings: []string{"rv64vm virtual machine"}},
		},
		Children: []fdt.Node{cpus, memory, soc, chosen},
	}

	return fdt.Build(root)
}

// plicPhandle is the fixed phandle value every interrupt-parent reference
// in this synthesized tree points at; with a single interrupt controller
// there is no need to allocate phandles dynamically.
const plicPhandle = 1

func cpuNodeName(i int) string {
	return "cpu@" + hex(uint64(i))
}

func hex(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}
