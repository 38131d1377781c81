// SPDX-License-Identifier: Apache-2.0

// Package qemu builds a validated QEMU argument vector from a set of typed
// Device values, the way pkg/govmm/qemu builds sandbox command lines for
// kata-containers: a Config carries machine-wide settings, each Device
// renders its own QemuParams, and the caller's custom flag/value pairs are
// appended last so they can always override an earlier default.
package qemu

import (
	"fmt"
	"strings"
)

// Device is anything that can render itself onto a QEMU command line.
type Device interface {
	QemuParams(cfg *Config) []string
	Valid() bool
}

// Machine describes the machine type and accelerator.
type Machine struct {
	Type         string
	Acceleration string
}

// SMP describes the requested vCPU count.
type SMP struct {
	CPUs uint32
}

// Memory describes the requested guest memory, in MiB.
type Memory struct {
	SizeMiB uint32
}

// RTC describes the real-time-clock base.
type RTC struct {
	Base string
}

// Knobs are miscellaneous boolean switches.
type Knobs struct {
	NoReboot bool
	NoHPET   bool // x86-only; caller decides whether to set this
}

// Kernel describes the -kernel/-initrd/-append triple.
type Kernel struct {
	Path       string
	InitrdPath string
	Params     string
}

// Config is the accumulated QEMU invocation; Build renders it to argv.
type Config struct {
	Path     string
	Machine  Machine
	CPUModel string
	SMP      SMP
	Memory   Memory
	RTC      RTC
	Knobs    Knobs
	Kernel   Kernel
	Devices  []Device

	// ExtraParams are caller-supplied opaque flag/value pairs, appended
	// last, always after every validated default.
	ExtraParams []string

	params []string
}

// Build renders the configuration and all devices into an argument vector,
// in a fixed order: machine, accelerator/cpu, memory, smp, RTC, knobs,
// kernel, then devices in the order they were added, then ExtraParams last.
// Device-less configuration is appended first so that later caller "set"
// overrides via ExtraParams remain possible, matching spec.md C5 invariant
// (ii).
func (c *Config) Build() ([]string, error) {
	c.params = nil

	c.appendMachine()
	c.appendCPUModel()
	c.appendMemory()
	c.appendSMP()
	c.appendRTC()
	c.appendKnobs()
	c.appendKernel()

	for _, d := range c.Devices {
		if !d.Valid() {
			return nil, fmt.Errorf("qemu: invalid device %T", d)
		}
		c.params = append(c.params, d.QemuParams(c)...)
	}

	c.params = append(c.params, c.ExtraParams...)

	return c.params, nil
}

func (c *Config) appendMachine() {
	if c.Machine.Type == "" {
		return
	}
	parts := []string{c.Machine.Type}
	if c.Machine.Acceleration != "" {
		parts = append(parts, fmt.Sprintf("accel=%s", c.Machine.Acceleration))
	}
	c.params = append(c.params, "-machine", strings.Join(parts, ","))
}

func (c *Config) appendCPUModel() {
	if c.CPUModel == "" {
		return
	}
	c.params = append(c.params, "-cpu", c.CPUModel)
}

func (c *Config) appendMemory() {
	if c.Memory.SizeMiB == 0 {
		return
	}
	c.params = append(c.params, "-m", fmt.Sprintf("%d", c.Memory.SizeMiB))
}

func (c *Config) appendSMP() {
	if c.SMP.CPUs == 0 {
		return
	}
	c.params = append(c.params, "-smp", fmt.Sprintf("%d", c.SMP.CPUs))
}

func (c *Config) appendRTC() {
	if c.RTC.Base == "" {
		return
	}
	c.params = append(c.params, "-rtc", fmt.Sprintf("base=%s", c.RTC.Base))
}

func (c *Config) appendKnobs() {
	if c.Knobs.NoReboot {
		c.params = append(c.params, "-no-reboot")
	}
	if c.Knobs.NoHPET {
		c.params = append(c.params, "-no-hpet")
	}
}

func (c *Config) appendKernel() {
	if c.Kernel.Path == "" {
		return
	}
	c.params = append(c.params, "-kernel", c.Kernel.Path)
	if c.Kernel.InitrdPath != "" {
		c.params = append(c.params, "-initrd", c.Kernel.InitrdPath)
	}
	if c.Kernel.Params != "" {
		c.params = append(c.params, "-append", c.Kernel.Params)
	}
}

// BlockDeviceFormat is a disk image format understood by QEMU.
type BlockDeviceFormat string

const (
	RawFormat   BlockDeviceFormat = "raw"
	QCOW2Format BlockDeviceFormat = "qcow2"
)

// BlockDevice describes one drive presented to the guest. It is modeled
// directly on pkg/device/config.BlockDrive, trimmed to the fields this
// module's drive model (guestfs.Drive) actually needs.
type BlockDevice struct {
	ID        string
	File      string
	Format    BlockDeviceFormat
	Interface string // "virtio-blk" or "scsi-hd" when fronted by a virtio-scsi controller
	ReadOnly  bool
	CacheMode string
	Discard   string
	// Snapshot requests QEMU's own -drive snapshot=on, used for the
	// appliance's own root image rather than libguestfs's usual
	// host-side overlay.
	Snapshot bool
}

func (b BlockDevice) Valid() bool {
	return b.ID != "" && b.File != ""
}

func (b BlockDevice) QemuParams(cfg *Config) []string {
	parts := []string{fmt.Sprintf("file=%s", b.File)}
	if b.Format != "" {
		parts = append(parts, fmt.Sprintf("format=%s", b.Format))
	}
	parts = append(parts, "if=none", fmt.Sprintf("id=drive-%s", b.ID))
	if b.ReadOnly {
		parts = append(parts, "readonly=on")
	}
	if b.CacheMode != "" {
		parts = append(parts, fmt.Sprintf("cache=%s", b.CacheMode))
	}
	if b.Discard != "" {
		parts = append(parts, fmt.Sprintf("discard=%s", b.Discard))
	}
	if b.Snapshot {
		parts = append(parts, "snapshot=on")
	}

	driveParam := strings.Join(parts, ",")

	device := b.Interface
	if device == "" {
		device = "virtio-blk-pci"
	}
	deviceParam := fmt.Sprintf("%s,drive=drive-%s,id=%s", device, b.ID, b.ID)

	return []string{"-drive", driveParam, "-device", deviceParam}
}

// SCSIController is the virtio-scsi controller all non-boot drives attach
// to by device letter.
type SCSIController struct {
	ID string
}

func (s SCSIController) Valid() bool { return s.ID != "" }

func (s SCSIController) QemuParams(cfg *Config) []string {
	return []string{"-device", fmt.Sprintf("virtio-scsi-pci,id=%s", s.ID)}
}

// RNGDevice wires a virtio-rng backend, per spec.md C5.
type RNGDevice struct {
	ID      string
	Backend string // e.g. "/dev/urandom"
}

func (r RNGDevice) Valid() bool { return r.ID != "" }

func (r RNGDevice) QemuParams(cfg *Config) []string {
	params := []string{"-object", fmt.Sprintf("rng-random,id=%s-backend,filename=%s", r.ID, nonEmpty(r.Backend, "/dev/urandom"))}
	params = append(params, "-device", fmt.Sprintf("virtio-rng-pci,rng=%s-backend,id=%s", r.ID, r.ID))
	return params
}

// SerialChannel is the virtio-serial guest/host request-response channel,
// always named org.libguestfs.channel.0 per spec.md §6.
type SerialChannel struct {
	Name     string
	SockPath string
}

func (s SerialChannel) Valid() bool { return s.SockPath != "" }

func (s SerialChannel) QemuParams(cfg *Config) []string {
	id := "channel0"
	name := s.Name
	if name == "" {
		name = "org.libguestfs.channel.0"
	}
	return []string{
		"-device", "virtio-serial-pci,id=virtio-serial0",
		"-chardev", fmt.Sprintf("socket,id=%s,path=%s,server=off", id, s.SockPath),
		"-device", fmt.Sprintf("virtserialport,chardev=%s,name=%s", id, name),
	}
}

// VsockDevice wires the guest channel over AF_VSOCK instead of a
// virtio-serial chardev socket, for hosts that expose /dev/vsock and ask
// for it via the "vsock" backend setting.
type VsockDevice struct {
	GuestCID uint32
}

func (v VsockDevice) Valid() bool { return v.GuestCID > 0 }

func (v VsockDevice) QemuParams(cfg *Config) []string {
	return []string{"-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", v.GuestCID)}
}

// SerialConsole is the guest's serial console, wired to a host socket.
type SerialConsole struct {
	SockPath string
}

func (s SerialConsole) Valid() bool { return s.SockPath != "" }

func (s SerialConsole) QemuParams(cfg *Config) []string {
	return []string{
		"-chardev", fmt.Sprintf("socket,id=console0,path=%s,server=off", s.SockPath),
		"-serial", "chardev:console0",
	}
}

// UserNetDevice is a user-mode-networking NIC on a fixed subnet.
type UserNetDevice struct {
	ID     string
	Subnet string // e.g. "169.254.0.0/16"
}

func (n UserNetDevice) Valid() bool { return n.ID != "" }

func (n UserNetDevice) QemuParams(cfg *Config) []string {
	subnet := n.Subnet
	if subnet == "" {
		subnet = "169.254.0.0/16"
	}
	return []string{
		"-netdev", fmt.Sprintf("user,id=%s,net=%s", n.ID, subnet),
		"-device", fmt.Sprintf("virtio-net-pci,netdev=%s", n.ID),
	}
}

// UEFIDrives front the code (read-only) and vars (read-write) pflash images
// when the caller asked for UEFI boot.
type UEFIDrives struct {
	CodePath string
	VarsPath string
}

func (u UEFIDrives) Valid() bool { return u.CodePath != "" }

func (u UEFIDrives) QemuParams(cfg *Config) []string {
	params := []string{"-drive", fmt.Sprintf("if=pflash,format=raw,readonly=on,file=%s", u.CodePath)}
	if u.VarsPath != "" {
		params = append(params, "-drive", fmt.Sprintf("if=pflash,format=raw,file=%s", u.VarsPath))
	}
	return params
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Accelerator resolution, per spec.md C5: "KVM-only, TCG-only, or the
// string kvm:tcg (first-fit)".
type AccelPolicy int

const (
	AccelAuto AccelPolicy = iota // "kvm:tcg"
	AccelForceKVM
	AccelForceTCG
)

// ResolveAccelerator implements the first-fit negotiation and the
// fail-fast rules spec.md C5 requires: forcing both KVM and TCG is an
// error, and forcing KVM when it is unavailable is an error.
func ResolveAccelerator(policy AccelPolicy, kvmAvailable bool, forceKVM, forceTCG bool) (string, error) {
	forceKVM = forceKVM || policy == AccelForceKVM
	forceTCG = forceTCG || policy == AccelForceTCG
	if forceKVM && forceTCG {
		return "", fmt.Errorf("qemu: cannot force both kvm and tcg acceleration")
	}
	if forceKVM {
		if !kvmAvailable {
			return "", fmt.Errorf("qemu: kvm acceleration forced but unavailable")
		}
		return "kvm", nil
	}
	if forceTCG {
		return "tcg", nil
	}
	if kvmAvailable {
		return "kvm:tcg", nil
	}
	return "tcg", nil
}
