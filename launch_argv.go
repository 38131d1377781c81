// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/libguestfs/libguestfs-sub010/pkg/hvprobe"
	"github.com/libguestfs/libguestfs-sub010/pkg/qemu"
	"github.com/libguestfs/libguestfs-sub010/pkg/resolver"
)

// bindUnixSocketPair opens the console and channel listening sockets under
// dir, per spec.md §4.6; the socket directory is UID-partitioned already
// (Handle.sockDir), satisfying spec.md §3's path-length concern for the
// AF_UNIX address limit.
func bindUnixSocketPair(dir string) (consoleLn, channelLn net.Listener, err error) {
	consolePath := filepath.Join(dir, "console.sock")
	channelPath := filepath.Join(dir, "channel.sock")

	consoleLn, err = net.Listen("unix", consolePath)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on console socket: %w", err)
	}
	channelLn, err = net.Listen("unix", channelPath)
	if err != nil {
		consoleLn.Close()
		os.Remove(consolePath)
		return nil, nil, fmt.Errorf("listen on channel socket: %w", err)
	}
	return consoleLn, channelLn, nil
}

// buildArgv composes the hypervisor argument vector per spec.md §4.5: no
// hidden defaults, validated options gated on the probed feature set, and
// the caller's opaque flag/value pairs appended last.
func (h *Handle) buildArgv(hvPath string, triple resolver.Triple, features hvprobe.Features) ([]string, error) {
	accel, err := qemu.ResolveAccelerator(qemu.AccelAuto, features.KVMEnabled, false, false)
	if err != nil {
		return nil, configurationError("%v", err)
	}

	cfg := &qemu.Config{
		Path: hvPath,
		Machine: qemu.Machine{
			Type:         "pc",
			Acceleration: accel,
		},
		SMP:    qemu.SMP{CPUs: uint32(h.cfg.SMP)},
		Memory: qemu.Memory{SizeMiB: uint32(h.cfg.MemsizeMB)},
		RTC:    qemu.RTC{Base: "utc"},
		Knobs: qemu.Knobs{
			NoReboot: true,
			NoHPET:   true,
		},
		Kernel: qemu.Kernel{
			Path:       triple.Kernel,
			InitrdPath: triple.Initrd,
			Params:     h.cfg.AppendKernelArgs,
		},
		ExtraParams: h.cfg.ExtraParams,
	}

	if h.cfg.UEFICodePath != "" {
		cfg.Devices = append(cfg.Devices, qemu.UEFIDrives{
			CodePath: h.cfg.UEFICodePath,
			VarsPath: h.cfg.UEFIVarsPath,
		})
	}

	cfg.Devices = append(cfg.Devices, qemu.RNGDevice{ID: "rng0"})
	cfg.Devices = append(cfg.Devices, qemu.SCSIController{ID: "scsi0"})

	for i := range h.drives.drives {
		d := &h.drives.drives[i]
		if d.Dummy {
			continue
		}
		source := d.Overlay
		if source == "" {
			uri, err := FormatURI(*d)
			if err != nil {
				return nil, err
			}
			source = uri
		}
		format := d.Format
		if d.Overlay != "" {
			format = "qcow2"
		}
		discard, err := resolveDiscard(d.Protocol, format, d.Discard, features)
		if err != nil {
			return nil, err
		}
		cfg.Devices = append(cfg.Devices, qemu.BlockDevice{
			ID:        driveLetters(i),
			File:      source,
			Format:    qemu.BlockDeviceFormat(format),
			Interface: "scsi-hd",
			ReadOnly:  d.ReadOnly,
			CacheMode: d.CacheMode,
			Discard:   discard,
		})
	}

	if triple.Image != "" {
		cfg.Devices = append(cfg.Devices, qemu.BlockDevice{
			ID:       "appliance",
			File:     triple.Image,
			Format:   qemu.RawFormat,
			Snapshot: true,
		})
	}

	if _, useVsock := h.GetBackendSetting("vsock"); useVsock {
		// defaultGuestCID is the conventional single-VM-per-host vsock
		// context ID; a host running more than one appliance handle
		// concurrently over vsock must pick distinct CIDs itself via a
		// future backend setting, which is out of scope here.
		const defaultGuestCID = 3
		cfg.Devices = append(cfg.Devices, qemu.VsockDevice{GuestCID: defaultGuestCID})
	} else {
		cfg.Devices = append(cfg.Devices, qemu.SerialChannel{
			Name:     "org.libguestfs.channel.0",
			SockPath: filepath.Join(h.sockDir, "channel.sock"),
		})
	}
	cfg.Devices = append(cfg.Devices, qemu.SerialConsole{
		SockPath: filepath.Join(h.sockDir, "console.sock"),
	})

	if h.cfg.EnableNetwork {
		cfg.Devices = append(cfg.Devices, qemu.UserNetDevice{ID: "net0", Subnet: "169.254.0.0/16"})
	}

	argv, err := cfg.Build()
	if err != nil {
		return nil, launchFailedError(fmt.Sprintf("building hypervisor argv: %v", err))
	}
	return append([]string{hvPath}, argv...), nil
}
