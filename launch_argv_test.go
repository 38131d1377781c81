// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"strings"
	"testing"

	"github.com/libguestfs/libguestfs-sub010/pkg/hvprobe"
	"github.com/libguestfs/libguestfs-sub010/pkg/resolver"
)

func TestBuildArgvDefaultsToSerialChannel(t *testing.T) {
	h := newTestHandle(t)
	argv, err := h.buildArgv("qemu-system-x86_64", resolver.Triple{Kernel: "/boot/vmlinuz", Initrd: "/boot/initrd"}, hvprobe.Features{KVMEnabled: true})
	if err != nil {
		t.Fatalf("buildArgv: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "org.libguestfs.channel.0") {
		t.Fatalf("argv missing channel name: %v", argv)
	}
	if strings.Contains(joined, "vhost-vsock-pci") {
		t.Fatalf("argv should not use vsock by default: %v", argv)
	}
}

func TestBuildArgvVsockBackendSetting(t *testing.T) {
	h := newTestHandle(t)
	h.SetBackendSetting("vsock", "")
	argv, err := h.buildArgv("qemu-system-x86_64", resolver.Triple{Kernel: "/boot/vmlinuz", Initrd: "/boot/initrd"}, hvprobe.Features{KVMEnabled: true})
	if err != nil {
		t.Fatalf("buildArgv: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "vhost-vsock-pci") {
		t.Fatalf("argv missing vsock device: %v", argv)
	}
}

func TestBuildArgvNetworkingSubnet(t *testing.T) {
	h := newTestHandle(t)
	h.cfg.EnableNetwork = true
	argv, err := h.buildArgv("qemu-system-x86_64", resolver.Triple{Kernel: "/boot/vmlinuz", Initrd: "/boot/initrd"}, hvprobe.Features{KVMEnabled: true})
	if err != nil {
		t.Fatalf("buildArgv: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "net=169.254.0.0/16") {
		t.Fatalf("argv missing subnet: %v", argv)
	}
}

func TestBuildArgvUEFIAndExtraParams(t *testing.T) {
	h := newTestHandle(t)
	h.cfg.UEFICodePath = "/usr/share/OVMF/OVMF_CODE.fd"
	h.cfg.UEFIVarsPath = "/var/lib/guestfs/OVMF_VARS.fd"
	h.cfg.ExtraParams = []string{"-nodefaults"}

	argv, err := h.buildArgv("qemu-system-x86_64", resolver.Triple{Kernel: "/boot/vmlinuz", Initrd: "/boot/initrd"}, hvprobe.Features{KVMEnabled: true})
	if err != nil {
		t.Fatalf("buildArgv: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "OVMF_CODE.fd") || !strings.Contains(joined, "OVMF_VARS.fd") {
		t.Fatalf("argv missing uefi drives: %v", argv)
	}
	if argv[len(argv)-1] != "-nodefaults" {
		t.Fatalf("extra params not appended last: %v", argv)
	}
}

func TestResolveDiscardEnableRefusedWhenUnsupported(t *testing.T) {
	_, err := resolveDiscard(ProtocolHTTP, "raw", DiscardEnable, hvprobe.Features{})
	if err == nil {
		t.Fatal("expected discard=enable to be refused for an http-protocol drive")
	}
}

func TestResolveDiscardEnableAllowedWhenSupported(t *testing.T) {
	got, err := resolveDiscard(ProtocolFile, "raw", DiscardEnable, hvprobe.Features{Version: hvprobe.Version{Major: 4, Minor: 2}})
	if err != nil {
		t.Fatalf("resolveDiscard: %v", err)
	}
	if got != "unmap" {
		t.Fatalf("got %q, want unmap", got)
	}
}

func TestResolveDiscardBestEffortDegradesSilently(t *testing.T) {
	got, err := resolveDiscard(ProtocolFile, "qcow2", DiscardBestEffort, hvprobe.Features{})
	if err != nil {
		t.Fatalf("resolveDiscard: %v", err)
	}
	if got != "ignore" {
		t.Fatalf("got %q, want ignore", got)
	}
}
