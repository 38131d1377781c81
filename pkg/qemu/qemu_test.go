// SPDX-License-Identifier: Apache-2.0

package qemu

import (
	"strings"
	"testing"
)

func TestResolveAccelerator(t *testing.T) {
	if _, err := ResolveAccelerator(AccelAuto, true, true, true); err == nil {
		t.Fatal("expected error forcing both kvm and tcg")
	}
	if _, err := ResolveAccelerator(AccelAuto, false, true, false); err == nil {
		t.Fatal("expected error forcing kvm when unavailable")
	}
	got, err := ResolveAccelerator(AccelAuto, true, false, false)
	if err != nil || got != "kvm:tcg" {
		t.Fatalf("got %q, %v, want kvm:tcg, nil", got, err)
	}
	got, err = ResolveAccelerator(AccelAuto, true, true, false)
	if err != nil || got != "kvm" {
		t.Fatalf("got %q, %v, want kvm, nil", got, err)
	}
}

func TestUserNetDeviceSubnet(t *testing.T) {
	// spec.md scenario 6: the netdev's net= must equal 169.254.0.0/16 and
	// a device param must reference that netdev.
	nd := UserNetDevice{ID: "netuser0"}
	cfg := &Config{Devices: []Device{nd}}
	argv, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "net=169.254.0.0/16") {
		t.Fatalf("argv missing subnet: %v", argv)
	}
	if !strings.Contains(joined, "netdev=netuser0") {
		t.Fatalf("argv missing device netdev reference: %v", argv)
	}
}

func TestBuildOrderExtraParamsLast(t *testing.T) {
	cfg := &Config{
		Machine:     Machine{Type: "q35", Acceleration: "kvm"},
		ExtraParams: []string{"-foo", "bar"},
	}
	argv, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if argv[len(argv)-2] != "-foo" || argv[len(argv)-1] != "bar" {
		t.Fatalf("ExtraParams not appended last: %v", argv)
	}
}

func TestInvalidDeviceRejected(t *testing.T) {
	cfg := &Config{Devices: []Device{BlockDevice{}}}
	if _, err := cfg.Build(); err == nil {
		t.Fatal("expected error for invalid block device")
	}
}

func TestVsockDeviceRequiresGuestCID(t *testing.T) {
	if (VsockDevice{}).Valid() {
		t.Fatal("vsock device with guest CID 0 should be invalid")
	}
	v := VsockDevice{GuestCID: 3}
	if !v.Valid() {
		t.Fatal("vsock device with guest CID 3 should be valid")
	}
	cfg := &Config{Devices: []Device{v}}
	argv, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "guest-cid=3") {
		t.Fatalf("argv missing guest-cid: %v", argv)
	}
}

func TestSerialChannelName(t *testing.T) {
	ch := SerialChannel{SockPath: "/tmp/channel.sock"}
	cfg := &Config{Devices: []Device{ch}}
	argv, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "org.libguestfs.channel.0") {
		t.Fatalf("argv missing channel name: %v", argv)
	}
}
