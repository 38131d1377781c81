// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"strings"
	"testing"
)

func TestValidateSMPBounds(t *testing.T) {
	cases := []struct {
		smp     int
		wantErr bool
	}{
		{0, true},
		{1, false},
		{255, false},
		{256, true},
	}
	for _, c := range cases {
		cfg := DefaultHandleConfig()
		cfg.SMP = c.smp
		err := cfg.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("smp=%d: err=%v, wantErr=%v", c.smp, err, c.wantErr)
		}
	}
}

func TestValidateMemsizeFloor(t *testing.T) {
	cfg := DefaultHandleConfig()
	cfg.MemsizeMB = 100
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "too small value for memsize") {
		t.Fatalf("got %v", err)
	}

	cfg.MemsizeMB = memsizeFloorMB
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected floor value to succeed, got %v", err)
	}
}

func TestSetIdentifierRejectsBadCharsAndPreservesOld(t *testing.T) {
	cfg := DefaultHandleConfig()
	cfg.Identifier = "old-name"

	err := cfg.SetIdentifier("bad/name")
	if err == nil || !strings.Contains(err.Error(), "alphanumeric characters, underscore or minus sign") {
		t.Fatalf("got %v", err)
	}
	if cfg.Identifier != "old-name" {
		t.Fatalf("expected identifier preserved, got %q", cfg.Identifier)
	}
}

func TestApplyEnvironmentBooleans(t *testing.T) {
	env := map[string]string{"TRACE": "YES", "DEBUG": "0"}
	cfg, err := ApplyEnvironment(DefaultHandleConfig(), func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("ApplyEnvironment: %v", err)
	}
	if !cfg.Trace || cfg.Verbose {
		t.Fatalf("got trace=%v verbose=%v", cfg.Trace, cfg.Verbose)
	}
}

func TestApplyEnvironmentInvalidBooleanFails(t *testing.T) {
	env := map[string]string{"TRACE": "maybe"}
	_, err := ApplyEnvironment(DefaultHandleConfig(), func(k string) string { return env[k] })
	if err == nil {
		t.Fatal("expected invalid boolean to be fatal")
	}
}

func TestApplyEnvironmentBackendDeprecatedAlias(t *testing.T) {
	env := map[string]string{"LIBGUESTFS_ATTACH_METHOD": "libvirt:qemu:///system"}
	cfg, err := ApplyEnvironment(DefaultHandleConfig(), func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("ApplyEnvironment: %v", err)
	}
	if cfg.Backend != "libvirt" || cfg.BackendArg != "qemu:///system" {
		t.Fatalf("got backend=%q arg=%q", cfg.Backend, cfg.BackendArg)
	}
}

func TestValidateUEFIVarsRequiresCode(t *testing.T) {
	cfg := DefaultHandleConfig()
	cfg.UEFIVarsPath = "/var/lib/guestfs/OVMF_VARS.fd"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected uefi vars without code to fail validation")
	}
	cfg.UEFICodePath = "/usr/share/OVMF/OVMF_CODE.fd"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected uefi code+vars to validate, got %v", err)
	}
}

func TestHandleSetMemsize(t *testing.T) {
	h := newTestHandle(t)

	if err := h.SetMemsize(memsizeFloorMB - 1); err == nil {
		t.Fatal("expected below-floor memsize to fail")
	}
	if got := h.GetMemsize(); got != DefaultHandleConfig().MemsizeMB {
		t.Fatalf("failed SetMemsize should not change value, got %d", got)
	}

	if err := h.SetMemsize(1024); err != nil {
		t.Fatalf("SetMemsize: %v", err)
	}
	if got := h.GetMemsize(); got != 1024 {
		t.Fatalf("got %d, want 1024", got)
	}
}

func TestApplyEnvironmentMemsizeUsesRAMInBytes(t *testing.T) {
	env := map[string]string{"LIBGUESTFS_MEMSIZE": "1g"}
	cfg, err := ApplyEnvironment(DefaultHandleConfig(), func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("ApplyEnvironment: %v", err)
	}
	if cfg.MemsizeMB != 1024 {
		t.Fatalf("got %d", cfg.MemsizeMB)
	}
}
