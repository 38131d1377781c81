// SPDX-License-Identifier: Apache-2.0

package hvprobe

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseVersion(t *testing.T) {
	v := parseVersion("QEMU emulator version 6.2.0 (Debian 1:6.2+dfsg-2)")
	if v.Major != 6 || v.Minor != 2 || v.Micro != 0 {
		t.Fatalf("got %+v", v)
	}
}

func TestSchemaHasLocking(t *testing.T) {
	schema := `{"return":[{"name":"BlockdevOptionsBase","members":[{"name":"locking"}]}]}`
	if !schemaHasLocking(schema) {
		t.Fatal("expected locking member to be found")
	}
	if schemaHasLocking(`{"return":[]}`) {
		t.Fatal("expected no locking member")
	}
}

func TestParseQueryKVMEnabled(t *testing.T) {
	enabled, ok := parseQueryKVMEnabled(`{"return":{"enabled":true,"present":true}}`)
	if !ok || !enabled {
		t.Fatalf("got %v %v", enabled, ok)
	}
	_, ok = parseQueryKVMEnabled("not json")
	if ok {
		t.Fatal("expected parse failure")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	hvPath := filepath.Join(dir, "fake-qemu")
	if err := os.WriteFile(hvPath, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake hv: %v", err)
	}

	cacheDir := filepath.Join(dir, "cache")
	want := Features{
		Version:              Version{Major: 7, Minor: 1, Micro: 0},
		HelpText:             "QEMU emulator version 7.1.0\n-foo bar\n",
		DeviceList:           "name \"virtio-blk-pci\"\n",
		QMPSchemaRaw:         `{"return":[]}`,
		QMPQueryKVMRaw:       `{"return":{"enabled":true}}`,
		FileLockingSupported: true,
		KVMEnabled:           true,
	}
	if err := storeCache(hvPath, cacheDir, want); err != nil {
		t.Fatalf("storeCache: %v", err)
	}

	for _, name := range []string{"help", "devices", "qmp-schema", "query-kvm", "stat"} {
		matches, _ := filepath.Glob(filepath.Join(cacheDir, "qemu-*."+name))
		if len(matches) != 1 {
			t.Fatalf("expected exactly one %s artifact, got %v", name, matches)
		}
	}

	got, ok := loadCache(hvPath, cacheDir)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.HelpText != want.HelpText || got.DeviceList != want.DeviceList {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !got.KVMEnabled {
		t.Fatal("expected KVMEnabled true")
	}
}

func TestCacheMissOnBinaryChange(t *testing.T) {
	dir := t.TempDir()
	hvPath := filepath.Join(dir, "fake-qemu")
	os.WriteFile(hvPath, []byte("v1"), 0o755)
	cacheDir := filepath.Join(dir, "cache")
	storeCache(hvPath, cacheDir, Features{HelpText: "v1 help"})

	// Touch the binary so its size/mtime no longer matches the cache.
	os.WriteFile(hvPath, []byte("v2-longer-content"), 0o755)

	if _, ok := loadCache(hvPath, cacheDir); ok {
		t.Fatal("expected cache miss after binary changed")
	}
}
