// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSplitSearchPathEmptyMeansCWD(t *testing.T) {
	cwd, _ := os.Getwd()
	got := SplitSearchPath(":.:/opt/libguestfs")
	want := []string{cwd, cwd, "/opt/libguestfs"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestResolveFixedLayout(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "README.fixed"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "kernel"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "initrd"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "root"), nil, 0o644)

	triple, err := Resolve(context.Background(), []string{dir}, "x86_64", "supermin", t.TempDir())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if triple.Kernel != filepath.Join(dir, "kernel") || triple.Image != filepath.Join(dir, "root") {
		t.Fatalf("got %+v", triple)
	}
}

func TestResolveOldLayout(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "vmlinuz.x86_64"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "initramfs.x86_64.img"), nil, 0o644)

	triple, err := Resolve(context.Background(), []string{dir}, "x86_64", "supermin", t.TempDir())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if triple.Image != "" {
		t.Fatalf("expected no image in old layout, got %+v", triple)
	}
}

func TestResolveNoMatch(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(context.Background(), []string{dir}, "x86_64", "supermin", t.TempDir())
	if err == nil {
		t.Fatal("expected error when no layout matches")
	}
}

func TestResolvePriorityFixedBeforeOld(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "README.fixed"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "kernel"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "initrd"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "root"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "vmlinuz.x86_64"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "initramfs.x86_64.img"), nil, 0o644)

	triple, err := Resolve(context.Background(), []string{dir}, "x86_64", "supermin", t.TempDir())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if triple.Image == "" {
		t.Fatal("expected fixed layout (with image) to win over old layout")
	}
}
