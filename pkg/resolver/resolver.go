// SPDX-License-Identifier: Apache-2.0

// Package resolver locates or builds the kernel+initrd+root triple the
// appliance boots, by walking a colon-separated search path and detecting
// one of three on-disk layouts, per spec.md §4.3. The external-builder
// invocation under a shared lockfile is grounded on
// virtcontainers/persist/fs.FS's flock-guarded directory lock.
package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/libguestfs/libguestfs-sub010/pkg/subprocess"
)

var log = logrus.WithField("source", "resolver")

// Triple is the resolved kernel+initrd+root set; Image may be empty for
// the old layout, which the caller must cope with per spec.md §4.3.
type Triple struct {
	Kernel string
	Initrd string
	Image  string
}

// SplitSearchPath parses a colon-separated search path; an empty element or
// "." means the current working directory, preserved for backward
// compatibility per spec.md §6.
func SplitSearchPath(path string) []string {
	var out []string
	for _, elem := range strings.Split(path, ":") {
		if elem == "" || elem == "." {
			elem, _ = os.Getwd()
		}
		out = append(out, elem)
	}
	return out
}

// Resolve walks path in order, trying the supermin, fixed, and old layouts
// at each element, per spec.md §4.3/§6.
func Resolve(ctx context.Context, path []string, hostCPU, supporterBinary, userCacheDir string) (Triple, error) {
	for _, dir := range path {
		if t, ok, err := trySupermin(ctx, dir, hostCPU, supporterBinary, userCacheDir); err != nil {
			return Triple{}, err
		} else if ok {
			return t, nil
		}
		if t, ok := tryFixed(dir); ok {
			return t, nil
		}
		if t, ok := tryOld(dir, hostCPU); ok {
			return t, nil
		}
	}
	return Triple{}, fmt.Errorf("cannot find suitable appliance on %s", strings.Join(path, ":"))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func tryFixed(dir string) (Triple, bool) {
	if !exists(filepath.Join(dir, "README.fixed")) {
		return Triple{}, false
	}
	kernel := filepath.Join(dir, "kernel")
	initrd := filepath.Join(dir, "initrd")
	root := filepath.Join(dir, "root")
	if !exists(kernel) || !exists(initrd) || !exists(root) {
		return Triple{}, false
	}
	return Triple{Kernel: kernel, Initrd: initrd, Image: root}, true
}

func tryOld(dir, hostCPU string) (Triple, bool) {
	kernel := filepath.Join(dir, "vmlinuz."+hostCPU)
	initrd := filepath.Join(dir, "initramfs."+hostCPU+".img")
	if !exists(kernel) || !exists(initrd) {
		return Triple{}, false
	}
	return Triple{Kernel: kernel, Initrd: initrd}, true
}

func trySupermin(ctx context.Context, dir, hostCPU, builderBinary, userCacheDir string) (Triple, bool, error) {
	baseTar := filepath.Join(dir, "supermin.d", "base.tar.gz")
	packages := filepath.Join(dir, "supermin.d", "packages")
	if !exists(baseTar) || !exists(packages) {
		return Triple{}, false, nil
	}

	cacheDir := filepath.Join(userCacheDir, "appliance.d")
	if err := os.MkdirAll(userCacheDir, 0o700); err != nil {
		return Triple{}, false, errors.Wrap(err, "resolver: cache dir")
	}

	lockPath := filepath.Join(userCacheDir, "lock")
	unlock, err := lockFile(lockPath)
	if err != nil {
		return Triple{}, false, errors.Wrap(err, "resolver: acquire build lock")
	}
	defer unlock()

	argv := []string{
		builderBinary,
		"--build", "--if-newer",
		"--lock", lockPath,
		"--copy-kernel",
		"-f", "ext2",
		"--host-cpu", hostCPU,
		filepath.Join(dir, "supermin.d"),
		"-o", cacheDir,
	}
	if _, err := subprocess.Run(ctx, subprocess.Cmd{Argv: argv, BufferMode: subprocess.WholeBuffer}); err != nil {
		return Triple{}, false, errors.Wrap(err, "resolver: supermin build")
	}

	t := Triple{
		Kernel: filepath.Join(cacheDir, "kernel"),
		Initrd: filepath.Join(cacheDir, "initrd"),
		Image:  filepath.Join(cacheDir, "root"),
	}
	now := time.Now()
	for _, p := range []string{t.Kernel, t.Initrd, t.Image} {
		if err := os.Chtimes(p, now, now); err != nil {
			log.WithError(err).WithField("path", p).Warn("failed to touch appliance artifact for temp-cleaner deferral")
		}
	}
	return t, true, nil
}

// lockFile flocks path for the duration of the build, matching spec.md
// §4.3's "the lock is held only for the duration of the build, not by the
// handle after resolution."
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// HostCPU returns the normalized CPU architecture string used in old-layout
// marker file names, e.g. "x86_64".
func HostCPU() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}
