// SPDX-License-Identifier: Apache-2.0

// Package hvprobe probes a configured hypervisor binary's capabilities
// (help text, device list, QMP schema) and memoizes the results on disk
// keyed by the binary's size/mtime, per spec.md §4.2. The on-disk caching
// idiom (sibling artifacts first, then the stat file via an atomic rename;
// no file lock is taken) is grounded in virtcontainers/persist/fs.FS's
// Lock/ToDisk pair.
package hvprobe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/libguestfs/libguestfs-sub010/pkg/subprocess"
)

var log = logrus.WithField("source", "hvprobe")

// generation is bumped whenever the on-disk cache format changes; a
// mismatch forces a re-probe, per spec.md §6.
const generation = 1

// Version is the parsed major.minor.micro hypervisor version.
type Version struct {
	Major, Minor, Micro int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// Features is the probed, memoizable hypervisor capability set.
type Features struct {
	Version        Version
	HelpText       string
	DeviceList     string
	QMPSchemaRaw   string
	QMPQueryKVMRaw string

	// FileLockingSupported is true iff the QMP schema contains an object
	// member named "locking", with a fallback of version >= 2.10.
	FileLockingSupported bool
	// KVMEnabled is parsed from query-kvm.return.enabled, defaulting to
	// true if unparseable, per spec.md §4.2.
	KVMEnabled bool
}

// SupportsOption reports whether -help mentions the given option text,
// spec.md's "substring oracle" for hypervisor flags.
func (f Features) SupportsOption(opt string) bool {
	return strings.Contains(f.HelpText, opt)
}

// SupportsDevice reports whether -device ? lists the given device name.
func (f Features) SupportsDevice(name string) bool {
	return strings.Contains(f.DeviceList, name)
}

var versionRe = regexp.MustCompile(`version\s+(\d+)\.(\d+)(?:\.(\d+))?`)

func parseVersion(helpFirstLine string) Version {
	m := versionRe.FindStringSubmatch(helpFirstLine)
	if m == nil {
		return Version{}
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	micro := 0
	if m[3] != "" {
		micro, _ = strconv.Atoi(m[3])
	}
	return Version{Major: major, Minor: minor, Micro: micro}
}

// Probe runs the hypervisor in no-op modes to collect help text, device
// list, and (best-effort) a QMP monolog, consulting the on-disk cache
// first. cacheDir is typically under the user's temp root, per spec.md §4.2.
func Probe(ctx context.Context, hvPath, cacheDir string) (Features, error) {
	if cacheDir != "" {
		if f, ok := loadCache(hvPath, cacheDir); ok {
			log.WithField("hypervisor", hvPath).Debug("hypervisor capability cache hit")
			return f, nil
		}
	}

	f, err := probeLive(ctx, hvPath)
	if err != nil {
		return Features{}, err
	}

	if cacheDir != "" {
		if err := storeCache(hvPath, cacheDir, f); err != nil {
			log.WithError(err).Warn("failed to persist hypervisor capability cache")
		}
	}
	return f, nil
}

func probeLive(ctx context.Context, hvPath string) (Features, error) {
	var helpText, deviceList string

	_, err := subprocess.Run(ctx, subprocess.Cmd{
		Argv:       []string{hvPath, "-help"},
		BufferMode: subprocess.WholeBuffer,
		Stdout:     func(d []byte) { helpText = string(d) },
	})
	if err != nil {
		return Features{}, errors.Wrapf(err, "hvprobe: %s -help", hvPath)
	}

	_, err = subprocess.Run(ctx, subprocess.Cmd{
		Argv:       []string{hvPath, "-machine", "none", "-accel", "kvm:tcg", "-device", "?"},
		BufferMode: subprocess.WholeBuffer,
		MergeStderr: true,
		Stdout:     func(d []byte) { deviceList = string(d) },
	})
	if err != nil {
		return Features{}, errors.Wrapf(err, "hvprobe: %s -device ?", hvPath)
	}

	f := Features{
		Version:    parseVersion(firstLine(helpText)),
		HelpText:   helpText,
		DeviceList: deviceList,
		KVMEnabled: true, // default per spec.md §4.2 when QMP is unparseable
	}

	schema, queryKVM, err := qmpMonolog(ctx, hvPath)
	if err != nil {
		// Non-fatal: spec.md §4.2 says failure to parse yields empty
		// derived data, not a probe failure.
		log.WithError(err).Debug("qmp monolog failed; continuing with empty derived data")
	} else {
		f.QMPSchemaRaw = schema
		f.QMPQueryKVMRaw = queryKVM
		if enabled, ok := parseQueryKVMEnabled(queryKVM); ok {
			f.KVMEnabled = enabled
		}
	}
	f.FileLockingSupported = schemaHasLocking(f.QMPSchemaRaw) || f.Version.AtLeast(2, 10)

	return f, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// qmpMonolog sends qmp_capabilities, query-qmp-schema, query-kvm, quit and
// returns the raw schema and query-kvm JSON lines, per spec.md §4.2.
func qmpMonolog(ctx context.Context, hvPath string) (schema, queryKVM string, err error) {
	stdout, wait, err := subprocess.PipeRun(ctx, subprocess.Cmd{
		Argv: []string{hvPath, "-machine", "none,accel=kvm:tcg", "-qmp", "stdio", "-nographic"},
	})
	if err != nil {
		return "", "", err
	}
	defer stdout.Close()

	scanner := bufio.NewScanner(stdout)
	var lines []string
	for scanner.Scan() && len(lines) < 5 {
		lines = append(lines, scanner.Text())
	}
	wait()

	if len(lines) < 5 {
		return "", "", fmt.Errorf("hvprobe: incomplete qmp transcript (%d lines)", len(lines))
	}
	// lines[0] = greeting, [1] = capabilities reply, [2] = schema reply,
	// [3] = query-kvm reply, [4] = quit reply/EOF.
	return lines[2], lines[3], nil
}

func schemaHasLocking(schemaJSON string) bool {
	var doc struct {
		Return []struct {
			Name    string `json:"name"`
			Members []struct {
				Name string `json:"name"`
			} `json:"members"`
		} `json:"return"`
	}
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return false
	}
	for _, t := range doc.Return {
		for _, m := range t.Members {
			if m.Name == "locking" {
				return true
			}
		}
	}
	return false
}

func parseQueryKVMEnabled(queryKVMJSON string) (bool, bool) {
	var doc struct {
		Return struct {
			Enabled bool `json:"enabled"`
		} `json:"return"`
	}
	if err := json.Unmarshal([]byte(queryKVMJSON), &doc); err != nil {
		return false, false
	}
	return doc.Return.Enabled, true
}

// artifactNames mirrors spec.md §6's cache file tree under <cachedir>/.
func artifactNames(size, mtime int64) (stat, help, devices, schema, queryKVM string) {
	base := fmt.Sprintf("qemu-%d-%d", size, mtime)
	return base + ".stat", base + ".help", base + ".devices", base + ".qmp-schema", base + ".query-kvm"
}

func statOf(path string) (size int64, mtime int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return fi.Size(), fi.ModTime().Unix(), nil
}

func loadCache(hvPath, cacheDir string) (Features, bool) {
	size, mtime, err := statOf(hvPath)
	if err != nil {
		return Features{}, false
	}
	statName, helpName, devicesName, schemaName, queryKVMName := artifactNames(size, mtime)

	statPath := filepath.Join(cacheDir, statName)
	statBytes, err := os.ReadFile(statPath)
	if err != nil {
		return Features{}, false
	}
	var gotGen int
	var gotSize, gotMtime int64
	var gotPath string
	if _, err := fmt.Sscanf(string(statBytes), "%d %d %d %s", &gotGen, &gotSize, &gotMtime, &gotPath); err != nil {
		log.WithError(err).WithField("path", statPath).Warn("corrupt hypervisor capability cache stat file; re-probing")
		return Features{}, false
	}
	if gotGen != generation || gotSize != size || gotMtime != mtime {
		return Features{}, false
	}

	help, err1 := os.ReadFile(filepath.Join(cacheDir, helpName))
	devices, err2 := os.ReadFile(filepath.Join(cacheDir, devicesName))
	schema, err3 := os.ReadFile(filepath.Join(cacheDir, schemaName))
	queryKVM, err4 := os.ReadFile(filepath.Join(cacheDir, queryKVMName))
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Features{}, false
	}

	f := Features{
		Version:        parseVersion(firstLine(string(help))),
		HelpText:       string(help),
		DeviceList:     string(devices),
		QMPSchemaRaw:   string(schema),
		QMPQueryKVMRaw: string(queryKVM),
		KVMEnabled:     true,
	}
	f.FileLockingSupported = schemaHasLocking(f.QMPSchemaRaw) || f.Version.AtLeast(2, 10)
	if enabled, ok := parseQueryKVMEnabled(f.QMPQueryKVMRaw); ok {
		f.KVMEnabled = enabled
	}
	return f, true
}

func storeCache(hvPath, cacheDir string, f Features) error {
	size, mtime, err := statOf(hvPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return err
	}
	statName, helpName, devicesName, schemaName, queryKVMName := artifactNames(size, mtime)

	// Siblings are written before the stat file, so a reader that only
	// ever sees a stat file with all four siblings present never sees a
	// partially-written cache entry (spec.md §8 invariant 6).
	if err := os.WriteFile(filepath.Join(cacheDir, helpName), []byte(f.HelpText), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(cacheDir, devicesName), []byte(f.DeviceList), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(cacheDir, schemaName), []byte(f.QMPSchemaRaw), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(cacheDir, queryKVMName), []byte(f.QMPQueryKVMRaw), 0o600); err != nil {
		return err
	}

	stat := fmt.Sprintf("%d %d %d %s\n", generation, size, mtime, hvPath)
	tmp := filepath.Join(cacheDir, "."+statName+".tmp")
	if err := os.WriteFile(tmp, []byte(stat), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(cacheDir, statName))
}
