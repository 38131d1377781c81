// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
)

// memsizeFloorMB is the minimum appliance memory size, in megabytes; below
// this, set_memsize and handle creation from the environment both fail
// per spec.md §8's boundary behavior.
const memsizeFloorMB = 256

const maxSMP = 255

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// HandleConfig is the flat record of call options spec.md §9 calls for:
// every field maps 1:1 to a recognized option for some component in §4,
// with no nested structure beyond what a component needs.
type HandleConfig struct {
	Verbose          bool
	Trace            bool
	Autosync         bool
	DirectMode       bool
	RecoveryProc     bool
	EnableNetwork    bool
	SELinux          bool
	ProcessGroup     bool
	SMP              int
	MemsizeMB        int
	SearchPath       []string
	HypervisorBinary string
	AppendKernelArgs string
	Backend          string
	BackendArg       string
	BackendSettings  []string
	ProgramName      string
	Identifier       string

	// UEFICodePath and UEFIVarsPath front the read-only code and
	// read-write vars pflash images when UEFI boot is wanted; code with
	// no vars is legal (no NVRAM persistence), vars with no code is not.
	UEFICodePath string
	UEFIVarsPath string

	// ExtraParams are caller-supplied opaque hypervisor flag/value pairs,
	// always appended after every validated default per spec.md §4.5.
	ExtraParams []string
}

// DefaultHandleConfig returns the baseline configuration before any
// environment or TOML overlay is applied.
func DefaultHandleConfig() HandleConfig {
	return HandleConfig{
		Autosync:     true,
		RecoveryProc: true,
		SMP:          1,
		MemsizeMB:    500,
		Backend:      "direct",
		ProgramName:  "guestfs",
	}
}

// Validate enforces the Configuration-error checks of spec.md §7/§8:
// SMP and memsize bounds, and identifier charset.
func (c HandleConfig) Validate() error {
	if c.SMP < 1 || c.SMP > maxSMP {
		return configurationError("smp must be between 1 and %d, got %d", maxSMP, c.SMP)
	}
	if c.MemsizeMB < memsizeFloorMB {
		return configurationError("too small value for memsize: %d MB (floor is %d MB)", c.MemsizeMB, memsizeFloorMB)
	}
	if c.Identifier != "" && !identifierPattern.MatchString(c.Identifier) {
		return configurationError("identifier must contain only alphanumeric characters, underscore or minus sign")
	}
	if c.UEFIVarsPath != "" && c.UEFICodePath == "" {
		return configurationError("uefi vars path requires a uefi code path")
	}
	return nil
}

// SetIdentifier applies spec.md §8's identifier round-trip contract:
// on an invalid identifier the previous value is preserved and an error
// is returned; a valid identifier replaces it.
func (c *HandleConfig) SetIdentifier(id string) error {
	if !identifierPattern.MatchString(id) {
		return configurationError("identifier must contain only alphanumeric characters, underscore or minus sign")
	}
	c.Identifier = id
	return nil
}

// tomlDefaults is the on-disk defaults-file shape, layered underneath
// environment variables and explicit API calls, grounded on katautils'
// tomlConfig / BurntSushi/toml usage.
type tomlDefaults struct {
	Backend          string   `toml:"backend"`
	HypervisorBinary string   `toml:"hypervisor_binary"`
	SearchPath       []string `toml:"search_path"`
	MemsizeMB        int      `toml:"memsize_mb"`
	SMP              int      `toml:"smp"`
	EnableNetwork    bool     `toml:"enable_network"`
	SELinux          bool     `toml:"selinux"`
}

// LoadTOMLDefaults decodes a defaults file at path and layers its fields
// onto base, leaving fields the file doesn't set untouched.
func LoadTOMLDefaults(base HandleConfig, path string) (HandleConfig, error) {
	var t tomlDefaults
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return base, resourceError("load TOML defaults from "+path, err)
	}
	if t.Backend != "" {
		base.Backend = t.Backend
	}
	if t.HypervisorBinary != "" {
		base.HypervisorBinary = t.HypervisorBinary
	}
	if len(t.SearchPath) > 0 {
		base.SearchPath = t.SearchPath
	}
	if t.MemsizeMB > 0 {
		base.MemsizeMB = t.MemsizeMB
	}
	if t.SMP > 0 {
		base.SMP = t.SMP
	}
	base.EnableNetwork = base.EnableNetwork || t.EnableNetwork
	base.SELinux = base.SELinux || t.SELinux
	return base, nil
}

// parseBool accepts yes/no/true/false/1/0 case-insensitively, per spec.md
// §6; anything else is a fatal configuration error.
func parseBool(name, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "true", "1":
		return true, nil
	case "no", "false", "0":
		return false, nil
	default:
		return false, configurationError("invalid boolean value %q for %s", value, name)
	}
}

// backendDeprecatedAlias maps the old environment variable name for
// backend selection onto the current one, per spec.md §6's "backend
// selector (with deprecated alias)".
const (
	envBackend           = "LIBGUESTFS_BACKEND"
	envBackendDeprecated = "LIBGUESTFS_ATTACH_METHOD"
)

// ApplyEnvironment layers the recognized environment variables of
// spec.md §6 onto base, returning a fatal error on any malformed value.
func ApplyEnvironment(base HandleConfig, getenv func(string) string) (HandleConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := getenv("TRACE"); v != "" {
		b, err := parseBool("TRACE", v)
		if err != nil {
			return base, err
		}
		base.Trace = b
	}
	if v := getenv("DEBUG"); v != "" {
		b, err := parseBool("DEBUG", v)
		if err != nil {
			return base, err
		}
		base.Verbose = b
	}
	if v := getenv("LIBGUESTFS_PATH"); v != "" {
		base.SearchPath = SplitSearchPathEnv(v)
	}
	if v := getenv("LIBGUESTFS_HV"); v != "" {
		base.HypervisorBinary = v
	}
	if v := getenv("LIBGUESTFS_APPEND"); v != "" {
		base.AppendKernelArgs = v
	}
	if v := getenv("LIBGUESTFS_MEMSIZE"); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return base, configurationError("invalid memsize %q: %v", v, err)
		}
		base.MemsizeMB = int(n / (1024 * 1024))
	}

	backendVal := getenv(envBackend)
	if backendVal == "" {
		backendVal = getenv(envBackendDeprecated)
	}
	if backendVal != "" {
		name, arg, _ := strings.Cut(backendVal, ":")
		base.Backend = name
		base.BackendArg = arg
	}

	if v := getenv("LIBGUESTFS_BACKEND_SETTINGS"); v != "" {
		base.BackendSettings = append(base.BackendSettings, strings.Split(v, ":")...)
	}

	return base, nil
}

// SplitSearchPathEnv applies the same rule as resolver.SplitSearchPath (an
// empty element or "." means the current directory) to the
// environment-variable search path.
func SplitSearchPathEnv(path string) []string {
	var out []string
	for _, elem := range strings.Split(path, ":") {
		if elem == "" || elem == "." {
			if wd, err := os.Getwd(); err == nil {
				elem = wd
			}
		}
		out = append(out, elem)
	}
	return out
}

// cacheDir resolves the hypervisor-capability cache directory, honoring
// CACHEDIR/TMPDIR/XDG_RUNTIME_DIR in that priority, per spec.md §6.
func cacheDir(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("LIBGUESTFS_CACHEDIR"); v != "" {
		return v
	}
	if v := getenv("TMPDIR"); v != "" {
		return v + "/libguestfs-" + strconv.Itoa(os.Getuid())
	}
	if v := getenv("XDG_RUNTIME_DIR"); v != "" {
		return v + "/libguestfs"
	}
	return fmt.Sprintf("/tmp/libguestfs-%d", os.Getuid())
}
