// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"regexp"
	"unicode/utf8"

	"github.com/libguestfs/libguestfs-sub010/pkg/hvprobe"
)

// Protocol is a drive's source transport, per spec.md §4.4.
type Protocol string

const (
	ProtocolFile  Protocol = "file"
	ProtocolFTP   Protocol = "ftp"
	ProtocolFTPS  Protocol = "ftps"
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolISCSI Protocol = "iscsi"
	ProtocolNBD   Protocol = "nbd"
	ProtocolRBD   Protocol = "rbd"
	ProtocolSSH   Protocol = "ssh"
)

// DiscardPolicy mirrors spec.md §9's {Disable, Enable, BestEffort} triple.
type DiscardPolicy int

const (
	DiscardDisable DiscardPolicy = iota
	DiscardEnable
	DiscardBestEffort
)

// discardCapableProtocols and discardCapableFormats are the protocol/format
// combinations spec.md §4.4 allows discard passthrough on: a drive sitting
// on anything else (an http/ftp/ssh source, or a non-raw/qcow2 format) has
// no way to punch holes, regardless of what the hypervisor itself supports.
var discardCapableProtocols = map[Protocol]bool{
	ProtocolFile:  true,
	ProtocolISCSI: true,
	ProtocolNBD:   true,
	ProtocolRBD:   true,
}

func discardCapableFormat(format string) bool {
	return format == "" || format == "raw" || format == "qcow2"
}

// discardVersionGate is the hypervisor version floor below which discard
// passthrough on a -drive is not trusted even when the protocol/format pair
// and -help both look right; chosen to match hvprobe's own
// FileLockingSupported fallback gate (spec.md §4.2 documents 2.10 as the
// first release that reliably reports feature support this way).
const (
	discardVersionGateMajor = 2
	discardVersionGateMinor = 10
)

// discardCapable reports whether the probed hypervisor can honor discard
// passthrough for a drive with the given protocol and on-wire format, per
// spec.md §4.4: protocol in {file, iscsi, nbd, rbd}, format raw or qcow2,
// and a hypervisor recent enough (or one that explicitly advertises the
// "discard" drive option) to be trusted to implement it.
func discardCapable(protocol Protocol, format string, features hvprobe.Features) bool {
	if !discardCapableProtocols[protocol] {
		return false
	}
	if !discardCapableFormat(format) {
		return false
	}
	return features.SupportsOption("discard") || features.Version.AtLeast(discardVersionGateMajor, discardVersionGateMinor)
}

// resolveDiscard turns a drive's requested DiscardPolicy into the literal
// qemu -drive discard= value, or an error when DiscardEnable is requested
// against a hypervisor/protocol/format combination that cannot honor it.
// DiscardBestEffort degrades silently to "ignore" (spec's default, meaning
// discards are simply dropped) rather than refusing.
func resolveDiscard(protocol Protocol, format string, policy DiscardPolicy, features hvprobe.Features) (string, error) {
	switch policy {
	case DiscardEnable:
		if !discardCapable(protocol, format, features) {
			return "", configurationError("discard=enable not supported for protocol %q format %q on this hypervisor", protocol, format)
		}
		return "unmap", nil
	case DiscardBestEffort:
		if !discardCapable(protocol, format, features) {
			return "ignore", nil
		}
		return "unmap", nil
	default:
		return "", nil
	}
}

// Drive is one appliance block device, shaped after virtcontainers'
// device/config.BlockDrive but generalized from "container block device"
// to "libguestfs drive source", with the network-protocol fields §4.4
// requires.
type Drive struct {
	// Source is the local path when Protocol == ProtocolFile; for any
	// other protocol it is the export/target name (image, iscsi target,
	// nbd export, rbd image).
	Source   string
	Protocol Protocol
	Servers  []DriveServer

	Format string
	Label  string

	CacheMode string
	Discard   DiscardPolicy

	CopyOnRead bool
	BlockSize  int
	ReadOnly   bool

	// Overlay is the path to a qcow2 overlay file backing this drive
	// when ReadOnly is set. It may be empty while the handle is in
	// CONFIG; Handle.Launch fills it in and checks that every readonly
	// drive has one (invariant 1 in spec.md §8).
	Overlay string

	User   string
	Secret string

	// Dummy marks the appliance sentinel drive added by
	// add_dummy_appliance_drive; it has no Source and is only valid
	// during LAUNCHING.
	Dummy bool
}

// DriveServer is one network endpoint for a multi-server protocol (nbd
// over tcp, iscsi portal, rbd mon host).
type DriveServer struct {
	Transport string // "tcp" or "unix"
	Host      string
	Port      int
	Socket    string
}

var (
	labelPattern  = regexp.MustCompile(`^[A-Za-z]{1,20}$`)
	formatPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	hostPattern   = regexp.MustCompile(`^[A-Za-z0-9.:\[\]-]+$`)
)

// driveList is the per-handle drive vector, owned by index per spec.md §9
// (drives hold no back-pointer to the handle).
type driveList struct {
	drives []Drive
}

// addDrive validates d per spec.md §4.4 and appends it; it is only valid
// to call while the handle is in CONFIG.
func (dl *driveList) addDrive(d Drive) (int, error) {
	if err := validateDrive(d); err != nil {
		return -1, err
	}
	dl.drives = append(dl.drives, d)
	return len(dl.drives) - 1, nil
}

func validateDrive(d Drive) error {
	if d.Label != "" && !labelPattern.MatchString(d.Label) {
		return configurationError("drive label must be 1-20 letters")
	}
	if d.Format != "" && !formatPattern.MatchString(d.Format) {
		return configurationError("drive format must be alphanumeric, underscore or minus sign")
	}
	switch d.Protocol {
	case ProtocolNBD:
		if len(d.Servers) != 1 {
			return configurationError("nbd drives require exactly one server")
		}
	case "", ProtocolFile:
	default:
		for _, s := range d.Servers {
			if s.Host != "" && !hostPattern.MatchString(s.Host) {
				return configurationError("invalid hostname %q", s.Host)
			}
			if s.Port < 0 || s.Port > 65535 {
				return configurationError("invalid port %d", s.Port)
			}
		}
	}
	if d.Secret != "" && !isValidUTF8(d.Secret) {
		return configurationError("secret must be a valid UTF-8 string")
	}
	return nil
}

func isValidUTF8(s string) bool {
	return utf8.ValidString(s)
}

// checkpoint returns the current drive count, for rollback on a failed
// add-then-launch sequence per spec.md §4.4.
func (dl *driveList) checkpoint() int {
	return len(dl.drives)
}

// rollback frees every drive with index >= n.
func (dl *driveList) rollback(n int) {
	if n < len(dl.drives) {
		dl.drives = dl.drives[:n]
	}
}

// addDummyApplianceDrive appends the sentinel consumed only during
// LAUNCHING; it carries no source and is never user-visible.
func (dl *driveList) addDummyApplianceDrive() int {
	dl.drives = append(dl.drives, Drive{Dummy: true})
	return len(dl.drives) - 1
}

// free resets the drive vector to empty.
func (dl *driveList) free() {
	dl.drives = nil
}

// driveLetters is the alphabet invariant 7 in spec.md §8 requires: a
// bijection from 0..18277 onto {a..z, aa..zz, aaa..zzz} preserving order,
// i.e. a base-26 bijective numeration using 'a'..'z' as digits.
func driveLetters(index int) string {
	if index < 0 {
		return ""
	}
	var digits []byte
	n := index
	for {
		digits = append([]byte{byte('a' + n%26)}, digits...)
		n = n/26 - 1
		if n < 0 {
			break
		}
	}
	return string(digits)
}
