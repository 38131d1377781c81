// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/ttrpc"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var delegatedLog = logrus.WithField("source", "backend-delegated")

// delegatedMethodTimeout bounds each ttrpc round trip to the external
// virtualization daemon; the daemon itself owns the VM's lifetime once
// StartDomain succeeds.
const delegatedMethodTimeout = 30 * time.Second

// delegatedBackend hands the machine description to an external
// virtualization daemon over a ttrpc control channel, generalized from
// virtcontainers/remote.go's remoteHypervisor/remoteService shape: there
// the daemon owns a kata sandbox VM, here it owns a libguestfs appliance
// domain described by an XML document built from this handle's drives and
// argument set instead of a generated protobuf request.
type delegatedBackend struct {
	mu sync.Mutex

	socketPath string
	conn       net.Conn
	client     *ttrpc.Client

	domainID string
	pid      int

	maxDisks int
}

func init() {
	RegisterBackend("libvirt", func(arg string) (Backend, error) {
		return &delegatedBackend{socketPath: arg, maxDisks: maxDisksCeiling}, nil
	})
}

// delegatedDomain is the XML document describing the same machine the
// direct backend builds as an argv: drives (network drives by URI, local
// files and overlays by host path), console, channel and optional NIC.
// It has no RNG device and no entry for the appliance image.
type delegatedDomain struct {
	XMLName xml.Name          `xml:"domain"`
	Type    string            `xml:"type,attr"`
	Name    string            `xml:"name"`
	Memory  delegatedMemory   `xml:"memory"`
	VCPU    int               `xml:"vcpu"`
	OS      delegatedOS       `xml:"os"`
	Devices delegatedDevices  `xml:"devices"`
}

type delegatedMemory struct {
	Unit  string `xml:"unit,attr"`
	Value int    `xml:",chardata"`
}

type delegatedOS struct {
	Kernel  string `xml:"kernel"`
	Initrd  string `xml:"initrd"`
	Cmdline string `xml:"cmdline"`
}

type delegatedDevices struct {
	Disks     []delegatedDisk    `xml:"disk"`
	Channels  []delegatedChannel `xml:"channel"`
	Consoles  []delegatedConsole `xml:"console"`
	Interface *delegatedNIC      `xml:"interface,omitempty"`
}

type delegatedDiskSource struct {
	File     string `xml:"file,attr,omitempty"`
	Protocol string `xml:"protocol,attr,omitempty"`
	Name     string `xml:"name,attr,omitempty"`
	AuthUUID string `xml:"-"`
}

type delegatedDisk struct {
	Device   string              `xml:"device,attr"`
	Driver   delegatedDiskDriver `xml:"driver"`
	Source   delegatedDiskSource `xml:"source"`
	ReadOnly *struct{}           `xml:"readonly,omitempty"`
	AuthUUID string              `xml:"auth,omitempty"`
}

type delegatedDiskDriver struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type delegatedChannel struct {
	Type   string                `xml:"type,attr"`
	Source delegatedSocketSource `xml:"source"`
	Target delegatedChannelTgt   `xml:"target"`
}

type delegatedConsole struct {
	Type   string                `xml:"type,attr"`
	Source delegatedSocketSource `xml:"source"`
}

type delegatedSocketSource struct {
	Mode string `xml:"mode,attr"`
	Path string `xml:"path,attr"`
}

type delegatedChannelTgt struct {
	Type string `xml:"type,attr"`
	Name string `xml:"name,attr"`
}

type delegatedNIC struct {
	Type string `xml:"type,attr"`
}

// buildDomainXML mirrors buildArgv's decisions (§4.5) but renders them as
// the delegated daemon's domain description instead of a qemu argv, per
// spec.md §4.8's "Delegated (external virtualization daemon)" backend.
func (b *delegatedBackend) buildDomainXML(h *Handle, secretUUIDs map[int]string) ([]byte, error) {
	dom := delegatedDomain{
		Type:   "kvm",
		Name:   fmt.Sprintf("guestfs-%d", h.cfg.SMP),
		Memory: delegatedMemory{Unit: "MiB", Value: h.cfg.MemsizeMB},
		VCPU:   h.cfg.SMP,
	}

	for i := range h.drives.drives {
		d := &h.drives.drives[i]
		if d.Dummy {
			continue
		}
		disk := delegatedDisk{Device: "disk", Driver: delegatedDiskDriver{Name: "qemu", Type: nonEmptyFormat(d.Format)}}
		if d.Overlay != "" {
			disk.Source = delegatedDiskSource{File: d.Overlay}
			disk.Driver.Type = "qcow2"
		} else if d.Protocol == ProtocolFile || d.Protocol == "" {
			uri, err := FormatURI(*d)
			if err != nil {
				return nil, err
			}
			disk.Source = delegatedDiskSource{File: uri}
		} else {
			uri, err := FormatURI(*d)
			if err != nil {
				return nil, err
			}
			disk.Source = delegatedDiskSource{Protocol: string(d.Protocol), Name: uri}
		}
		if d.ReadOnly {
			disk.ReadOnly = &struct{}{}
		}
		if id, ok := secretUUIDs[i]; ok {
			disk.AuthUUID = id
		}
		dom.Devices.Disks = append(dom.Devices.Disks, disk)
	}

	dom.Devices.Channels = append(dom.Devices.Channels, delegatedChannel{
		Type:   "unix",
		Source: delegatedSocketSource{Mode: "connect", Path: filepath.Join(h.sockDir, "channel.sock")},
		Target: delegatedChannelTgt{Type: "virtio", Name: "org.libguestfs.channel.0"},
	})
	dom.Devices.Consoles = append(dom.Devices.Consoles, delegatedConsole{
		Type:   "unix",
		Source: delegatedSocketSource{Mode: "connect", Path: filepath.Join(h.sockDir, "console.sock")},
	})
	if h.cfg.EnableNetwork {
		dom.Devices.Interface = &delegatedNIC{Type: "user"}
	}

	out, err := xml.MarshalIndent(dom, "", "  ")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// grantDaemonSocketAccess chmods the console/channel sockets 0660 and, when
// running as root, chowns them to the "qemu" group, per spec.md §4.8: the
// external daemon runs as a different user than this process and must
// still be able to connect to the sockets this process listens on.
func grantDaemonSocketAccess(sockDir string) error {
	sockets := []string{
		filepath.Join(sockDir, "console.sock"),
		filepath.Join(sockDir, "channel.sock"),
	}

	var gid int = -1
	if os.Getuid() == 0 {
		if grp, err := user.LookupGroup("qemu"); err == nil {
			if n, err := strconv.Atoi(grp.Gid); err == nil {
				gid = n
			}
		}
	}

	var firstErr error
	for _, path := range sockets {
		if err := os.Chmod(path, 0o660); err != nil && firstErr == nil {
			firstErr = err
		}
		if gid >= 0 {
			if err := os.Chown(path, -1, gid); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func nonEmptyFormat(f string) string {
	if f == "" {
		return "raw"
	}
	return f
}

// delegatedStartRequest/Response implement ttrpc's Marshaler/Unmarshaler
// pair directly (ttrpc prefers a protobuf codegen client the way
// virtcontainers/remote.go's pb.HypervisorClient does, but falls back to
// any type satisfying Marshal/Unmarshal); using that fallback here avoids
// pulling in a protoc toolchain for a single bespoke RPC pair.
type delegatedStartRequest struct {
	DomainXML   string
	AutoDestroy bool
}

func (r *delegatedStartRequest) Marshal() ([]byte, error)     { return []byte(r.DomainXML), nil }
func (r *delegatedStartRequest) Unmarshal(data []byte) error  { r.DomainXML = string(data); return nil }

type delegatedStartResponse struct {
	DomainID string
	PID      int
}

func (r *delegatedStartResponse) Marshal() ([]byte, error) { return []byte(fmt.Sprintf("%s %d", r.DomainID, r.PID)), nil }
func (r *delegatedStartResponse) Unmarshal(data []byte) error {
	_, err := fmt.Sscanf(string(data), "%s %d", &r.DomainID, &r.PID)
	return err
}

type delegatedSecretRequest struct{ ID, Value string }

func (r *delegatedSecretRequest) Marshal() ([]byte, error)    { return []byte(r.ID + "\x00" + r.Value), nil }
func (r *delegatedSecretRequest) Unmarshal(data []byte) error { return nil }

type delegatedEmpty struct{}

func (r *delegatedEmpty) Marshal() ([]byte, error)    { return nil, nil }
func (r *delegatedEmpty) Unmarshal(data []byte) error { return nil }

func (b *delegatedBackend) dial() (*ttrpc.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	if b.socketPath == "" {
		return nil, configurationError("delegated backend requires a control-socket path after the backend's colon, e.g. LIBGUESTFS_BACKEND=libvirt:/run/libguestfsd.sock")
	}
	conn, err := net.Dial("unix", b.socketPath)
	if err != nil {
		return nil, resourceError("dial external virtualization daemon", err)
	}
	b.conn = conn
	b.client = ttrpc.NewClient(conn)
	return b.client, nil
}

// CreateOverlay asks the daemon to materialize the overlay rather than
// shelling out to qemu-img locally, since the daemon may see a different
// filesystem namespace than this process.
func (b *delegatedBackend) CreateOverlay(ctx context.Context, h *Handle, d Drive) (string, error) {
	client, err := b.dial()
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, delegatedMethodTimeout)
	defer cancel()

	backing, err := FormatURI(d)
	if err != nil {
		return "", err
	}
	req := &delegatedSecretRequest{ID: "overlay", Value: backing}
	resp := &delegatedEmpty{}
	if err := client.Call(cctx, "libguestfs.Daemon", "CreateOverlay", req, resp); err != nil {
		return "", resourceError("daemon create_overlay", err)
	}
	return filepath.Join(h.tempDir, "delegated-overlay.qcow2"), nil
}

// Launch pushes each drive's secret into the daemon's secret store keyed
// by a fresh UUID (per spec.md §4.8), builds the domain XML, and starts it
// in auto-destroy mode so it dies with this process's control connection.
func (b *delegatedBackend) Launch(ctx context.Context, h *Handle, arg interface{}) error {
	client, err := b.dial()
	if err != nil {
		return err
	}

	if err := h.transition(StateLaunching); err != nil {
		return err
	}

	secretUUIDs := map[int]string{}
	for i := range h.drives.drives {
		d := &h.drives.drives[i]
		if d.Dummy || d.Secret == "" {
			continue
		}
		id := uuid.New().String()
		cctx, cancel := context.WithTimeout(ctx, delegatedMethodTimeout)
		err := client.Call(cctx, "libguestfs.Daemon", "SetSecret", &delegatedSecretRequest{ID: id, Value: d.Secret}, &delegatedEmpty{})
		cancel()
		if err != nil {
			h.transition(StateConfig)
			return resourceError("push drive secret to daemon secret store", err)
		}
		secretUUIDs[i] = id
	}

	if err := grantDaemonSocketAccess(h.sockDir); err != nil {
		delegatedLog.WithError(err).Warn("failed to relax permissions on console/channel sockets for the external daemon")
	}

	domainXML, err := b.buildDomainXML(h, secretUUIDs)
	if err != nil {
		h.transition(StateConfig)
		return err
	}

	req := &delegatedStartRequest{DomainXML: string(domainXML), AutoDestroy: true}
	resp := &delegatedStartResponse{}
	cctx, cancel := context.WithTimeout(ctx, delegatedMethodTimeout)
	err = client.Call(cctx, "libguestfs.Daemon", "StartDomain", req, resp)
	cancel()
	if err != nil {
		h.transition(StateConfig)
		return launchFailedError(fmt.Sprintf("external daemon rejected domain: %v", err))
	}

	b.mu.Lock()
	b.domainID = resp.DomainID
	b.pid = resp.PID
	b.mu.Unlock()

	ok, err := h.conn.Accept()
	if err != nil || !ok {
		b.destroyDomain(ctx)
		h.transition(StateConfig)
		if err != nil {
			return launchFailedError(fmt.Sprintf("accept failed: %v", err))
		}
		return launchFailedError("guest did not connect to both sockets before the accept deadline")
	}

	if !h.awaitReadySentinel(ctx) {
		b.destroyDomain(ctx)
		h.transition(StateConfig)
		return launchFailedError("ready sentinel never arrived")
	}

	return h.transition(StateReady)
}

// destroyDomain retries indefinitely while the daemon reports the domain
// busy, per spec.md §7's recovery policy for "the delegated-daemon's
// graceful destroy".
func (b *delegatedBackend) destroyDomain(ctx context.Context) {
	b.mu.Lock()
	client, domainID := b.client, b.domainID
	b.mu.Unlock()
	if client == nil || domainID == "" {
		return
	}

	for {
		cctx, cancel := context.WithTimeout(ctx, delegatedMethodTimeout)
		err := client.Call(cctx, "libguestfs.Daemon", "DestroyDomain", &delegatedSecretRequest{ID: domainID}, &delegatedEmpty{})
		cancel()
		if err == nil {
			return
		}
		if !isDaemonBusy(err) {
			delegatedLog.WithError(err).Warn("destroy domain failed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func isDaemonBusy(err error) bool {
	return err != nil && (err.Error() == "EBUSY" || containsEBUSY(err.Error()))
}

func containsEBUSY(s string) bool {
	for i := 0; i+5 <= len(s); i++ {
		if s[i:i+5] == "EBUSY" {
			return true
		}
	}
	return false
}

func (b *delegatedBackend) Shutdown(ctx context.Context, h *Handle, checkErrors bool) error {
	b.destroyDomain(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.domainID = ""
	b.pid = -1
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
		b.client = nil
	}
	return nil
}

func (b *delegatedBackend) GetPID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pid == 0 {
		return -1
	}
	return b.pid
}

func (b *delegatedBackend) MaxDisks() int { return b.maxDisks }
