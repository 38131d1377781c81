// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"strings"
	"testing"
)

func newTestHandle(t *testing.T) *Handle {
	t.Helper()
	cfg := DefaultHandleConfig()
	h, err := NewHandle(cfg)
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestDelegatedDomainXMLIncludesChannelAndConsole(t *testing.T) {
	h := newTestHandle(t)
	if _, err := h.AddDrive(Drive{Source: "/dev/null", ReadOnly: true, Overlay: "/tmp/fake-overlay.qcow2"}); err != nil {
		t.Fatalf("AddDrive: %v", err)
	}

	b := &delegatedBackend{maxDisks: maxDisksCeiling}
	xmlDoc, err := b.buildDomainXML(h, nil)
	if err != nil {
		t.Fatalf("buildDomainXML: %v", err)
	}
	s := string(xmlDoc)
	for _, want := range []string{"org.libguestfs.channel.0", "channel.sock", "console.sock", "fake-overlay.qcow2"} {
		if !strings.Contains(s, want) {
			t.Errorf("domain XML missing %q:\n%s", want, s)
		}
	}
}

func TestDelegatedDomainXMLWiresSecretUUID(t *testing.T) {
	h := newTestHandle(t)
	if _, err := h.AddDrive(Drive{Source: "target", Protocol: ProtocolISCSI, Servers: []DriveServer{{Host: "10.0.0.1", Port: 3260}}, Secret: "s3kr3t"}); err != nil {
		t.Fatalf("AddDrive: %v", err)
	}

	b := &delegatedBackend{maxDisks: maxDisksCeiling}
	xmlDoc, err := b.buildDomainXML(h, map[int]string{0: "11111111-1111-1111-1111-111111111111"})
	if err != nil {
		t.Fatalf("buildDomainXML: %v", err)
	}
	if !strings.Contains(string(xmlDoc), "11111111-1111-1111-1111-111111111111") {
		t.Fatalf("domain XML missing secret UUID:\n%s", xmlDoc)
	}
}
