// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestErrorStackPushPop(t *testing.T) {
	var s errorStack
	s.set(1, "first")
	mark := s.push()
	s.set(2, "probe failure")
	s.pop(mark)

	last, ok := s.last()
	if !ok || last.errno != 1 || last.message != "first" {
		t.Fatalf("expected pop to restore prior last-error, got %+v ok=%v", last, ok)
	}
}

func TestErrorStackGuestFlag(t *testing.T) {
	var s errorStack
	s.setGuest(5, "guest said no")
	last, ok := s.last()
	if !ok || !last.guest {
		t.Fatalf("expected guest-flagged entry, got %+v", last)
	}
}

func TestLaunchFailedErrorSuggestsBackendSwitch(t *testing.T) {
	err := launchFailedError("ready sentinel never arrived")
	if !strings.Contains(err.Error(), "different backend") {
		t.Fatalf("expected backend-switch suggestion, got %q", err.Error())
	}
}

func TestExternalCommandErrorDecodesExitStatus(t *testing.T) {
	cmd := exec.CommandContext(context.Background(), "sh", "-c", "exit 7")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected sh -c 'exit 7' to fail")
	}
	wrapped := externalCommandError(cmd.Args, err)
	if !strings.Contains(wrapped.Error(), "status 7") {
		t.Fatalf("expected decoded exit status 7, got %q", wrapped.Error())
	}
}
