// SPDX-License-Identifier: Apache-2.0

package subprocess

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestQuoteShellArg(t *testing.T) {
	cases := map[string]string{
		`hi`:          `hi`,
		`$(echo hi)`:  `\$(echo hi)`,
		`back\tick`:   `back\\tick`,
		"`echo hi`":   "\\`echo hi\\`",
		`say "hi"`:    `say \"hi\"`,
	}
	for in, want := range cases {
		if got := QuoteShellArg(in); got != want {
			t.Errorf("QuoteShellArg(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunShellQuoting(t *testing.T) {
	// Mirrors spec.md scenario 5: the shell string echo "$(echo hi)" run
	// via Shell must produce exactly "hi\n" and exit 0. Its
	// QuoteShellCommand form is built but not run.
	inner := `echo "$(echo hi)"`
	quoted := QuoteShellCommand([]string{inner})
	_ = quoted

	var out strings.Builder
	res, err := Run(context.Background(), Cmd{
		Shell:      `echo "$(echo hi)"`,
		BufferMode: WholeBuffer,
		Stdout: func(data []byte) {
			out.Write(data)
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success() {
		t.Fatalf("Run did not succeed: %+v", res)
	}
	if out.String() != "hi\n" {
		t.Fatalf("stdout = %q, want %q", out.String(), "hi\n")
	}
}

func TestRunExitStatus(t *testing.T) {
	res, err := Run(context.Background(), Cmd{Argv: []string{"false"}})
	if err == nil {
		t.Fatal("expected error for nonzero exit")
	}
	if res.Success() {
		t.Fatal("expected failure result")
	}
}

func TestPipeRunCapturesStderr(t *testing.T) {
	stdout, wait, err := PipeRun(context.Background(), Cmd{
		Shell: `echo out; echo err 1>&2`,
	})
	if err != nil {
		t.Fatalf("PipeRun failed: %v", err)
	}
	defer stdout.Close()
	io.Copy(io.Discard, stdout)
	res, err := wait()
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if res.Stderr != "err" {
		t.Fatalf("stderr = %q, want %q", res.Stderr, "err")
	}
}
