//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

// Test_UnixSocketFilter_MatchesKernelABI pins every instruction of the BPF
// program. The offsets, architecture identifiers, syscall numbers, and
// return encodings are kernel ABI and must never drift.
func Test_UnixSocketFilter_MatchesKernelABI(t *testing.T) {
	t.Parallel()

	got := unixSocketFilter()

	want := [11]unix.SockFilter{
		{Code: 0x20, Jt: 0, Jf: 0, K: 4},
		{Code: 0x15, Jt: 1, Jf: 0, K: 0xC000003E},
		{Code: 0x15, Jt: 2, Jf: 7, K: 0xC00000B7},
		{Code: 0x20, Jt: 0, Jf: 0, K: 0},
		{Code: 0x15, Jt: 2, Jf: 5, K: 41},
		{Code: 0x20, Jt: 0, Jf: 0, K: 0},
		{Code: 0x15, Jt: 0, Jf: 3, K: 198},
		{Code: 0x20, Jt: 0, Jf: 0, K: 16},
		{Code: 0x15, Jt: 0, Jf: 1, K: 1},
		{Code: 0x06, Jt: 0, Jf: 0, K: 0x00050000 | 13},
		{Code: 0x06, Jt: 0, Jf: 0, K: 0x7FFF0000},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("filter program mismatch (-want +got):\n%s", diff)
	}
}

// Every jump target must land inside the program, and both terminal
// instructions must be returns.
func Test_UnixSocketFilter_JumpTargetsInBounds(t *testing.T) {
	t.Parallel()

	filter := unixSocketFilter()

	for i, insn := range filter {
		if insn.Code != bpfJmpJeqK {
			continue
		}

		for _, offset := range []uint8{insn.Jt, insn.Jf} {
			target := i + 1 + int(offset)
			if target >= len(filter) {
				t.Errorf("instruction %d jumps to %d, beyond program end", i, target)
			}
		}
	}

	if filter[9].Code != bpfRetK || filter[10].Code != bpfRetK {
		t.Error("instructions 9 and 10 must be returns")
	}
}

const seccompHelperEnvVar = "AJAIL_TEST_SECCOMP_HELPER"

// Test_BlockUnixSockets_DeniesOnlyNewUnixSockets runs the behavioral check
// in a helper process (the filter cannot be uninstalled): after install,
// socket(AF_UNIX) fails with EACCES, socket(AF_INET) succeeds, and a Unix
// socketpair opened before the install keeps working.
func Test_BlockUnixSockets_DeniesOnlyNewUnixSockets(t *testing.T) {
	if os.Getenv(seccompHelperEnvVar) == "1" {
		seccompHelperMain()

		return
	}

	t.Parallel()

	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skipf("filter only matches x86_64/aarch64, running on %s", runtime.GOARCH)
	}

	cmd := exec.Command(os.Args[0], "-test.run=Test_BlockUnixSockets_DeniesOnlyNewUnixSockets$", "-test.v")
	cmd.Env = append(os.Environ(), seccompHelperEnvVar+"=1")

	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("seccomp helper failed: %v\n%s", err, out)
	}

	if !strings.Contains(string(out), "SECCOMP_HELPER_OK") {
		t.Fatalf("seccomp helper did not report success:\n%s", out)
	}
}

// seccompHelperMain runs inside the helper process and exits.
func seccompHelperMain() {
	fail := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "seccomp helper: "+format+"\n", args...)
		os.Exit(1)
	}

	// The filter attaches to the installing thread; keep everything here.
	runtime.LockOSThread()

	inherited, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		fail("socketpair before filter: %v", err)
	}

	err = BlockUnixSockets()
	if err != nil {
		fail("install: %v", err)
	}

	_, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != unix.EACCES {
		fail("socket(AF_UNIX) after filter: got %v, want EACCES", err)
	}

	_, err = unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != unix.EACCES {
		fail("socket(AF_UNIX, DGRAM) after filter: got %v, want EACCES", err)
	}

	inetFD, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		fail("socket(AF_INET) after filter: %v", err)
	}

	_ = unix.Close(inetFD)

	// The pre-existing pair must remain usable: the filter blocks creation,
	// not use.
	_, err = unix.Write(inherited[0], []byte("ping"))
	if err != nil {
		fail("write on inherited unix socket: %v", err)
	}

	buf := make([]byte, 4)

	n, err := unix.Read(inherited[1], buf)
	if err != nil || n != 4 {
		fail("read on inherited unix socket: n=%d err=%v", n, err)
	}

	fmt.Println("SECCOMP_HELPER_OK")
	os.Exit(0)
}
