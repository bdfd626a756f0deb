//go:build linux

package sandbox

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel ABI constants reproduced literally. The seccomp_data offsets and the
// audit architecture identifiers are fixed by the kernel and identical on
// every supported platform.
const (
	auditArchX8664   = 0xC000003E
	auditArchAarch64 = 0xC00000B7

	nrSocketX8664   = 41  // __NR_socket on x86_64
	nrSocketAarch64 = 198 // __NR_socket on aarch64

	afUnix = 1

	seccompRetAllow = 0x7FFF0000
	seccompRetErrno = 0x00050000
	errnoEACCES     = 13

	// Pre-combined classic BPF opcodes.
	bpfLdWAbs  = 0x20 // BPF_LD | BPF_W | BPF_ABS
	bpfJmpJeqK = 0x15 // BPF_JMP | BPF_JEQ | BPF_K
	bpfRetK    = 0x06 // BPF_RET | BPF_K

	// struct seccomp_data field offsets.
	offNr    = 0
	offArch  = 4
	offArgs0 = 16
)

// unixSocketFilter returns the BPF program that denies socket(AF_UNIX, ...)
// with EACCES on x86_64 and aarch64 and allows everything else, including
// every syscall on unrecognized architectures. The filter is defense in
// depth, not a security perimeter.
func unixSocketFilter() [11]unix.SockFilter {
	return [11]unix.SockFilter{
		// [0] Load arch
		{Code: bpfLdWAbs, K: offArch},
		// [1] If arch == x86_64, jump to x86_64 handler at [3]
		{Code: bpfJmpJeqK, Jt: 1, Jf: 0, K: auditArchX8664},
		// [2] If arch == aarch64, jump to aarch64 handler at [5]; else ALLOW at [10]
		{Code: bpfJmpJeqK, Jt: 2, Jf: 7, K: auditArchAarch64},
		// --- x86_64 path ---
		// [3] Load syscall number
		{Code: bpfLdWAbs, K: offNr},
		// [4] If nr == __NR_socket (x86_64), jump to domain check at [7]; else ALLOW at [10]
		{Code: bpfJmpJeqK, Jt: 2, Jf: 5, K: nrSocketX8664},
		// --- aarch64 path ---
		// [5] Load syscall number
		{Code: bpfLdWAbs, K: offNr},
		// [6] If nr == __NR_socket (aarch64), continue to domain check; else ALLOW at [10]
		{Code: bpfJmpJeqK, Jt: 0, Jf: 3, K: nrSocketAarch64},
		// --- common domain check ---
		// [7] Load socket domain (args[0])
		{Code: bpfLdWAbs, K: offArgs0},
		// [8] If domain == AF_UNIX, block; else ALLOW at [10]
		{Code: bpfJmpJeqK, Jt: 0, Jf: 1, K: afUnix},
		// [9] Return SECCOMP_RET_ERRNO | EACCES
		{Code: bpfRetK, K: seccompRetErrno | errnoEACCES},
		// [10] Return SECCOMP_RET_ALLOW
		{Code: bpfRetK, K: seccompRetAllow},
	}
}

// BlockUnixSockets installs a seccomp BPF filter that makes socket(AF_UNIX,
// ...) fail with EACCES. Already-open Unix socket file descriptors (e.g. an
// inherited agent socket) keep working: only creation of new ones is denied.
//
// The filter attaches to the calling thread, so the caller must be locked to
// its OS thread (runtime.LockOSThread) and must exec from that same thread
// for the filter to survive into the new program image.
//
// no-new-privs is set first; the kernel requires it before an unprivileged
// process may install a filter.
func BlockUnixSockets() error {
	err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("seccomp: set no-new-privs: %w", err)
	}

	filter := unixSocketFilter()

	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}

	_, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return fmt.Errorf("seccomp: install filter: %w", errno)
	}

	return nil
}
