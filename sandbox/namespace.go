//go:build linux

package sandbox

// Namespace creation is split across two processes. A multithreaded Go
// program cannot unshare a user namespace in place, so the parent re-executes
// itself with the clone flags and identity mappings below, and the re-exec'd
// child (already inside the new namespaces) runs [SetupNamespace].
import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// NamespaceAttrs returns the SysProcAttr that places a child process into a
// fresh user+mount namespace with identity UID/GID mappings ("UID UID 1").
//
// The Go runtime writes "deny" to the child's setgroups file before writing
// the group map (GidMappingsEnableSetgroups: false), which the kernel
// requires of unprivileged processes.
func NamespaceAttrs(uid, gid int) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{{
			ContainerID: uid,
			HostID:      uid,
			Size:        1,
		}},
		GidMappings: []syscall.SysProcIDMap{{
			ContainerID: gid,
			HostID:      gid,
			Size:        1,
		}},
		GidMappingsEnableSetgroups: false,
	}
}

// makeMountsPrivate marks the root mount private-recursive so that nothing
// the composer mounts propagates back to the host namespace.
func makeMountsPrivate() error {
	err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, "")
	if err != nil {
		return fmt.Errorf("make root mount private: %w", err)
	}

	return nil
}

// InNamespace reports whether the current process was started inside an
// ajail user namespace by checking for a single-entry identity uid_map.
// Best-effort; unreadable maps report false.
func InNamespace() bool {
	data, err := os.ReadFile("/proc/self/uid_map")
	if err != nil {
		return false
	}

	var inside, outside, length int64

	n, err := fmt.Sscan(string(data), &inside, &outside, &length)
	if err != nil || n != 3 {
		return false
	}

	return length == 1 && inside == outside
}
