//go:build linux

package sandbox

// Low-level mount primitives. Destination creation is deliberately
// best-effort: a failed mkdir is either harmless (the path already exists as
// a mountpoint) or will surface as a much clearer error from the mount call
// that follows.
import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ensureDst makes sure dst exists as a mount target for src: a directory when
// src is a directory, an empty regular file otherwise (creating parents).
func ensureDst(src, dst string) {
	_, err := os.Stat(dst)
	if err == nil {
		return
	}

	info, err := os.Stat(src)
	if err == nil && info.IsDir() {
		_ = os.MkdirAll(dst, 0o755)

		return
	}

	_ = os.MkdirAll(filepath.Dir(dst), 0o755)
	_ = os.WriteFile(dst, nil, 0o644)
}

// bindMount recursively bind-mounts src onto dst, creating dst if needed.
// If readonly, the bind is remounted read-only; a remount failure is an
// error.
func bindMount(src, dst string, readonly bool) error {
	ensureDst(src, dst)

	err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, "")
	if err != nil {
		return fmt.Errorf("bind %s to %s: %w", src, dst, err)
	}

	if readonly {
		err = remountReadonly(dst)
		if err != nil {
			return err
		}
	}

	return nil
}

// bindMountPreferReadonly bind-mounts src onto dst and attempts a read-only
// remount. Sources on an already read-only filesystem (e.g. /nix/store)
// return EPERM on the remount inside a user namespace; in that case the
// mount stays read-write and a warning is emitted.
func bindMountPreferReadonly(cfg *SandboxConfig, src, dst string) error {
	ensureDst(src, dst)

	err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, "")
	if err != nil {
		return fmt.Errorf("bind %s to %s: %w", src, dst, err)
	}

	err = remountReadonly(dst)
	if err != nil {
		cfg.warnf("read-only remount failed for %s, leaving read-write: %v", dst, err)
	}

	return nil
}

func remountReadonly(dst string) error {
	// Inside a user namespace the kernel refuses a bind remount that would
	// clear any locked flag (nosuid, nodev, noexec, atime modes) inherited
	// from the source mount, so carry the existing flags over.
	flags := uintptr(unix.MS_BIND | unix.MS_REC | unix.MS_REMOUNT | unix.MS_RDONLY)

	var fs unix.Statfs_t

	if err := unix.Statfs(dst, &fs); err == nil {
		flags |= mountFlagsForFSFlags(uintptr(fs.Flags))
	}

	err := unix.Mount("", dst, "", flags, "")
	if err != nil {
		return fmt.Errorf("remount %s read-only: %w", dst, err)
	}

	return nil
}

// mountFlagsForFSFlags maps statfs ST_* flags to their mount MS_* flags.
func mountFlagsForFSFlags(fsFlags uintptr) uintptr {
	var mountFlags uintptr

	for _, mapping := range []struct {
		fsFlag    uintptr
		mountFlag uintptr
	}{
		{unix.ST_MANDLOCK, unix.MS_MANDLOCK},
		{unix.ST_NOATIME, unix.MS_NOATIME},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_RELATIME, unix.MS_RELATIME},
		{unix.ST_SYNCHRONOUS, unix.MS_SYNCHRONOUS},
	} {
		if fsFlags&mapping.fsFlag == mapping.fsFlag {
			mountFlags |= mapping.mountFlag
		}
	}

	return mountFlags
}

// mountTmpfs mounts a fresh tmpfs at dst, creating it if needed.
func mountTmpfs(dst string) error {
	_ = os.MkdirAll(dst, 0o755)

	err := unix.Mount("tmpfs", dst, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "")
	if err != nil {
		return fmt.Errorf("mount tmpfs at %s: %w", dst, err)
	}

	return nil
}
