//go:build linux

package sandbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// applyPlan replays the composer's plan against the current mount namespace.
// Mandatory op failures abort; best-effort op failures are logged through the
// config's warning channel and skipped.
func applyPlan(cfg *SandboxConfig, ops []MountOp) error {
	for _, op := range ops {
		cfg.debugf("mount: %s", describeOp(op))

		err := applyOp(cfg, op)
		if err == nil {
			continue
		}

		if op.BestEffort {
			cfg.warnf("%s failed, continuing: %v", op.Note, err)

			continue
		}

		return fmt.Errorf("%s: %w", op.Note, err)
	}

	return nil
}

func applyOp(cfg *SandboxConfig, op MountOp) error {
	switch op.Kind {
	case OpBind:
		return bindMount(op.Src, op.Dst, op.ReadOnly)
	case OpBindPreferRO:
		return bindMountPreferReadonly(cfg, op.Src, op.Dst)
	case OpTmpfs:
		return mountTmpfs(op.Dst)
	case OpUnmount:
		err := unix.Unmount(op.Dst, 0)
		if err != nil {
			return fmt.Errorf("unmount %s: %w", op.Dst, err)
		}

		return nil
	case OpRemoveAll:
		err := os.RemoveAll(op.Dst)
		if err != nil {
			return fmt.Errorf("remove %s: %w", op.Dst, err)
		}

		return nil
	default:
		return fmt.Errorf("unknown mount op kind %d", op.Kind)
	}
}

func describeOp(op MountOp) string {
	switch op.Kind {
	case OpBind:
		mode := "rw"
		if op.ReadOnly {
			mode = "ro"
		}

		return fmt.Sprintf("bind %s -> %s (%s) [%s]", op.Src, op.Dst, mode, op.Note)
	case OpBindPreferRO:
		return fmt.Sprintf("bind %s -> %s (ro preferred) [%s]", op.Src, op.Dst, op.Note)
	case OpTmpfs:
		return fmt.Sprintf("tmpfs %s [%s]", op.Dst, op.Note)
	case OpUnmount:
		return fmt.Sprintf("unmount %s [%s]", op.Dst, op.Note)
	case OpRemoveAll:
		return fmt.Sprintf("remove %s [%s]", op.Dst, op.Note)
	default:
		return fmt.Sprintf("op kind %d [%s]", op.Kind, op.Note)
	}
}
