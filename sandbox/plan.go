//go:build linux

package sandbox

// The overlay composer. BuildPlan encodes the staging-before-overlay ordering
// as data: an ordered list of mount operations that applyPlan (exec.go)
// replays verbatim. Nothing here touches the filesystem; every decision is
// taken from the PathLocations snapshot so the plan cannot observe the
// half-overlaid state it is creating.
import (
	"path/filepath"
	"strconv"
)

const (
	tmpDir = "/tmp"

	// stagingTmp is the pre-overlay staging area. It lives under /tmp, is
	// itself a fresh tmpfs, and therefore survives the home overlay.
	stagingTmp = "/tmp/.ajail-staging"

	// stagingHomeName is the post-overlay staging directory created inside
	// the new home tmpfs when repo or share tree must survive the /tmp
	// overlay. It is torn down before setup returns.
	stagingHomeName = ".ajail-staging"
)

// OpKind selects a mount operation.
type OpKind int

const (
	// OpBind is a recursive bind mount; read-only when [MountOp.ReadOnly].
	// A failed bind (or failed read-only remount) is fatal unless the op is
	// marked best-effort.
	OpBind OpKind = iota + 1

	// OpBindPreferRO is a recursive bind mount with a best-effort read-only
	// remount: the bind itself is mandatory, the remount degradation is
	// logged and ignored.
	OpBindPreferRO

	// OpTmpfs mounts a fresh tmpfs (nosuid,nodev) at Dst.
	OpTmpfs

	// OpUnmount detaches the mount at Dst. Always best-effort.
	OpUnmount

	// OpRemoveAll removes the tree at Dst. Always best-effort.
	OpRemoveAll
)

// MountOp is one step of the composer's plan.
type MountOp struct {
	Kind OpKind

	// Src is the bind source; unused for tmpfs/unmount/remove.
	Src string

	// Dst is the target path.
	Dst string

	// ReadOnly requests a read-only remount after an OpBind.
	ReadOnly bool

	// BestEffort downgrades a failure of this op to a warning.
	BestEffort bool

	// Note labels the op in debug output.
	Note string
}

// BuildPlan computes the ordered mount operations for one sandbox session.
//
// The order is load-bearing and fixed:
//
//  1. Stage every preserved path that lives under home onto a tmpfs at
//     /tmp/.ajail-staging. The binds hold the underlying inodes open, so the
//     paths stay reachable through the stage after home is shadowed.
//  2. Overlay home with tmpfs.
//  3. Restore each preserved path to its original (or requested) location,
//     from the stage when it was staged, directly from the source otherwise.
//  4. If repo or share tree live under /tmp, stage them into the new home
//     tmpfs, overlay /tmp, restore, and tear the staging down. Otherwise
//     just overlay /tmp.
//  5. Expose agent sockets per the options.
//  6. Mask the docker socket (best-effort) unless allowed.
func BuildPlan(cfg *SandboxConfig, locs *PathLocations, env Environment) []MountOp {
	var ops []MountOp

	ops = append(ops, planHomeStaging(cfg, locs)...)
	ops = append(ops, MountOp{Kind: OpTmpfs, Dst: cfg.Home, Note: "overlay home"})
	ops = append(ops, planHomeRestore(cfg, locs)...)
	ops = append(ops, planTmpOverlay(cfg, locs)...)
	ops = append(ops, planAgentSockets(cfg, locs)...)
	ops = append(ops, planDockerMask(cfg, locs)...)

	return ops
}

func stagePath(name string) string {
	return filepath.Join(stagingTmp, name)
}

func stagedPathDir(i int) string {
	return stagePath("path-" + strconv.Itoa(i))
}

// planHomeStaging emits the staging tmpfs and the binds of every preserved
// path whose storage lives under home. These must all succeed before the home
// overlay: after it, the sources are gone.
func planHomeStaging(cfg *SandboxConfig, locs *PathLocations) []MountOp {
	ops := []MountOp{{Kind: OpTmpfs, Dst: stagingTmp, Note: "staging tmpfs"}}

	if locs.ConfigUnderHome && locs.ConfigExists {
		ops = append(ops, MountOp{Kind: OpBind, Src: cfg.ClaudeConfig, Dst: stagePath("claude-config"), Note: "stage claude config"})
	}

	if locs.JSONExists {
		ops = append(ops, MountOp{Kind: OpBind, Src: cfg.ClaudeJSON, Dst: stagePath("claude-json"), Note: "stage claude json"})
	}

	if locs.RepoUnderHome {
		ops = append(ops, MountOp{Kind: OpBind, Src: cfg.RepoRoot, Dst: stagePath("repo"), Note: "stage repo"})
	}

	if locs.GitDirUnderHome && locs.GitDirExists {
		ops = append(ops, MountOp{Kind: OpBind, Src: cfg.OriginalGitDir, Dst: stagePath("git-dir"), Note: "stage git dir"})
	}

	if locs.ShareTreeUnderHome {
		ops = append(ops, MountOp{Kind: OpBind, Src: cfg.ShareTree, Dst: stagePath("share-tree"), ReadOnly: true, Note: "stage share tree"})
	}

	for i, p := range locs.PathDirsUnderHome {
		ops = append(ops, MountOp{Kind: OpBind, Src: p, Dst: stagedPathDir(i), ReadOnly: true, Note: "stage PATH dir"})
	}

	return ops
}

// planHomeRestore emits the binds that make each preserved path visible at
// its requested location inside the freshly overlaid home. Paths that were
// never under home are bound directly from their sources; this could equally
// happen before the overlay, but doing everything here keeps one order.
func planHomeRestore(cfg *SandboxConfig, locs *PathLocations) []MountOp {
	var ops []MountOp

	switch {
	case locs.ConfigUnderHome && locs.ConfigExists:
		ops = append(ops, MountOp{Kind: OpBind, Src: stagePath("claude-config"), Dst: cfg.ClaudeConfigDest, Note: "restore claude config"})
	case !locs.ConfigUnderHome && locs.ConfigExists:
		ops = append(ops, MountOp{Kind: OpBind, Src: cfg.ClaudeConfig, Dst: cfg.ClaudeConfigDest, Note: "bind claude config"})
	}

	if locs.JSONExists {
		ops = append(ops, MountOp{Kind: OpBind, Src: stagePath("claude-json"), Dst: filepath.Join(cfg.Home, ".claude.json"), Note: "restore claude json"})
	}

	// Outside-resolving PATH entries are bound from their resolved targets
	// onto the original home-relative paths, so no symlink chain has to be
	// recreated inside the sandbox. Their stores may refuse the read-only
	// remount; prefer-readonly degrades with a warning.
	for _, m := range locs.PathDirsOutside {
		ops = append(ops, MountOp{Kind: OpBindPreferRO, Src: m.Real, Dst: m.Original, Note: "restore PATH dir (outside storage)"})
	}

	for i, p := range locs.PathDirsUnderHome {
		ops = append(ops, MountOp{Kind: OpBindPreferRO, Src: stagedPathDir(i), Dst: p, Note: "restore PATH dir"})
	}

	if locs.NeedShareTree {
		switch {
		case locs.ShareTreeUnderHome:
			ops = append(ops, MountOp{Kind: OpBind, Src: stagePath("share-tree"), Dst: cfg.ShareTree, ReadOnly: true, Note: "restore share tree"})
		case !locs.ShareTreeUnderTmp:
			ops = append(ops, MountOp{Kind: OpBind, Src: cfg.ShareTree, Dst: cfg.ShareTree, ReadOnly: true, Note: "bind share tree"})
		}
	}

	switch {
	case locs.RepoUnderHome:
		ops = append(ops, MountOp{Kind: OpBind, Src: stagePath("repo"), Dst: cfg.RepoRoot, Note: "restore repo"})
	case !locs.RepoUnderTmp:
		ops = append(ops, MountOp{Kind: OpBind, Src: cfg.RepoRoot, Dst: cfg.RepoRoot, Note: "bind repo"})
	}

	if cfg.OriginalGitDir != "" {
		switch {
		case locs.GitDirUnderHome && locs.GitDirExists:
			ops = append(ops, MountOp{Kind: OpBind, Src: stagePath("git-dir"), Dst: cfg.OriginalGitDir, Note: "restore git dir"})
		case !locs.GitDirUnderHome && locs.GitDirExists:
			ops = append(ops, MountOp{Kind: OpBind, Src: cfg.OriginalGitDir, Dst: cfg.OriginalGitDir, Note: "bind git dir"})
		}
	}

	return ops
}

// planTmpOverlay emits the /tmp overlay. When repo or share tree live under
// /tmp they are re-staged through the new home tmpfs (which survives the /tmp
// overlay), restored, and the temporary staging is torn down.
func planTmpOverlay(cfg *SandboxConfig, locs *PathLocations) []MountOp {
	if !locs.RepoUnderTmp && !locs.ShareTreeUnderTmp {
		return []MountOp{{Kind: OpTmpfs, Dst: tmpDir, Note: "overlay /tmp"}}
	}

	staging := filepath.Join(cfg.Home, stagingHomeName)
	stageRepo := filepath.Join(staging, "repo")
	stageShareTree := filepath.Join(staging, "share-tree")

	var ops []MountOp

	if locs.RepoUnderTmp {
		ops = append(ops, MountOp{Kind: OpBind, Src: cfg.RepoRoot, Dst: stageRepo, Note: "stage repo across /tmp overlay"})
	}

	if locs.ShareTreeUnderTmp {
		ops = append(ops, MountOp{Kind: OpBind, Src: cfg.ShareTree, Dst: stageShareTree, ReadOnly: true, Note: "stage share tree across /tmp overlay"})
	}

	ops = append(ops, MountOp{Kind: OpTmpfs, Dst: tmpDir, Note: "overlay /tmp"})

	if locs.ShareTreeUnderTmp {
		ops = append(ops, MountOp{Kind: OpBind, Src: stageShareTree, Dst: cfg.ShareTree, ReadOnly: true, Note: "restore share tree"})
	}

	if locs.RepoUnderTmp {
		ops = append(ops, MountOp{Kind: OpBind, Src: stageRepo, Dst: cfg.RepoRoot, Note: "restore repo"})
	}

	if locs.RepoUnderTmp {
		ops = append(ops, MountOp{Kind: OpUnmount, Dst: stageRepo, BestEffort: true, Note: "drop repo staging bind"})
	}

	if locs.ShareTreeUnderTmp {
		ops = append(ops, MountOp{Kind: OpUnmount, Dst: stageShareTree, BestEffort: true, Note: "drop share tree staging bind"})
	}

	ops = append(ops, MountOp{Kind: OpRemoveAll, Dst: staging, BestEffort: true, Note: "remove home staging dir"})

	return ops
}

// planAgentSockets exposes agent sockets per the options. With
// AllowXDGRuntime the whole runtime directory is bound read-only; otherwise
// the SSH and GPG agent paths are bound individually, read-write, when
// enabled and present.
func planAgentSockets(cfg *SandboxConfig, locs *PathLocations) []MountOp {
	opts := cfg.Options

	if opts.AllowXDGRuntime {
		if !locs.XDGRuntimeIsDir {
			return nil
		}

		return []MountOp{{Kind: OpBind, Src: locs.XDGRuntimeDir, Dst: locs.XDGRuntimeDir, ReadOnly: true, Note: "bind XDG runtime dir"}}
	}

	var ops []MountOp

	if opts.AllowSSHAgent && locs.SSHAuthSockOK {
		ops = append(ops, MountOp{Kind: OpBind, Src: locs.SSHAuthSock, Dst: locs.SSHAuthSock, Note: "bind SSH agent socket"})
	}

	if opts.AllowGPGAgent && locs.GPGAgentDirIsDir {
		ops = append(ops, MountOp{Kind: OpBind, Src: locs.GPGAgentDir, Dst: locs.GPGAgentDir, Note: "bind GPG agent dir"})
	}

	return ops
}

// planDockerMask hides the docker daemon socket behind /dev/null unless
// docker access was allowed. The mask can fail on a root-owned filesystem
// inside the user namespace, so the op is best-effort and logged.
func planDockerMask(cfg *SandboxConfig, locs *PathLocations) []MountOp {
	if cfg.Options.AllowDocker || !locs.DockerSockExists {
		return nil
	}

	return []MountOp{{Kind: OpBind, Src: "/dev/null", Dst: dockerSocketPath, BestEffort: true, Note: "mask docker socket"}}
}
