//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"strconv"
)

// PathDirMapping records a PATH entry under the home directory whose real
// storage (after resolving symlinks) lies outside it, e.g. a nix profile
// symlinked into /nix/store.
type PathDirMapping struct {
	// Original is the PATH entry as the user sees it.
	Original string
	// Real is the fully resolved target.
	Real string
}

// PathLocations is the classification of every configured path, computed once
// before any overlay is applied and threaded through the composer. The
// composer must never re-derive locations from the config after an overlay:
// the originals no longer resolve.
type PathLocations struct {
	RepoUnderHome bool
	RepoUnderTmp  bool

	// NeedShareTree is true when the share tree is distinct from the repo
	// root and therefore needs its own mounts.
	NeedShareTree      bool
	ShareTreeUnderHome bool
	ShareTreeUnderTmp  bool

	ConfigUnderHome bool
	GitDirUnderHome bool

	// Existence snapshots, taken at classification time.
	ConfigExists bool
	JSONExists   bool
	GitDirExists bool

	// PathDirsOutside are PATH entries under home resolving outside it, in
	// PATH iteration order.
	PathDirsOutside []PathDirMapping

	// PathDirsUnderHome are PATH entries whose real storage is under home,
	// in PATH iteration order. These need staging across the home overlay.
	PathDirsUnderHome []string

	// Agent-socket and docker-socket snapshots for the later phases.
	XDGRuntimeDir    string
	XDGRuntimeIsDir  bool
	SSHAuthSock      string
	SSHAuthSockOK    bool
	GPGAgentDir      string
	GPGAgentDirIsDir bool
	DockerSockExists bool
}

const dockerSocketPath = "/var/run/docker.sock"

// ClassifyPaths inspects the host filesystem and partitions every configured
// path into {under home, under /tmp, elsewhere}. It also walks the caller's
// PATH and collects directories under home that need preserving, logging each
// preserved directory and each skip so missing tools can be diagnosed.
//
// Classification is deterministic: identical config, environment, and host
// state produce identical results, with PATH-derived lists in PATH order.
func ClassifyPaths(cfg *SandboxConfig, env Environment) PathLocations {
	locs := PathLocations{}

	locs.ConfigUnderHome = isUnder(cfg.ClaudeConfig, cfg.Home)
	locs.RepoUnderHome = isUnder(cfg.RepoRoot, cfg.Home)
	locs.RepoUnderTmp = !locs.RepoUnderHome && isUnder(cfg.RepoRoot, tmpDir)

	locs.NeedShareTree = cfg.ShareTree != cfg.RepoRoot
	locs.ShareTreeUnderHome = locs.NeedShareTree && isUnder(cfg.ShareTree, cfg.Home)
	locs.ShareTreeUnderTmp = locs.NeedShareTree && !locs.ShareTreeUnderHome && isUnder(cfg.ShareTree, tmpDir)

	locs.GitDirUnderHome = cfg.OriginalGitDir != "" && isUnder(cfg.OriginalGitDir, cfg.Home)

	locs.ConfigExists = pathExists(cfg.ClaudeConfig)
	locs.JSONExists = pathExists(cfg.ClaudeJSON)
	locs.GitDirExists = cfg.OriginalGitDir != "" && pathExists(cfg.OriginalGitDir)

	locs.PathDirsOutside, locs.PathDirsUnderHome = collectHomePathDirs(cfg, env.HostEnv["PATH"])

	locs.XDGRuntimeDir = env.HostEnv["XDG_RUNTIME_DIR"]
	if locs.XDGRuntimeDir == "" {
		locs.XDGRuntimeDir = filepath.Join("/run/user", strconv.Itoa(env.UID))
	}

	locs.XDGRuntimeIsDir = isDir(locs.XDGRuntimeDir)

	locs.SSHAuthSock = env.HostEnv["SSH_AUTH_SOCK"]
	locs.SSHAuthSockOK = locs.SSHAuthSock != "" && pathExists(locs.SSHAuthSock)

	locs.GPGAgentDir = filepath.Join(locs.XDGRuntimeDir, "gnupg")
	locs.GPGAgentDirIsDir = isDir(locs.GPGAgentDir)

	locs.DockerSockExists = pathExists(dockerSocketPath)

	return locs
}

// collectHomePathDirs walks the PATH entries that begin with home and splits
// them into symlinks resolving outside home (mounted directly after the
// overlay) and real directories under home (which need staging).
func collectHomePathDirs(cfg *SandboxConfig, pathVar string) ([]PathDirMapping, []string) {
	var (
		outside   []PathDirMapping
		underHome []string
	)

	for _, p := range filepath.SplitList(pathVar) {
		if p == "" || !filepath.IsAbs(p) {
			continue
		}

		p = filepath.Clean(p)
		if !isUnder(p, cfg.Home) {
			continue
		}

		if !pathExists(p) {
			cfg.warnf("PATH dir under home does not exist, skipping: %s", p)

			continue
		}

		real, err := filepath.EvalSymlinks(p)
		if err != nil {
			cfg.warnf("PATH dir under home cannot be resolved, skipping: %s: %v", p, err)

			continue
		}

		if isUnder(real, cfg.Home) {
			cfg.warnf("preserving PATH dir (under home): %s", p)
			underHome = append(underHome, p)
		} else {
			cfg.warnf("preserving PATH dir (symlink to %s): %s", real, p)
			outside = append(outside, PathDirMapping{Original: p, Real: real})
		}
	}

	return outside, underHome
}

func pathExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.IsDir()
}
