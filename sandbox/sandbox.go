//go:build linux

// Package sandbox builds and applies the mount namespace for an ajail session.
//
// The sandbox hides the user's home directory and /tmp behind fresh tmpfs
// overlays while keeping a curated set of paths visible at their original
// locations: the project repository, an optional read-only share tree around
// it, the agent's configuration, and any PATH directories that live under the
// home directory. Paths whose storage lives under a mountpoint that is about
// to be overlaid are first bind-mounted onto a staging tmpfs and restored
// afterward; the kernel keeps the underlying inodes reachable through the
// staging binds even once the original paths are shadowed.
//
// # Planning vs Execution
//
// Mount composition is split into two steps:
//
//   - [ClassifyPaths] inspects the host filesystem exactly once and captures
//     everything the composer needs to know into a [PathLocations] value.
//   - [BuildPlan] turns a config plus its PathLocations into an ordered list
//     of [MountOp] values. It never touches the filesystem, so the plan for a
//     given host state is deterministic and can be inspected (or asserted in
//     tests) without entering a namespace.
//
// [SetupNamespace] runs both steps and applies the resulting plan. It must be
// called from a process that is already inside a fresh user+mount namespace;
// see [NamespaceAttrs] for how the caller creates one.
//
// # Security Note
//
// The sandbox is a usability boundary against accidental access by a
// cooperating tool, not a jail for hostile code. There is no network or PID
// namespace and no capability dropping beyond nosuid/nodev on the overlays.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Options holds the boolean capability flags that widen or narrow the
// sandbox. The zero value is the most restrictive configuration.
type Options struct {
	// AllowSSHAgent bind-mounts the SSH agent socket (from SSH_AUTH_SOCK) at
	// its original path inside the sandbox.
	AllowSSHAgent bool `json:"allowSshAgent"`

	// AllowGPGAgent bind-mounts $XDG_RUNTIME_DIR/gnupg into the sandbox.
	AllowGPGAgent bool `json:"allowGpgAgent"`

	// AllowXDGRuntime bind-mounts the whole XDG runtime directory read-only.
	// Supersedes AllowSSHAgent and AllowGPGAgent.
	AllowXDGRuntime bool `json:"allowXdgRuntime"`

	// AllowDocker skips masking of the Docker daemon socket.
	AllowDocker bool `json:"allowDocker"`

	// AllowUnixSockets skips installation of the seccomp filter that blocks
	// creation of new Unix-domain sockets (see [BlockUnixSockets]).
	AllowUnixSockets bool `json:"allowUnixSockets"`
}

// SandboxConfig describes one sandbox session. All paths are absolute.
//
// The config is immutable for the duration of setup: every classification
// decision is made once, before any overlay is applied, because the source
// paths stop resolving as soon as their containing mountpoint is shadowed.
type SandboxConfig struct {
	// Home is the real home directory that will be overlaid.
	Home string `json:"home"`

	// ClaudeConfig is the agent's per-user config directory on the host. It
	// may live under Home or elsewhere, and may not exist. When it does not
	// exist and lives outside Home, no mount is emitted and ClaudeConfigDest
	// does not exist inside the sandbox either.
	ClaudeConfig string `json:"claudeConfig"`

	// ClaudeConfigDest is where ClaudeConfig must appear inside the sandbox.
	ClaudeConfigDest string `json:"claudeConfigDest"`

	// ClaudeJSON is the agent's single config file under Home. May not exist.
	ClaudeJSON string `json:"claudeJson"`

	// ShareTree is exposed read-only for ambient context. When the repository
	// lives under Home this is the top-level directory under Home containing
	// it; otherwise it equals RepoRoot.
	ShareTree string `json:"shareTree"`

	// RepoRoot is the project root, exposed read-write.
	RepoRoot string `json:"repoRoot"`

	// ProjectDir is where the guest starts; a subpath of RepoRoot.
	ProjectDir string `json:"projectDir"`

	// OriginalGitDir is the enclosing repository's metadata directory.
	// Required when RepoRoot is a linked worktree, whose .git file points
	// back into the original repository. Empty otherwise.
	OriginalGitDir string `json:"originalGitDir,omitempty"`

	Options Options `json:"options"`

	// Debugf receives per-operation debug messages. May be nil.
	Debugf Debugf `json:"-"`

	// Warnf receives warnings about degraded best-effort operations and the
	// classifier's notices about preserved or skipped PATH directories. When
	// nil, these go to stderr with an "ajail:" prefix.
	Warnf Debugf `json:"-"`
}

// Debugf receives diagnostic messages from sandbox setup.
type Debugf func(format string, args ...any)

// Environment is the slice of the process environment the composer consumes.
type Environment struct {
	// UID is the real user id, used for the /run/user/<uid> fallback.
	UID int

	// HostEnv is a snapshot of environment variables. The composer reads
	// PATH, XDG_RUNTIME_DIR, and SSH_AUTH_SOCK.
	HostEnv map[string]string
}

// DefaultEnvironment captures the current process environment.
func DefaultEnvironment() Environment {
	hostEnv := make(map[string]string, len(os.Environ()))

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		hostEnv[key] = value
	}

	return Environment{UID: os.Getuid(), HostEnv: hostEnv}
}

func (c *SandboxConfig) validate() error {
	var errs []error

	required := []struct {
		name  string
		value string
	}{
		{"home", c.Home},
		{"claudeConfig", c.ClaudeConfig},
		{"claudeConfigDest", c.ClaudeConfigDest},
		{"claudeJson", c.ClaudeJSON},
		{"shareTree", c.ShareTree},
		{"repoRoot", c.RepoRoot},
		{"projectDir", c.ProjectDir},
	}

	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			errs = append(errs, fmt.Errorf("sandbox config field %s is empty", field.name))
		} else if !filepath.IsAbs(field.value) {
			errs = append(errs, fmt.Errorf("sandbox config field %s %q is not absolute", field.name, field.value))
		}
	}

	if c.OriginalGitDir != "" && !filepath.IsAbs(c.OriginalGitDir) {
		errs = append(errs, fmt.Errorf("sandbox config field originalGitDir %q is not absolute", c.OriginalGitDir))
	}

	return errors.Join(errs...)
}

func (c *SandboxConfig) debugf(format string, args ...any) {
	if c.Debugf != nil {
		c.Debugf(format, args...)
	}
}

func (c *SandboxConfig) warnf(format string, args ...any) {
	if c.Warnf != nil {
		c.Warnf(format, args...)

		return
	}

	_, _ = fmt.Fprintf(os.Stderr, "ajail: "+format+"\n", args...)
}

// SetupNamespace composes the sandbox filesystem inside the current mount
// namespace. The caller must already be inside a fresh user+mount namespace
// (see [NamespaceAttrs]); SetupNamespace first makes the root mount private
// so nothing it does propagates back to the host.
//
// Any mandatory mount failure aborts setup and is returned. No rollback is
// attempted: all state lives in the namespace, which dies with the process.
func SetupNamespace(cfg *SandboxConfig, env Environment) error {
	err := cfg.validate()
	if err != nil {
		return fmt.Errorf("sandbox: validating config: %w", err)
	}

	err = makeMountsPrivate()
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	locs := ClassifyPaths(cfg, env)
	ops := BuildPlan(cfg, &locs, env)

	err = applyPlan(cfg, ops)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	return nil
}

// isUnder reports whether path equals root or lies below it. Both paths must
// be absolute and cleaned; no symlink resolution is performed (classification
// is by lexical location, matching how the overlays shadow paths).
func isUnder(path, root string) bool {
	if path == root {
		return true
	}

	root = strings.TrimSuffix(root, "/")

	return strings.HasPrefix(path, root+"/")
}
