//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/f8thl3ss/ajail/worktree"
)

// sessionPaths holds every host path the sandbox config is built from.
type sessionPaths struct {
	Home             string
	ClaudeConfig     string
	ClaudeConfigDest string

	// SetClaudeConfigDir is true when the config location was overridden and
	// CLAUDE_CONFIG_DIR must point at ClaudeConfigDest inside the guest.
	SetClaudeConfigDir bool

	ClaudeJSON     string
	RepoRoot       string
	ProjectDir     string
	ShareTree      string
	OriginalGitDir string
}

// derivePaths resolves the session layout from the environment and working
// directory:
//
//   - the repo root is the nearest enclosing directory with a .git entry
//     (falling back to the working directory itself),
//   - the share tree is the top-level directory under home that contains the
//     repo, or the repo root when the repo lives elsewhere,
//   - the agent config comes from --claude-config-dir, then
//     CLAUDE_CONFIG_DIR, then ~/.claude.
func derivePaths(env map[string]string, workDir, claudeConfigDirFlag string) (sessionPaths, error) {
	home := env["HOME"]
	if home == "" {
		return sessionPaths{}, errors.New("HOME is not set")
	}

	if !filepath.IsAbs(home) {
		return sessionPaths{}, fmt.Errorf("HOME %q is not absolute", home)
	}

	home = filepath.Clean(home)
	workDir = filepath.Clean(workDir)

	repoRoot := discoverRepoRoot(workDir)

	paths := sessionPaths{
		Home:       home,
		ClaudeJSON: filepath.Join(home, ".claude.json"),
		RepoRoot:   repoRoot,
		ProjectDir: workDir,
		ShareTree:  shareTreeFor(home, repoRoot),
	}

	claudeConfig := claudeConfigDirFlag
	if claudeConfig == "" {
		claudeConfig = env["CLAUDE_CONFIG_DIR"]
	}

	if claudeConfig == "" {
		paths.ClaudeConfig = filepath.Join(home, ".claude")
		paths.ClaudeConfigDest = paths.ClaudeConfig

		return paths, nil
	}

	if !filepath.IsAbs(claudeConfig) {
		claudeConfig = filepath.Join(workDir, claudeConfig)
	}

	paths.ClaudeConfig = filepath.Clean(claudeConfig)
	paths.SetClaudeConfigDir = true

	// A config source under home reappears at its own path inside the
	// sandbox; one outside home is re-homed to ~/.claude because its real
	// location is not visible in there.
	if pathHasPrefix(paths.ClaudeConfig, home) {
		paths.ClaudeConfigDest = paths.ClaudeConfig
	} else {
		paths.ClaudeConfigDest = filepath.Join(home, ".claude")
	}

	return paths, nil
}

// forWorktree rebases the session onto a worktree checkout: the worktree
// becomes the repo root, the project dir maps to the same relative position
// inside it, and the original repository stays reachable only through its
// .git directory.
func (p sessionPaths) forWorktree(wt *worktree.Info, workDir string) sessionPaths {
	out := p

	rel, err := filepath.Rel(p.RepoRoot, workDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = "."
	}

	out.RepoRoot = wt.Path
	out.ProjectDir = filepath.Join(wt.Path, rel)
	out.ShareTree = shareTreeFor(p.Home, wt.Path)
	out.OriginalGitDir = wt.GitDir()

	return out
}

// discoverRepoRoot walks up from dir looking for a .git entry (a directory
// for normal repositories, a file for linked worktrees). Falls back to dir
// when no repository encloses it.
func discoverRepoRoot(dir string) string {
	for current := dir; ; {
		_, err := os.Lstat(filepath.Join(current, ".git"))
		if err == nil {
			return current
		}

		parent := filepath.Dir(current)
		if parent == current {
			return dir
		}

		current = parent
	}
}

// shareTreeFor returns the top-level directory under home containing
// repoRoot, e.g. /home/u/code for /home/u/code/org/repo. When the repo does
// not live below home, the repo root itself is the share tree (and no
// separate share mount is needed).
func shareTreeFor(home, repoRoot string) string {
	if !pathHasPrefix(repoRoot, home) || repoRoot == home {
		return repoRoot
	}

	rel := strings.TrimPrefix(repoRoot, strings.TrimSuffix(home, "/")+"/")

	first, _, _ := strings.Cut(rel, "/")
	if first == "" {
		return repoRoot
	}

	return filepath.Join(home, first)
}

func pathHasPrefix(path, root string) bool {
	if path == root {
		return true
	}

	return strings.HasPrefix(path, strings.TrimSuffix(root, "/")+"/")
}

// sessionID returns a short unique id for worktree branch and directory
// names.
func sessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
