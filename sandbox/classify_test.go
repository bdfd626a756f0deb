//go:build linux

package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testConfigForHome(t *testing.T, home string) *SandboxConfig {
	t.Helper()

	repo := filepath.Join(home, "code", "proj")
	mustCreateDir(t, repo)

	return &SandboxConfig{
		Home:             home,
		ClaudeConfig:     filepath.Join(home, ".claude"),
		ClaudeConfigDest: filepath.Join(home, ".claude"),
		ClaudeJSON:       filepath.Join(home, ".claude.json"),
		ShareTree:        filepath.Join(home, "code"),
		RepoRoot:         repo,
		ProjectDir:       repo,
	}
}

func mustCreateDir(t *testing.T, path string) {
	t.Helper()

	err := os.MkdirAll(path, 0o755)
	if err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()

	err := os.WriteFile(path, data, 0o644)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mustSymlink(t *testing.T, target, link string) {
	t.Helper()

	err := os.Symlink(target, link)
	if err != nil {
		t.Fatalf("symlink %s -> %s: %v", link, target, err)
	}
}

func Test_ClassifyPaths_ClassifiesConfiguredPaths(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg := testConfigForHome(t, home)
	mustCreateDir(t, cfg.ClaudeConfig)
	mustWriteFile(t, cfg.ClaudeJSON, []byte("{}"))

	locs := ClassifyPaths(cfg, Environment{UID: 1000, HostEnv: map[string]string{}})

	if !locs.ConfigUnderHome || !locs.ConfigExists {
		t.Errorf("config: underHome=%t exists=%t, want true/true", locs.ConfigUnderHome, locs.ConfigExists)
	}

	if !locs.JSONExists {
		t.Error("claude json should exist")
	}

	if !locs.RepoUnderHome || locs.RepoUnderTmp {
		t.Errorf("repo: underHome=%t underTmp=%t, want true/false", locs.RepoUnderHome, locs.RepoUnderTmp)
	}

	if !locs.NeedShareTree || !locs.ShareTreeUnderHome {
		t.Errorf("share tree: need=%t underHome=%t, want true/true", locs.NeedShareTree, locs.ShareTreeUnderHome)
	}
}

func Test_ClassifyPaths_SharesNothing_When_ShareTreeEqualsRepo(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg := testConfigForHome(t, home)
	cfg.ShareTree = cfg.RepoRoot

	locs := ClassifyPaths(cfg, Environment{UID: 1000, HostEnv: map[string]string{}})

	if locs.NeedShareTree || locs.ShareTreeUnderHome || locs.ShareTreeUnderTmp {
		t.Errorf("share tree flags should all be false, got %+v", locs)
	}
}

func Test_ClassifyPaths_ClassifiesRepoUnderTmp(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg := testConfigForHome(t, home)
	cfg.RepoRoot = "/tmp/scratch/proj"
	cfg.ProjectDir = "/tmp/scratch/proj"
	cfg.ShareTree = "/tmp/scratch"

	locs := ClassifyPaths(cfg, Environment{UID: 1000, HostEnv: map[string]string{}})

	if locs.RepoUnderHome || !locs.RepoUnderTmp {
		t.Errorf("repo: underHome=%t underTmp=%t, want false/true", locs.RepoUnderHome, locs.RepoUnderTmp)
	}

	if !locs.ShareTreeUnderTmp {
		t.Error("share tree should classify under /tmp")
	}
}

func Test_ClassifyPaths_SplitsPathDirs_ByResolvedStorage(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	outside := t.TempDir()
	cfg := testConfigForHome(t, home)

	// A real directory under home, a symlink resolving outside home, and a
	// missing entry that must be skipped with a warning.
	realBin := filepath.Join(home, ".local", "bin")
	mustCreateDir(t, realBin)

	storeBin := filepath.Join(outside, "store", "bin")
	mustCreateDir(t, storeBin)
	linkDir := filepath.Join(home, ".profile-link")
	mustSymlink(t, filepath.Join(outside, "store"), linkDir)
	linkBin := filepath.Join(linkDir, "bin")

	missing := filepath.Join(home, "gone", "bin")

	var warnings []string

	cfg.Warnf = func(format string, args ...any) {
		warnings = append(warnings, format)
	}

	pathVar := strings.Join([]string{realBin, linkBin, missing, "/usr/bin"}, ":")

	locs := ClassifyPaths(cfg, Environment{UID: 1000, HostEnv: map[string]string{"PATH": pathVar}})

	if diff := cmp.Diff([]string{realBin}, locs.PathDirsUnderHome); diff != "" {
		t.Errorf("PathDirsUnderHome mismatch (-want +got):\n%s", diff)
	}

	resolvedStore, err := filepath.EvalSymlinks(storeBin)
	if err != nil {
		t.Fatalf("resolving store bin: %v", err)
	}

	wantOutside := []PathDirMapping{{Original: linkBin, Real: resolvedStore}}
	if diff := cmp.Diff(wantOutside, locs.PathDirsOutside); diff != "" {
		t.Errorf("PathDirsOutside mismatch (-want +got):\n%s", diff)
	}

	var skips int

	for _, w := range warnings {
		if strings.Contains(w, "skipping") {
			skips++
		}
	}

	if skips != 1 {
		t.Errorf("expected 1 skip notice for the missing PATH dir, got %d (%v)", skips, warnings)
	}
}

func Test_ClassifyPaths_IsIdempotent(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg := testConfigForHome(t, home)
	mustCreateDir(t, cfg.ClaudeConfig)

	bin := filepath.Join(home, "bin")
	mustCreateDir(t, bin)

	env := Environment{UID: 1000, HostEnv: map[string]string{"PATH": bin + ":/usr/bin"}}

	first := ClassifyPaths(cfg, env)
	second := ClassifyPaths(cfg, env)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("classification differs across runs (-first +second):\n%s", diff)
	}
}

func Test_ClassifyPaths_FallsBackToRunUser_When_XDGUnset(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg := testConfigForHome(t, home)

	locs := ClassifyPaths(cfg, Environment{UID: 1234, HostEnv: map[string]string{}})

	if locs.XDGRuntimeDir != "/run/user/1234" {
		t.Fatalf("XDGRuntimeDir = %q, want /run/user/1234", locs.XDGRuntimeDir)
	}
}

func Test_IsUnder_MatchesPathBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		root string
		want bool
	}{
		{"/h/u", "/h/u", true},
		{"/h/u/proj", "/h/u", true},
		{"/h/username", "/h/u", false},
		{"/h", "/h/u", false},
		{"/tmp/x", "/tmp", true},
	}

	for _, tc := range cases {
		if got := isUnder(tc.path, tc.root); got != tc.want {
			t.Errorf("isUnder(%q, %q) = %t, want %t", tc.path, tc.root, got, tc.want)
		}
	}
}
