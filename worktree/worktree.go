// Package worktree manages the disposable git worktree an ajail session can
// run in. The session's edits land on a throwaway branch in a worktree under
// the system temp directory; after the session the user merges the branch
// back or discards it.
//
// All repository manipulation shells out to the git CLI: worktree
// add/remove, merge, and diff summaries are exactly the operations git's
// own porcelain is specified for, and the sandbox guest already requires git
// to be present for any repository work.
package worktree

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Action is what to do with a worktree's changes after the session.
type Action int

const (
	// ActionPrompt asks interactively on /dev/tty.
	ActionPrompt Action = iota
	// ActionMerge merges the session branch into the original branch.
	ActionMerge
	// ActionDiscard throws the session's changes away.
	ActionDiscard
)

// ParseAction parses a CLI/config action value.
func ParseAction(s string) (Action, error) {
	switch s {
	case "", "prompt":
		return ActionPrompt, nil
	case "merge":
		return ActionMerge, nil
	case "discard":
		return ActionDiscard, nil
	default:
		return ActionPrompt, fmt.Errorf("invalid worktree action %q (want prompt, merge, or discard)", s)
	}
}

// Info describes one session worktree.
type Info struct {
	// Path is the worktree's checkout directory under the temp dir.
	Path string
	// Branch is the session branch, "ajail-<session id>".
	Branch string
	// OriginalHead is the commit the worktree was created from.
	OriginalHead string
	// OriginalRepo is the repository the worktree belongs to.
	OriginalRepo string
}

// GitDir returns the enclosing repository's metadata directory, which must
// stay visible inside the sandbox for the worktree's .git file to resolve.
func (i *Info) GitDir() string {
	return filepath.Join(i.OriginalRepo, ".git")
}

// Create adds a worktree for repoRoot on a new branch ajail-<sessionID>,
// checked out at the current HEAD, under the system temp directory.
func Create(repoRoot, sessionID string) (*Info, error) {
	head, err := git(repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD of %s (is this a git repo with at least one commit?): %w", repoRoot, err)
	}

	branch := "ajail-" + sessionID
	path := filepath.Join(os.TempDir(), "ajail-worktree-"+sessionID)

	_, err = git(repoRoot, "worktree", "add", "-b", branch, path, head)
	if err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	return &Info{
		Path:         path,
		Branch:       branch,
		OriginalHead: head,
		OriginalRepo: repoRoot,
	}, nil
}

// HasChanges reports whether the session moved HEAD or left uncommitted
// changes in the worktree. Errors read as "no changes" so a broken worktree
// is cleaned up rather than prompted about.
func (i *Info) HasChanges() bool {
	head, err := git(i.Path, "rev-parse", "HEAD")
	if err != nil {
		return false
	}

	if head != i.OriginalHead {
		return true
	}

	status, err := git(i.Path, "status", "--porcelain")
	if err != nil {
		return false
	}

	return status != ""
}

// DiffSummary writes the session's commits and a diff stat against the
// original HEAD to w. Best-effort; git failures leave the summary partial.
func (i *Info) DiffSummary(w io.Writer) {
	commits, err := git(i.Path, "log", "--oneline", "--reverse", i.OriginalHead+"..HEAD")
	if err == nil && commits != "" {
		_, _ = fmt.Fprintln(w, commits)
	}

	stat, err := git(i.Path, "diff", "--stat", i.OriginalHead)
	if err == nil && stat != "" {
		_, _ = fmt.Fprintln(w, stat)
	}
}

// PromptAction asks the user on /dev/tty whether to merge or discard. The
// session may have left stdin in an arbitrary state, so the terminal is
// opened directly. When no terminal is available the changes are discarded.
func PromptAction(stderr io.Writer) Action {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "Cannot open /dev/tty for interactive prompt, discarding changes")

		return ActionDiscard
	}
	defer func() { _ = tty.Close() }()

	reader := bufio.NewReader(tty)

	for {
		_, _ = fmt.Fprint(tty, "\n[m]erge or [d]iscard? ")

		line, err := reader.ReadString('\n')
		if err != nil {
			return ActionDiscard
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "m", "merge":
			return ActionMerge
		case "d", "discard":
			return ActionDiscard
		default:
			_, _ = fmt.Fprintln(tty, "Please enter 'm' to merge or 'd' to discard.")
		}
	}
}

// Merge merges the session branch into the original repository's current
// branch (fast-forwarding when possible). On failure the worktree is left in
// place so the user can resolve by hand.
//
// A conflicted merge is left in progress in the original repository: the
// user resolves it with the normal status/add/commit flow, so aborting would
// throw away exactly the state they need. Only non-conflict failures (a
// dirty tree refusal, an unmergeable ref) are rolled back.
func (i *Info) Merge(stderr io.Writer) error {
	out, err := git(i.OriginalRepo, "merge", "--no-edit", i.Branch)
	if err != nil {
		if i.mergeInConflict() {
			return fmt.Errorf("merge has conflicts, resolve in %s (worktree preserved at %s)", i.OriginalRepo, i.Path)
		}

		// Undo any half-applied non-conflict merge so the original checkout
		// stays usable; for refusals that touched nothing the abort itself
		// fails and is ignored.
		_, _ = git(i.OriginalRepo, "merge", "--abort")

		return fmt.Errorf("merge branch %s (worktree preserved at %s): %w", i.Branch, i.Path, err)
	}

	if out != "" {
		_, _ = fmt.Fprintln(stderr, out)
	}

	_, _ = fmt.Fprintln(stderr, "Merged worktree changes into original branch.")

	return nil
}

// mergeInConflict reports whether the original repository has an in-progress
// merge with unmerged paths.
func (i *Info) mergeInConflict() bool {
	_, err := git(i.OriginalRepo, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	if err != nil {
		return false
	}

	unmerged, err := git(i.OriginalRepo, "diff", "--name-only", "--diff-filter=U")

	return err == nil && unmerged != ""
}

// Remove deletes the worktree and its branch. Best-effort: the worktree
// must be removed first, since git refuses to delete a branch that is
// checked out somewhere.
func (i *Info) Remove() {
	_, _ = git(i.OriginalRepo, "worktree", "remove", "--force", i.Path)
	_, _ = git(i.OriginalRepo, "branch", "-D", i.Branch)
}

// HandleCleanup runs the post-session flow: silent cleanup when nothing
// changed, otherwise show the diff summary, resolve the action (prompting if
// asked), and merge or discard.
func HandleCleanup(info *Info, action Action, stderr io.Writer) {
	if info == nil {
		return
	}

	if !info.HasChanges() {
		_, _ = fmt.Fprintln(stderr, "No changes made in worktree.")
		info.Remove()

		return
	}

	_, _ = fmt.Fprintln(stderr, "\n--- Worktree changes ---")
	info.DiffSummary(stderr)

	if action == ActionPrompt {
		action = PromptAction(stderr)
	}

	switch action {
	case ActionMerge:
		err := info.Merge(stderr)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "ajail:", err)

			return
		}

		info.Remove()
	case ActionDiscard, ActionPrompt:
		_, _ = fmt.Fprintln(stderr, "Discarding worktree changes.")
		info.Remove()
	}
}

// git runs a git subcommand in dir and returns its trimmed stdout.
func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir

	var stderr strings.Builder

	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), msg, err)
		}

		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(string(out)), nil
}
