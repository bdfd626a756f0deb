//go:build linux

package main

import (
	"fmt"
	"io"

	"github.com/f8thl3ss/ajail/sandbox"
	"github.com/f8thl3ss/ajail/worktree"
)

// DebugLogger provides structured debug output for sandbox startup.
// All methods are no-ops on a nil receiver or when output is nil.
type DebugLogger struct {
	output io.Writer
}

// NewDebugLogger creates a new debug logger writing to output.
func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{output: output}
}

func (d *DebugLogger) enabled() bool {
	return d != nil && d.output != nil
}

// Section outputs a section header.
func (d *DebugLogger) Section(name string) {
	if !d.enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, "\n=== %s ===\n", name)
}

// Logf outputs a formatted debug message.
func (d *DebugLogger) Logf(format string, args ...any) {
	if !d.enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, format+"\n", args...)
}

// Bulletf outputs an indented bullet point item.
func (d *DebugLogger) Bulletf(format string, args ...any) {
	if !d.enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  • "+format+"\n", args...)
}

// Version outputs the version banner.
func (d *DebugLogger) Version(v string) {
	if !d.enabled() {
		return
	}

	d.Section("Version")
	d.Logf("%s", v)
}

// Config outputs the merged option set.
func (d *DebugLogger) Config(file *FileConfig, opts *options) {
	if !d.enabled() {
		return
	}

	d.Section("Options")
	d.Bulletf("command: %s", opts.Command)
	d.Bulletf("worktree: %t", opts.Worktree)
	d.Bulletf("allowSshAgent: %t", opts.AllowSSHAgent)
	d.Bulletf("allowGpgAgent: %t", opts.AllowGPGAgent)
	d.Bulletf("allowXdgRuntime: %t", opts.AllowXDGRuntime)
	d.Bulletf("allowDocker: %t", opts.AllowDocker)
	d.Bulletf("allowUnixSockets: %t", opts.AllowUnixSockets)
	d.Bulletf("file config worktreeAction: %q", file.WorktreeAction)
}

// Paths outputs the derived sandbox layout.
func (d *DebugLogger) Paths(cfg *sandbox.SandboxConfig, wt *worktree.Info) {
	if !d.enabled() {
		return
	}

	d.Section("Sandbox layout")
	d.Bulletf("home: %s", cfg.Home)
	d.Bulletf("repo root: %s", cfg.RepoRoot)
	d.Bulletf("project dir: %s", cfg.ProjectDir)
	d.Bulletf("share tree: %s", cfg.ShareTree)
	d.Bulletf("claude config: %s -> %s", cfg.ClaudeConfig, cfg.ClaudeConfigDest)
	d.Bulletf("claude json: %s", cfg.ClaudeJSON)

	if cfg.OriginalGitDir != "" {
		d.Bulletf("original git dir: %s", cfg.OriginalGitDir)
	}

	if wt != nil {
		d.Bulletf("worktree: %s (branch %s from %s)", wt.Path, wt.Branch, wt.OriginalHead[:min(8, len(wt.OriginalHead))])
	}
}
