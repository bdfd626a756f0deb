//go:build linux

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/f8thl3ss/ajail/sandbox"
	"github.com/f8thl3ss/ajail/worktree"
)

// ajailExecutableName is the canonical name of the ajail binary.
const ajailExecutableName = "ajail"

// Run is the main entry point. It isolates the entire logic from global
// state like stdin/stdout/stderr and env, and returns the exit code.
// sigCh can be nil if signal handling is not needed (e.g., in tests).
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	// Re-entry check first: when ajail re-executes itself into the new
	// namespaces, the child carries a hidden flag plus a JSON payload in the
	// environment and must not touch the normal CLI surface.
	//
	// See: child.go
	if len(args) > 1 && args[1] == childFlagName {
		return runChild(stderr, env)
	}

	flags := flag.NewFlagSet(ajailExecutableName, flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {}
	flags.SetOutput(&strings.Builder{})

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagVersion := flags.BoolP("version", "v", false, "Show version and exit")
	flagCheck := flags.Bool("check", false, "Check if running inside sandbox and exit")
	flagDebug := flags.Bool("debug", false, "Print sandbox startup details to stderr")
	flagClaudeConfigDir := flags.String("claude-config-dir", "", "Use `dir` as the agent config directory")

	defineOptionFlags(flags)

	err := flags.Parse(args[1:])
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		printUsage(stderr)

		return 1
	}

	if *flagVersion {
		fprintf(stdout, "%s\n", formatVersion())

		return 0
	}

	if *flagHelp {
		printUsage(stdout)

		return 0
	}

	if *flagCheck {
		if sandbox.InNamespace() || env[sandboxMarkerEnvVar] != "" {
			fprintln(stdout, "inside sandbox")

			return 0
		}

		fprintln(stdout, "outside sandbox")

		return 1
	}

	err = checkPlatformPrerequisites()
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	fileCfg := LoadFileConfig(env, stderr)

	opts, err := mergeOptions(flags, fileCfg)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	agentPath, err := exec.LookPath(opts.Command)
	if err != nil {
		fprintError(stderr, fmt.Errorf("agent command %q not found in PATH: %w", opts.Command, err))

		return 1
	}

	workDir, err := os.Getwd()
	if err != nil {
		fprintError(stderr, fmt.Errorf("cannot get working directory: %w", err))

		return 1
	}

	paths, err := derivePaths(env, workDir, *flagClaudeConfigDir)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	var debug *DebugLogger
	if *flagDebug {
		debug = NewDebugLogger(stderr)
		debug.Version(formatVersion())
	}

	// A worktree session swaps the repo root for a throwaway checkout under
	// the temp dir. The original repository's .git directory must stay
	// visible so the worktree's .git file keeps resolving.
	var wt *worktree.Info

	if opts.Worktree {
		wt, err = worktree.Create(paths.RepoRoot, sessionID())
		if err != nil {
			fprintError(stderr, fmt.Errorf("creating worktree: %w", err))

			return 1
		}

		paths = paths.forWorktree(wt, workDir)
	}

	sandboxCfg := sandbox.SandboxConfig{
		Home:             paths.Home,
		ClaudeConfig:     paths.ClaudeConfig,
		ClaudeConfigDest: paths.ClaudeConfigDest,
		ClaudeJSON:       paths.ClaudeJSON,
		ShareTree:        paths.ShareTree,
		RepoRoot:         paths.RepoRoot,
		ProjectDir:       paths.ProjectDir,
		OriginalGitDir:   paths.OriginalGitDir,
		Options:          opts.Options,
	}

	debug.Config(&fileCfg, &opts)
	debug.Paths(&sandboxCfg, wt)

	agentArgs := buildAgentArgs(opts, flags.Args())

	spec := childSpec{
		Sandbox:            sandboxCfg,
		AgentPath:          agentPath,
		AgentArgs:          agentArgs,
		SetClaudeConfigDir: paths.SetClaudeConfigDir,
		Debug:              *flagDebug,
	}

	exitCode, err := runSession(&spec, stdin, stdout, stderr, env, sigCh)
	if err != nil {
		fprintError(stderr, err)

		if wt != nil {
			worktree.HandleCleanup(wt, opts.WorktreeAction, stderr)
		}

		return 1
	}

	if wt != nil {
		worktree.HandleCleanup(wt, opts.WorktreeAction, stderr)
	}

	return exitCode
}

// defineOptionFlags registers the flags that participate in option merging
// with the config file (see mergeOptions).
func defineOptionFlags(flags *flag.FlagSet) {
	flags.Bool("worktree", false, "Run the session in a disposable git worktree")
	flags.String("worktree-action", "", "What to do with worktree changes (prompt|merge|discard)")
	flags.Bool("allow-ssh-agent", false, "Expose the SSH agent socket")
	flags.Bool("allow-gpg-agent", false, "Expose the GPG agent directory")
	flags.Bool("allow-xdg-runtime", false, "Expose the whole XDG runtime directory read-only")
	flags.Bool("allow-docker", false, "Do not mask the docker socket")
	flags.Bool("allow-unix-sockets", false, "Do not block creation of new unix sockets")
	flags.String("command", "", "Agent command to launch (default: claude)")
	flags.Bool("dangerously-skip-permissions", false, "Pass --dangerously-skip-permissions to the agent")
}

// buildAgentArgs assembles the guest argv: the agent's command name,
// any ajail-driven flags, and passthrough args given after the ajail flags.
func buildAgentArgs(opts options, passthrough []string) []string {
	args := []string{opts.Command}
	if opts.DangerouslySkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	return append(args, passthrough...)
}

// runSession re-executes ajail into fresh user+mount namespaces and waits
// for the sandboxed agent to exit. Signals arriving while waiting are
// forwarded to the child.
func runSession(spec *childSpec, stdin io.Reader, stdout, stderr io.Writer, env map[string]string, sigCh <-chan os.Signal) (int, error) {
	payload, err := spec.encode()
	if err != nil {
		return 1, err
	}

	cmd := exec.Command("/proc/self/exe", childFlagName)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = sandbox.NamespaceAttrs(os.Getuid(), os.Getgid())

	cmd.Env = make([]string, 0, len(env)+1)
	for k, v := range env {
		if k == childSpecEnvVar {
			continue
		}

		cmd.Env = append(cmd.Env, k+"="+v)
	}

	cmd.Env = append(cmd.Env, childSpecEnvVar+"="+payload)

	err = cmd.Start()
	if err != nil {
		return 1, fmt.Errorf("starting sandbox child (are unprivileged user namespaces enabled?): %w", err)
	}

	done := make(chan error, 1)

	go func() { done <- cmd.Wait() }()

	for {
		select {
		case waitErr := <-done:
			return exitCodeFromWait(cmd, waitErr)
		case sig, ok := <-sigCh:
			if !ok {
				sigCh = nil

				continue
			}

			// The interactive agent owns the terminal; it already receives
			// tty-generated signals. Forward ours for the non-tty case and
			// keep waiting so worktree cleanup still runs.
			_ = cmd.Process.Signal(sig)
		}
	}
}

// exitCodeFromWait maps a finished child process to an exit code:
// passthrough for normal exits, 128+signal for signal deaths.
func exitCodeFromWait(cmd *exec.Cmd, waitErr error) (int, error) {
	if cmd.ProcessState != nil {
		status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
		if ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}

		return 1, fmt.Errorf("waiting for sandbox child: %w", waitErr)
	}

	return 0, nil
}

const usageHelp = `ajail - run an AI coding agent in a throwaway filesystem sandbox

Usage: ajail [flags] [-- agent args]

The agent runs inside a new user+mount namespace in which $HOME and /tmp are
replaced by empty in-memory filesystems. Only the project repository, the
surrounding share tree (read-only), and the agent's own configuration stay
visible.

Flags:
  -h, --help                          Show help
  -v, --version                       Show version and exit
      --check                         Check if running inside sandbox and exit
      --debug                         Print sandbox startup details to stderr
      --worktree                      Run the session in a disposable git worktree
      --worktree-action <action>      prompt (default), merge, or discard
      --allow-ssh-agent               Expose the SSH agent socket
      --allow-gpg-agent               Expose the GPG agent directory
      --allow-xdg-runtime             Expose the XDG runtime directory read-only
      --allow-docker                  Do not mask the docker socket
      --allow-unix-sockets            Do not block creation of new unix sockets
      --claude-config-dir <dir>       Use <dir> as the agent config directory
      --command <name>                Agent command to launch (default: claude)
      --dangerously-skip-permissions  Pass --dangerously-skip-permissions to the agent

Examples:
  ajail
  ajail --worktree
  ajail --allow-ssh-agent --command claude
  ajail --check`

func printUsage(output io.Writer) {
	fprintln(output, usageHelp)
}

func fprintln(out io.Writer, a ...any) {
	_, _ = fmt.Fprintln(out, a...)
}

func fprintf(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}

func fprintError(out io.Writer, err error) {
	if isTerminal() {
		fprintln(out, "\033[31majail: error:\033[0m", err)
	} else {
		fprintln(out, "ajail: error:", err)
	}
}

func formatVersion() string {
	if version == "source" {
		return fmt.Sprintf("ajail (built from source, %s)", date)
	}

	return fmt.Sprintf("ajail %s (%s, %s)", version, commit, date)
}

func isTerminal() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}

	return (stat.Mode() & os.ModeCharDevice) != 0
}

func checkPlatformPrerequisites() error {
	if runtime.GOOS != "linux" {
		return errors.New("checking platform prerequisites: requires Linux (the sandbox uses Linux namespaces)")
	}

	if os.Getuid() == 0 {
		return errors.New("checking platform prerequisites: cannot run as root (use a regular user account)")
	}

	return nil
}
