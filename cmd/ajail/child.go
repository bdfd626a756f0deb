//go:build linux

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/f8thl3ss/ajail/sandbox"
)

const (
	// childFlagName marks the re-exec'd namespace child. Hidden from help.
	childFlagName = "--internal-child"

	// childSpecEnvVar carries the JSON-encoded childSpec from parent to
	// child. Stripped from the guest environment.
	childSpecEnvVar = "AJAIL_CHILD_SPEC"

	// sandboxMarkerEnvVar marks the guest environment so tools (and
	// `ajail --check`) can tell they are inside the sandbox.
	sandboxMarkerEnvVar = "AJAIL"
)

// childSpec is everything the re-exec'd child needs to finish the job: the
// sandbox layout, the agent to exec, and the guest environment tweaks.
type childSpec struct {
	Sandbox            sandbox.SandboxConfig `json:"sandbox"`
	AgentPath          string                `json:"agentPath"`
	AgentArgs          []string              `json:"agentArgs"`
	SetClaudeConfigDir bool                  `json:"setClaudeConfigDir"`
	Debug              bool                  `json:"debug"`
}

func (s *childSpec) encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding child spec: %w", err)
	}

	return string(data), nil
}

// runChild is the namespace half of the launcher. The process is already
// inside fresh user+mount namespaces (the parent supplied the clone flags and
// identity maps); what remains is the mount composition, the chdir into the
// project, the seccomp filter, and the exec. Returns only on failure.
func runChild(stderr io.Writer, env map[string]string) int {
	payload := env[childSpecEnvVar]
	if payload == "" {
		fprintln(stderr, "ajail: internal child invoked without", childSpecEnvVar)

		return 1
	}

	var spec childSpec

	err := json.Unmarshal([]byte(payload), &spec)
	if err != nil {
		fprintln(stderr, "ajail: decoding child spec:", err)

		return 1
	}

	// The seccomp filter attaches to the installing thread and must be the
	// one that execs; pin everything that follows to this thread.
	runtime.LockOSThread()

	cfg := spec.Sandbox
	cfg.Warnf = func(format string, args ...any) {
		fprintf(stderr, "ajail: "+format+"\n", args...)
	}

	if spec.Debug {
		cfg.Debugf = func(format string, args ...any) {
			fprintf(stderr, "ajail(debug): "+format+"\n", args...)
		}
	}

	err = sandbox.SetupNamespace(&cfg, sandbox.Environment{UID: unix.Getuid(), HostEnv: env})
	if err != nil {
		fprintln(stderr, "ajail: failed to set up sandbox:", err)

		return 1
	}

	err = unix.Chdir(cfg.ProjectDir)
	if err != nil {
		fprintln(stderr, "ajail: failed to chdir to project:", err)

		return 1
	}

	if !cfg.Options.AllowUnixSockets {
		err = sandbox.BlockUnixSockets()
		if err != nil {
			fprintln(stderr, "ajail:", err)

			return 1
		}
	}

	guestEnv := buildGuestEnv(env, &spec, cfg.ClaudeConfigDest)

	err = unix.Exec(spec.AgentPath, spec.AgentArgs, guestEnv)
	fprintln(stderr, "ajail: failed to exec agent:", err)

	return 1
}

// buildGuestEnv derives the guest environment from the host one: the child
// payload is stripped, the sandbox marker is set, and CLAUDE_CONFIG_DIR
// either points at the in-sandbox config destination or is removed.
func buildGuestEnv(env map[string]string, spec *childSpec, configDest string) []string {
	guest := make(map[string]string, len(env)+2)

	for k, v := range env {
		guest[k] = v
	}

	delete(guest, childSpecEnvVar)
	guest[sandboxMarkerEnvVar] = "1"

	if spec.SetClaudeConfigDir {
		guest["CLAUDE_CONFIG_DIR"] = configDest
	} else {
		delete(guest, "CLAUDE_CONFIG_DIR")
	}

	keys := make([]string, 0, len(guest))
	for k := range guest {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+guest[k])
	}

	return out
}
