//go:build linux

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/f8thl3ss/ajail/sandbox"
	"github.com/f8thl3ss/ajail/worktree"
)

// FileConfig is the on-disk configuration, loaded from
// $XDG_CONFIG_HOME/ajail/config.json or config.jsonc (default
// ~/.config/ajail/). Both extensions support comments via hujson.
type FileConfig struct {
	AllowSSHAgent    bool   `json:"allowSshAgent"`
	AllowGPGAgent    bool   `json:"allowGpgAgent"`
	AllowXDGRuntime  bool   `json:"allowXdgRuntime"`
	AllowDocker      bool   `json:"allowDocker"`
	AllowUnixSockets bool   `json:"allowUnixSockets"`
	Worktree         bool   `json:"worktree"`
	WorktreeAction   string `json:"worktreeAction,omitempty"`
	Command          string `json:"command,omitempty"`
}

// LoadFileConfig loads the config file if present. A missing file yields
// defaults; an unreadable or unparsable file yields defaults plus a warning,
// so a broken config never blocks a session.
func LoadFileConfig(env map[string]string, stderr io.Writer) FileConfig {
	base := configBasePath(env)
	if base == "" {
		return FileConfig{}
	}

	path, err := findConfigFile(base)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fprintf(stderr, "ajail: warning: %v\n", err)
		}

		return FileConfig{}
	}

	cfg, err := parseConfigFile(path)
	if err != nil {
		fprintf(stderr, "ajail: warning: %v\n", err)

		return FileConfig{}
	}

	return cfg
}

// configBasePath returns the config path without extension.
func configBasePath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "ajail", "config")
	}

	home := env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".config", "ajail", "config")
}

// findConfigFile checks for both .json and .jsonc at basePath and returns an
// error if both exist. Returns os.ErrNotExist when neither does.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists := fileExists(jsonPath)
	jsoncExists := fileExists(jsoncPath)

	if jsonExists && jsoncExists {
		return "", fmt.Errorf("duplicate config files found: both %s and %s exist; remove one", jsonPath, jsoncPath)
	}

	if jsonExists {
		return jsonPath, nil
	}

	if jsoncExists {
		return jsoncPath, nil
	}

	return "", os.ErrNotExist
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}

// parseConfigFile loads and parses a JSON/JSONC config file. Unknown fields
// are rejected so typos surface instead of silently doing nothing.
func parseConfigFile(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return FileConfig{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg FileConfig

	decoder := json.NewDecoder(bytes.NewReader(standardized))
	decoder.DisallowUnknownFields()

	err = decoder.Decode(&cfg)
	if err != nil {
		return FileConfig{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// options is the fully merged runtime configuration.
type options struct {
	sandbox.Options

	Worktree                   bool
	WorktreeAction             worktree.Action
	Command                    string
	DangerouslySkipPermissions bool
}

// defaultAgentCommand is the hard-coded fallback when neither the CLI nor
// the config file names an agent command.
const defaultAgentCommand = "claude"

// mergeOptions combines CLI flags with file-loaded defaults. Boolean options
// are OR'ed (either source can enable a capability); the command string falls
// back CLI -> file -> hard-coded default, as does the worktree action.
func mergeOptions(flags *flag.FlagSet, file FileConfig) (options, error) {
	boolFlag := func(name string) bool {
		v, _ := flags.GetBool(name)

		return v
	}

	opts := options{
		Options: sandbox.Options{
			AllowSSHAgent:    boolFlag("allow-ssh-agent") || file.AllowSSHAgent,
			AllowGPGAgent:    boolFlag("allow-gpg-agent") || file.AllowGPGAgent,
			AllowXDGRuntime:  boolFlag("allow-xdg-runtime") || file.AllowXDGRuntime,
			AllowDocker:      boolFlag("allow-docker") || file.AllowDocker,
			AllowUnixSockets: boolFlag("allow-unix-sockets") || file.AllowUnixSockets,
		},
		Worktree:                   boolFlag("worktree") || file.Worktree,
		DangerouslySkipPermissions: boolFlag("dangerously-skip-permissions"),
	}

	opts.Command, _ = flags.GetString("command")
	if opts.Command == "" {
		opts.Command = file.Command
	}

	if opts.Command == "" {
		opts.Command = defaultAgentCommand
	}

	actionValue, _ := flags.GetString("worktree-action")
	if actionValue == "" {
		actionValue = file.WorktreeAction
	}

	action, err := worktree.ParseAction(actionValue)
	if err != nil {
		return options{}, err
	}

	opts.WorktreeAction = action

	return opts, nil
}
