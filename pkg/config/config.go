// Package config resolves the agent data directory and its documented
// subpaths (spec.md §6 "Environment variables"): sessions/, auth.json,
// settings.json, models.json, all derived from one root directory that
// defaults to a user-config location and can be overridden by environment
// variable.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvDirOverride is the environment variable spec.md §6 names generically
// as "<APP>_CODING_AGENT_DIR"; this build's app prefix is AGENTCORE.
const EnvDirOverride = "AGENTCORE_CODING_AGENT_DIR"

// EnvPackageDirOverride overrides the directory templates and other
// package-local assets are read from, independent of the data directory.
const EnvPackageDirOverride = "AGENTCORE_PACKAGE_DIR"

// Dir is the resolved agent data directory and its derived subpaths.
type Dir struct {
	Root string
}

// Resolve determines the agent data directory: EnvDirOverride if set,
// otherwise "~/.agentcore".
func Resolve() (Dir, error) {
	if override := os.Getenv(EnvDirOverride); override != "" {
		return Dir{Root: override}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Dir{}, err
	}
	return Dir{Root: filepath.Join(home, ".agentcore")}, nil
}

// PackageDir resolves the template/asset directory override, defaulting to
// the executable's own directory when unset.
func PackageDir() string {
	if override := os.Getenv(EnvPackageDirOverride); override != "" {
		return override
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// AuthPath is where provider credentials are persisted.
func (d Dir) AuthPath() string { return filepath.Join(d.Root, "auth.json") }

// SettingsPath is where user-level settings are persisted.
func (d Dir) SettingsPath() string { return filepath.Join(d.Root, "settings.json") }

// ModelsPath is where the model registry cache is persisted.
func (d Dir) ModelsPath() string { return filepath.Join(d.Root, "models.json") }

// SessionsDir returns the per-cwd sessions directory for cwd, encoding it
// as "--<cwd-with-slashes-and-colons-as-dashes>--" per spec.md §6, and
// ensures it exists.
func (d Dir) SessionsDir(cwd string) (string, error) {
	dir := filepath.Join(d.Root, "sessions", encodeCwd(cwd))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func encodeCwd(cwd string) string {
	replaced := strings.NewReplacer("/", "-", ":", "-", "\\", "-").Replace(cwd)
	return "--" + strings.Trim(replaced, "-") + "--"
}
