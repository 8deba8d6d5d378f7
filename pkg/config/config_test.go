package config

import (
	"path/filepath"
	"testing"
)

func TestResolve_EnvOverride(t *testing.T) {
	t.Setenv(EnvDirOverride, "/custom/agent/dir")
	dir, err := Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if dir.Root != "/custom/agent/dir" {
		t.Fatalf("expected override root, got %q", dir.Root)
	}
}

func TestResolve_DefaultsUnderHome(t *testing.T) {
	t.Setenv(EnvDirOverride, "")
	dir, err := Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir.Root) != ".agentcore" {
		t.Fatalf("expected root to end in .agentcore, got %q", dir.Root)
	}
}

func TestDir_DerivedPaths(t *testing.T) {
	d := Dir{Root: "/tmp/agentroot"}
	if d.AuthPath() != "/tmp/agentroot/auth.json" {
		t.Fatalf("unexpected AuthPath: %s", d.AuthPath())
	}
	if d.SettingsPath() != "/tmp/agentroot/settings.json" {
		t.Fatalf("unexpected SettingsPath: %s", d.SettingsPath())
	}
	if d.ModelsPath() != "/tmp/agentroot/models.json" {
		t.Fatalf("unexpected ModelsPath: %s", d.ModelsPath())
	}
}

func TestSessionsDir_EncodesCwdAndCreatesDir(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	dir, err := d.SessionsDir("/home/user/my-project")
	if err != nil {
		t.Fatal(err)
	}

	base := filepath.Base(dir)
	if base != "--home-user-my-project--" {
		t.Fatalf("unexpected encoded cwd dir name: %q", base)
	}
}

func TestSessionsDir_DifferentCwdsDontCollide(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	a, err := d.SessionsDir("/home/user/project-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.SessionsDir("/home/user/project-b")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("expected distinct sessions dirs for distinct cwds, got %q for both", a)
	}
}
