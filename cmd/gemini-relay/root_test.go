package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfigPath_PrefersCfgFileFlag(t *testing.T) {
	orig := cfgFile
	defer func() { cfgFile = orig }()

	cfgFile = "/explicit/path/config.yaml"
	if got := resolveConfigPath(); got != cfgFile {
		t.Errorf("resolveConfigPath() = %q, want %q", got, cfgFile)
	}
}

func TestFindConfigFile_CurrentDirectory(t *testing.T) {
	orig := cfgFile
	cfgFile = ""
	defer func() { cfgFile = orig }()

	t.Chdir(t.TempDir())
	if err := os.WriteFile(defaultConfigFile, []byte("keys:\n  api_keys: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got := resolveConfigPath()
	if got != defaultConfigFile {
		t.Errorf("resolveConfigPath() = %q, want %q", got, defaultConfigFile)
	}
}

func TestFindConfigFile_FallsBackToDefaultWhenNotFound(t *testing.T) {
	orig := cfgFile
	cfgFile = ""
	defer func() { cfgFile = orig }()

	t.Chdir(t.TempDir())

	// No HOME config either - point HOME somewhere empty so the
	// user-config-dir branch also misses.
	t.Setenv("HOME", t.TempDir())

	got := findConfigFile()
	if got != defaultConfigFile {
		t.Errorf("findConfigFile() = %q, want %q", got, defaultConfigFile)
	}
}

func TestFindConfigFile_UserConfigDirectory(t *testing.T) {
	orig := cfgFile
	cfgFile = ""
	defer func() { cfgFile = orig }()

	t.Chdir(t.TempDir())

	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".config", "gemini-relay")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	wantPath := filepath.Join(configDir, defaultConfigFile)
	if err := os.WriteFile(wantPath, []byte("keys:\n  api_keys: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got := findConfigFile()
	if got != wantPath {
		t.Errorf("findConfigFile() = %q, want %q", got, wantPath)
	}
}
