package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/httprunner/EmuAgent/internal/routine"
)

func TestLoadLibraryBuiltinsOnly(t *testing.T) {
	lib, err := loadLibrary("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := lib[routine.NameRepair]; ok {
		t.Fatalf("repair routine must not be startable from the library")
	}
	if len(lib) != len(routine.Builtins()) {
		t.Fatalf("expected built-ins only, got %v", routine.Names(lib))
	}
}

func TestLoadLibraryOverlaysTables(t *testing.T) {
	dir := t.TempDir()
	body := `
routines:
  - name: farm
    description: tap the field once
    steps:
      - name: tap-field
        act:
          kind: tap
          x: 100
          y: 200
`
	if err := os.WriteFile(filepath.Join(dir, "farm.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write table: %v", err)
	}
	lib, err := loadLibrary(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r, ok := lib["farm"]; !ok || len(r.Steps) != 1 {
		t.Fatalf("farm routine missing: %v", routine.Names(lib))
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", " b ", "c"); got != "b" {
		t.Fatalf("got %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Fatalf("got %q", got)
	}
}
