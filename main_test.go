package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunFailsWhenLibraryMissing(t *testing.T) {
	// Resolution failures are fatal before anything attaches, so this
	// path needs no kernel support.
	cfgPath := filepath.Join(t.TempDir(), "tracer.yaml")
	content := `
library_paths:
  - /nonexistent/libmylib.so
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := run([]string{"-config", cfgPath}); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestRunRejectsExtraArguments(t *testing.T) {
	if code := run([]string{"out.txt", "extra"}); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestRunFailsOnBadConfigFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(cfgPath, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := run([]string{"-config", cfgPath}); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}
