package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCategoryFileLogging(t *testing.T) {
	home := t.TempDir()
	if err := Initialize(home, false); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer Initialize("", false)

	log := Get(CategoryUpdater)
	log.Info("validated %d commits", 7)
	log.Debug("debug detail %s", "x")
	Sync()

	data, err := os.ReadFile(filepath.Join(home, "logs", "updater.log"))
	if err != nil {
		t.Fatalf("expected updater log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "validated 7 commits") {
		t.Errorf("log file missing info message:\n%s", content)
	}
	if !strings.Contains(content, "debug detail x") {
		t.Errorf("file core should log debug messages:\n%s", content)
	}
	if !strings.Contains(content, `"cat":"updater"`) {
		t.Errorf("log entries should carry the category field:\n%s", content)
	}
}

func TestGetReturnsSameLogger(t *testing.T) {
	if err := Initialize("", false); err != nil {
		t.Fatal(err)
	}
	first := Get(CategoryGit)
	second := Get(CategoryGit)
	if first != second {
		t.Error("Get should return one logger per category")
	}
	if Get(CategoryRepo) == first {
		t.Error("distinct categories should get distinct loggers")
	}
}

func TestInitializeResetsLoggers(t *testing.T) {
	homeA := t.TempDir()
	if err := Initialize(homeA, false); err != nil {
		t.Fatal(err)
	}
	before := Get(CategoryCache)

	homeB := t.TempDir()
	if err := Initialize(homeB, true); err != nil {
		t.Fatal(err)
	}
	defer Initialize("", false)

	after := Get(CategoryCache)
	if before == after {
		t.Error("re-initialization should rebuild category loggers")
	}
	after.Info("hello")
	Sync()
	if _, err := os.Stat(filepath.Join(homeB, "logs", "cache.log")); err != nil {
		t.Errorf("expected cache log under the new home: %v", err)
	}

	// Files from the previous initialization were closed; a logger held
	// over from before the reset must not reach its old file anymore.
	before.Info("stale message")
	data, err := os.ReadFile(filepath.Join(homeA, "logs", "cache.log"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "stale message") {
		t.Error("logger from a previous initialization still writes to its old file")
	}
}
