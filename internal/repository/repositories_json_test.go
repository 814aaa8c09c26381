package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeGitRepo creates a directory that IsRepo recognizes without needing the
// git binary. Remote lookups fail and fall back to filesystem urls.
func fakeGitRepo(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(path, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestResolveDefaults(t *testing.T) {
	opts := RepositoriesJSONOptions{}
	if err := opts.ResolveDefaults("/library/ns/auth"); err != nil {
		t.Fatalf("ResolveDefaults failed: %v", err)
	}
	if opts.Namespace != "ns" {
		t.Errorf("Namespace = %s, want ns", opts.Namespace)
	}
	if opts.LibraryDir != "/library" {
		t.Errorf("LibraryDir = %s, want /library", opts.LibraryDir)
	}

	explicit := RepositoriesJSONOptions{Namespace: "other", LibraryDir: "/elsewhere"}
	if err := explicit.ResolveDefaults("/library/ns/auth"); err != nil {
		t.Fatal(err)
	}
	if explicit.Namespace != "other" || explicit.LibraryDir != "/elsewhere" {
		t.Error("explicit options should not be overridden")
	}
}

func TestGenerateRepositoriesJSON(t *testing.T) {
	tmpDir := t.TempDir()
	nsDir := filepath.Join(tmpDir, "library", "ns")
	authPath := filepath.Join(nsDir, "auth")
	fakeGitRepo(t, authPath)
	fakeGitRepo(t, filepath.Join(nsDir, "repo1"))
	fakeGitRepo(t, filepath.Join(nsDir, "repo2"))
	// Not a git repository; must be skipped.
	if err := os.MkdirAll(filepath.Join(nsDir, "scratch"), 0o755); err != nil {
		t.Fatal(err)
	}

	repo := Open(authPath, testConf())
	custom := map[string]json.RawMessage{
		"ns/repo1": json.RawMessage(`{"type": "html"}`),
	}
	rf, err := repo.GenerateRepositoriesJSON(context.Background(), RepositoriesJSONOptions{
		Custom: custom,
	})
	if err != nil {
		t.Fatalf("GenerateRepositoriesJSON failed: %v", err)
	}

	if len(rf.Repositories) != 2 {
		t.Fatalf("expected 2 repositories, got %d: %v", len(rf.Repositories), rf.Repositories)
	}
	if _, ok := rf.Repositories["ns/auth"]; ok {
		t.Error("authentication repository should not register itself")
	}
	entry, ok := rf.Repositories["ns/repo1"]
	if !ok {
		t.Fatal("missing ns/repo1 entry")
	}
	if len(entry.URLs) != 1 || !strings.HasSuffix(entry.URLs[0], "ns/repo1") {
		t.Errorf("unexpected urls for ns/repo1: %v", entry.URLs)
	}
	if string(entry.Custom) != `{"type": "html"}` {
		t.Errorf("custom data not carried: %s", entry.Custom)
	}

	// The file landed under targets/ and parses back.
	data, err := os.ReadFile(filepath.Join(authPath, TargetsDir, RepositoriesJSONFile))
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadRepositoriesFile(data)
	if err != nil {
		t.Fatalf("LoadRepositoriesFile failed: %v", err)
	}
	if len(loaded.Repositories) != 2 {
		t.Errorf("reloaded file has %d repositories", len(loaded.Repositories))
	}
}

func TestGenerateRepositoriesJSON_NoTargets(t *testing.T) {
	tmpDir := t.TempDir()
	authPath := filepath.Join(tmpDir, "library", "ns", "auth")
	fakeGitRepo(t, authPath)

	repo := Open(authPath, testConf())
	if _, err := repo.GenerateRepositoriesJSON(context.Background(), RepositoriesJSONOptions{}); err == nil {
		t.Error("expected error when no target repositories exist")
	}
}

func TestGenerateRepositoriesJSON_MirrorsNeedRemotes(t *testing.T) {
	tmpDir := t.TempDir()
	nsDir := filepath.Join(tmpDir, "library", "ns")
	authPath := filepath.Join(nsDir, "auth")
	fakeGitRepo(t, authPath)
	fakeGitRepo(t, filepath.Join(nsDir, "repo1"))

	repo := Open(authPath, testConf())
	_, err := repo.GenerateRepositoriesJSON(context.Background(), RepositoriesJSONOptions{
		UseMirrors: true,
	})
	if err == nil {
		t.Error("mirrors without remote urls should fail")
	}
}

func TestMirrorTemplate(t *testing.T) {
	cases := []struct {
		url, org, repo string
		want           string
	}{
		{"https://github.com/ns/repo1", "ns", "repo1",
			"https://github.com/{org_name}/{repo_name}"},
		{"https://example.com/x/y", "ns", "repo1", ""},
		{"", "ns", "repo1", ""},
	}
	for _, tc := range cases {
		if got := mirrorTemplate(tc.url, tc.org, tc.repo); got != tc.want {
			t.Errorf("mirrorTemplate(%q, %q, %q) = %q, want %q",
				tc.url, tc.org, tc.repo, got, tc.want)
		}
	}
}

func TestMirrorsURLsFor(t *testing.T) {
	mf := &MirrorsFile{Mirrors: []string{
		"https://github.com/{org_name}/{repo_name}",
		"git@gitlab.com:{org_name}/{repo_name}.git",
	}}
	urls := mf.URLsFor("ns/repo1")
	want := []string{
		"https://github.com/ns/repo1",
		"git@gitlab.com:ns/repo1.git",
	}
	if len(urls) != 2 || urls[0] != want[0] || urls[1] != want[1] {
		t.Errorf("URLsFor = %v, want %v", urls, want)
	}
}

func TestParseCustom(t *testing.T) {
	custom, err := ParseCustom(`{"ns/repo1": {"allow-unauthenticated-commits": true}}`)
	if err != nil {
		t.Fatalf("ParseCustom failed: %v", err)
	}
	if _, ok := custom["ns/repo1"]; !ok {
		t.Error("missing ns/repo1 custom entry")
	}

	path := filepath.Join(t.TempDir(), "custom.json")
	if err := os.WriteFile(path, []byte(`{"ns/repo2": {"type": "xml"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	custom, err = ParseCustom(path)
	if err != nil {
		t.Fatalf("ParseCustom from file failed: %v", err)
	}
	if _, ok := custom["ns/repo2"]; !ok {
		t.Error("missing ns/repo2 custom entry")
	}

	if custom, err := ParseCustom(""); err != nil || custom != nil {
		t.Errorf("empty input should yield nil, got %v, %v", custom, err)
	}
	if _, err := ParseCustom("not json"); err == nil {
		t.Error("expected error for malformed custom data")
	}
}
