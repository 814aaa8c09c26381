package updater

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"taf/internal/cache"
	"taf/internal/config"
	"taf/internal/gitrepo"
	"taf/internal/metadata"
	"taf/internal/repository"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func testConf() *config.Config {
	conf := config.DefaultConfig()
	conf.Signing.DefaultScheme = metadata.SchemeEd25519
	return conf
}

// originFixture is a fully initialized authentication repository with one
// pinned target repository, living in its own library directory.
type originFixture struct {
	conf       *config.Config
	libraryDir string
	authPath   string
	targetHead string
}

func newOriginFixture(t *testing.T) *originFixture {
	t.Helper()
	requireGit(t)
	ctx := context.Background()
	conf := testConf()
	tmpDir := t.TempDir()

	libraryDir := filepath.Join(tmpDir, "origin-library")
	nsDir := filepath.Join(libraryDir, "ns")
	authPath := filepath.Join(nsDir, "auth")

	targetPath := filepath.Join(nsDir, "repo1")
	target, err := gitrepo.Init(ctx, targetPath, "main")
	if err != nil {
		t.Fatalf("target git init failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(targetPath, "content.txt"), []byte("data\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	targetHead, err := target.CommitAll(ctx, "initial content")
	if err != nil {
		t.Fatalf("target commit failed: %v", err)
	}

	_, err = repository.Initialize(ctx, authPath, conf, repository.InitializeOptions{
		Create: repository.CreateOptions{
			KeysDescription: config.DefaultKeysDescription(metadata.SchemeEd25519),
			KeystoreDir:     filepath.Join(tmpDir, "keystore"),
			Commit:          true,
		},
		AddBranch: true,
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	return &originFixture{
		conf:       conf,
		libraryDir: libraryDir,
		authPath:   authPath,
		targetHead: targetHead,
	}
}

func TestValidate(t *testing.T) {
	fix := newOriginFixture(t)

	res, err := Validate(context.Background(), Settings{
		AuthPath: fix.authPath,
		Conf:     fix.conf,
	})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.CommitsValidated != 2 {
		t.Errorf("expected 2 validated commits, got %d", res.CommitsValidated)
	}
	if res.RunID == "" {
		t.Error("expected a run id")
	}
	if len(res.Targets) != 1 {
		t.Fatalf("expected 1 target status, got %d", len(res.Targets))
	}
	status := res.Targets[0]
	if status.Name != "ns/repo1" || status.Action != "validated" {
		t.Errorf("unexpected target status: %+v", status)
	}
	if status.Commit != fix.targetHead {
		t.Errorf("target pinned at %s, want %s", status.Commit, fix.targetHead)
	}
}

func TestValidate_TamperedTargetFile(t *testing.T) {
	fix := newOriginFixture(t)
	ctx := context.Background()

	// Rewrite the pinned target file without re-signing metadata.
	pinPath := filepath.Join(fix.authPath, repository.TargetsDir, "ns", "repo1")
	if err := os.WriteFile(pinPath,
		[]byte(`{"commit": "0000000000000000000000000000000000000000"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := gitrepo.New(fix.authPath).CommitAll(ctx, "repin target"); err != nil {
		t.Fatal(err)
	}

	_, err := Validate(ctx, Settings{AuthPath: fix.authPath, Conf: fix.conf})
	if err == nil || !strings.Contains(err.Error(), "mismatch") {
		t.Errorf("expected target file mismatch, got %v", err)
	}
	var ue *UpdateError
	if !errors.As(err, &ue) || ue.Op != "validation" {
		t.Errorf("expected a validation UpdateError, got %T", err)
	}
}

func TestValidate_DeletedTargetFile(t *testing.T) {
	fix := newOriginFixture(t)
	ctx := context.Background()

	// Delete the pinned target file without re-signing metadata; the signed
	// entry for it must still be enforced.
	pinPath := filepath.Join(fix.authPath, repository.TargetsDir, "ns", "repo1")
	if err := os.Remove(pinPath); err != nil {
		t.Fatal(err)
	}
	if _, err := gitrepo.New(fix.authPath).CommitAll(ctx, "drop target"); err != nil {
		t.Fatal(err)
	}

	_, err := Validate(ctx, Settings{AuthPath: fix.authPath, Conf: fix.conf})
	if err == nil || !strings.Contains(err.Error(), "missing from the commit") {
		t.Errorf("expected missing target file error, got %v", err)
	}
}

func TestUpdate_FreshCloneAndResume(t *testing.T) {
	fix := newOriginFixture(t)
	ctx := context.Background()

	store, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	clientLib := filepath.Join(t.TempDir(), "client-library")
	st := Settings{
		URL:        fix.authPath,
		LibraryDir: clientLib,
		FromFS:     true,
		Cache:      store,
		Conf:       fix.conf,
	}

	res, err := Update(ctx, st)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if res.CommitsValidated != 2 {
		t.Errorf("expected 2 validated commits on fresh clone, got %d", res.CommitsValidated)
	}

	clientAuth := filepath.Join(clientLib, "ns", "auth")
	if !gitrepo.IsRepo(clientAuth) {
		t.Fatal("authentication repository was not cloned")
	}
	head, err := gitrepo.New(clientAuth).Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head != res.HeadCommit {
		t.Errorf("client head %s != validated head %s", head, res.HeadCommit)
	}

	// The pinned target repository was cloned and checked out at its pin.
	clientTarget := filepath.Join(clientLib, "ns", "repo1")
	if !gitrepo.IsRepo(clientTarget) {
		t.Fatal("target repository was not cloned")
	}
	targetHead, err := gitrepo.New(clientTarget).Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if targetHead != fix.targetHead {
		t.Errorf("target head %s != pinned commit %s", targetHead, fix.targetHead)
	}
	if len(res.Targets) != 1 || res.Targets[0].Action != "cloned" {
		t.Errorf("unexpected target statuses: %+v", res.Targets)
	}

	// The validated head is cached under the url.
	cached, err := store.LastValidated(fix.authPath)
	if err != nil {
		t.Fatal(err)
	}
	if cached != res.HeadCommit {
		t.Errorf("cached commit %s, want %s", cached, res.HeadCommit)
	}

	// A second run resumes from the cache: nothing new to validate.
	res2, err := Update(ctx, st)
	if err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	if res2.CommitsValidated != 0 {
		t.Errorf("resumed run validated %d commits, want 0", res2.CommitsValidated)
	}
	if len(res2.Targets) != 1 || res2.Targets[0].Action != "up-to-date" {
		t.Errorf("unexpected target statuses on resume: %+v", res2.Targets)
	}

	// Both runs are in the audit log, newest first.
	runs, err := store.RecentRuns(fix.authPath, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 recorded runs, got %d", len(runs))
	}
	for _, run := range runs {
		if !run.Successful {
			t.Errorf("run %s recorded as failed: %s", run.RunID, run.Error)
		}
	}
}

func TestUpdate_RejectsRewoundRemote(t *testing.T) {
	fix := newOriginFixture(t)
	ctx := context.Background()

	store, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	st := Settings{
		URL:        fix.authPath,
		LibraryDir: filepath.Join(t.TempDir(), "client-library"),
		FromFS:     true,
		Cache:      store,
		Conf:       fix.conf,
	}
	res, err := Update(ctx, st)
	if err != nil {
		t.Fatalf("first Update failed: %v", err)
	}

	// Rewind the origin by one commit.
	cmd := exec.Command("git", "reset", "--hard", "HEAD~1")
	cmd.Dir = fix.authPath
	if out, rerr := cmd.CombinedOutput(); rerr != nil {
		t.Fatalf("git reset failed: %v, %s", rerr, out)
	}

	_, err = Update(ctx, st)
	if err == nil || !strings.Contains(err.Error(), "refusing to roll back") {
		t.Fatalf("rewound remote was accepted: %v", err)
	}

	// The cache must keep the newer validated commit.
	cached, err := store.LastValidated(fix.authPath)
	if err != nil {
		t.Fatal(err)
	}
	if cached != res.HeadCommit {
		t.Errorf("cache regressed to %s, want %s", cached, res.HeadCommit)
	}

	// A fresh re-clone with the cache intact is rejected too.
	if err := os.RemoveAll(filepath.Join(st.LibraryDir, "ns", "auth")); err != nil {
		t.Fatal(err)
	}
	_, err = Update(ctx, st)
	if err == nil || !strings.Contains(err.Error(), "remote history was rewritten") {
		t.Errorf("re-clone of a rewound remote was accepted: %v", err)
	}
}

func TestUpdate_ExpectedRepoType(t *testing.T) {
	fix := newOriginFixture(t)

	// The fixture is not a test repository.
	_, err := Update(context.Background(), Settings{
		URL:        fix.authPath,
		LibraryDir: filepath.Join(t.TempDir(), "client-library"),
		FromFS:     true,
		Expected:   Test,
		Conf:       fix.conf,
	})
	if err == nil || !strings.Contains(err.Error(), "not a test") {
		t.Errorf("expected repository type mismatch, got %v", err)
	}
}

func TestUpdate_RejectsNonGitURL(t *testing.T) {
	_, err := Update(context.Background(), Settings{
		URL:        "/some/local/path",
		LibraryDir: t.TempDir(),
		Conf:       testConf(),
	})
	if err == nil || !strings.Contains(err.Error(), "--from-fs") {
		t.Errorf("expected url validation error, got %v", err)
	}
}

func TestSettings_ApplyDefaults(t *testing.T) {
	st := Settings{}
	if err := st.applyDefaults(); err == nil {
		t.Error("expected error when neither auth path nor library dir is set")
	}

	st = Settings{URL: "https://github.com/ns/auth.git", LibraryDir: "/library"}
	if err := st.applyDefaults(); err != nil {
		t.Fatalf("applyDefaults failed: %v", err)
	}
	if st.AuthPath != filepath.Join("/library", "ns", "auth") {
		t.Errorf("derived auth path = %s", st.AuthPath)
	}
	if st.DefaultBranch != "main" || st.Concurrency != 4 {
		t.Errorf("config defaults not applied: branch %s, concurrency %d",
			st.DefaultBranch, st.Concurrency)
	}

	st = Settings{AuthPath: "/library/ns/auth"}
	if err := st.applyDefaults(); err != nil {
		t.Fatal(err)
	}
	if st.LibraryDir != "/library" {
		t.Errorf("derived library dir = %s", st.LibraryDir)
	}
}

func TestRepoNameFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://github.com/openlawlibrary/law.git", "openlawlibrary/law"},
		{"https://github.com/openlawlibrary/law", "openlawlibrary/law"},
		{"git@github.com:openlawlibrary/law.git", "openlawlibrary/law"},
		{"https://github.com/openlawlibrary/law/", "openlawlibrary/law"},
		{"/filesystem/library/ns/auth", "ns/auth"},
		{"law", ""},
	}
	for _, tc := range cases {
		if got := RepoNameFromURL(tc.url); got != tc.want {
			t.Errorf("RepoNameFromURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestParseRepoType(t *testing.T) {
	cases := map[string]RepoType{
		"":         Either,
		"either":   Either,
		"official": Official,
		"test":     Test,
	}
	for input, want := range cases {
		got, err := ParseRepoType(input)
		if err != nil {
			t.Errorf("ParseRepoType(%q) failed: %v", input, err)
		}
		if got != want {
			t.Errorf("ParseRepoType(%q) = %v, want %v", input, got, want)
		}
	}
	if _, err := ParseRepoType("production"); err == nil {
		t.Error("expected error for unknown repository type")
	}
	if Official.String() != "official" || Test.String() != "test" || Either.String() != "either" {
		t.Error("unexpected RepoType string forms")
	}
}
