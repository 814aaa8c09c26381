package gitrepo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func writeFile(t *testing.T, repo *Repo, name, content string) {
	t.Helper()
	path := filepath.Join(repo.Path, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInitCommitHead(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo")

	repo, err := Init(ctx, path, "main")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if !IsRepo(path) {
		t.Error("IsRepo should report an initialized repository")
	}

	writeFile(t, repo, "README", "hello\n")
	sha, err := repo.CommitAll(ctx, "initial commit")
	if err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	head, err := repo.Head(ctx)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head != sha {
		t.Errorf("Head %s != commit sha %s", head, sha)
	}

	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if branch != "main" {
		t.Errorf("expected branch main, got %s", branch)
	}

	clean, err := repo.IsClean(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Error("working tree should be clean after commit")
	}
}

func TestCommitsBetweenAndFileAt(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo, err := Init(ctx, filepath.Join(t.TempDir(), "repo"), "main")
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, repo, "data/file.json", "v1\n")
	first, err := repo.CommitAll(ctx, "first")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, repo, "data/file.json", "v2\n")
	second, err := repo.CommitAll(ctx, "second")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, repo, "data/other.json", "v3\n")
	third, err := repo.CommitAll(ctx, "third")
	if err != nil {
		t.Fatal(err)
	}

	// Full history, oldest first.
	all, err := repo.CommitsBetween(ctx, "", third)
	if err != nil {
		t.Fatalf("CommitsBetween failed: %v", err)
	}
	if len(all) != 3 || all[0] != first || all[2] != third {
		t.Errorf("unexpected full history: %v", all)
	}

	// Range excludes from, includes to.
	tail, err := repo.CommitsBetween(ctx, first, third)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0] != second || tail[1] != third {
		t.Errorf("unexpected range: %v", tail)
	}

	// Empty range.
	none, err := repo.CommitsBetween(ctx, third, third)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected empty range, got %v", none)
	}

	content, err := repo.FileAt(ctx, first, "data/file.json")
	if err != nil {
		t.Fatalf("FileAt failed: %v", err)
	}
	if string(content) != "v1\n" {
		t.Errorf("expected v1 content at first commit, got %q", content)
	}
	if _, err := repo.FileAt(ctx, first, "data/other.json"); err == nil {
		t.Error("FileAt should fail for a file absent at the commit")
	}

	files, err := repo.ListFilesAt(ctx, third, "data")
	if err != nil {
		t.Fatalf("ListFilesAt failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("expected 2 files under data/, got %v", files)
	}

	if !repo.HasCommit(ctx, first) {
		t.Error("HasCommit should find an existing commit")
	}
	if repo.HasCommit(ctx, "0000000000000000000000000000000000000000") {
		t.Error("HasCommit should not find a bogus sha")
	}
}

func TestIsAncestor(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo, err := Init(ctx, filepath.Join(t.TempDir(), "repo"), "main")
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, repo, "file", "one\n")
	first, err := repo.CommitAll(ctx, "one")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, repo, "file", "two\n")
	second, err := repo.CommitAll(ctx, "two")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		ancestor, descendant string
		want                 bool
	}{
		{first, second, true},
		{first, first, true},
		{second, first, false},
	}
	for _, tc := range cases {
		got, err := repo.IsAncestor(ctx, tc.ancestor, tc.descendant)
		if err != nil {
			t.Fatalf("IsAncestor(%s, %s) failed: %v", tc.ancestor, tc.descendant, err)
		}
		if got != tc.want {
			t.Errorf("IsAncestor(%s, %s) = %t, want %t", tc.ancestor, tc.descendant, got, tc.want)
		}
	}

	if _, err := repo.IsAncestor(ctx, "0000000000000000000000000000000000000000", second); err == nil {
		t.Error("expected an error for a bogus ancestor sha")
	}
}

func TestCloneFetchMerge(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	tmpDir := t.TempDir()

	origin, err := Init(ctx, filepath.Join(tmpDir, "origin"), "main")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, origin, "file", "one\n")
	first, err := origin.CommitAll(ctx, "one")
	if err != nil {
		t.Fatal(err)
	}

	clone, err := Clone(ctx, origin.Path, filepath.Join(tmpDir, "clone"), "main")
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	head, err := clone.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head != first {
		t.Errorf("clone head %s != origin head %s", head, first)
	}
	if got := clone.RemoteURL(ctx, "origin"); got != origin.Path {
		t.Errorf("RemoteURL = %q, want %q", got, origin.Path)
	}

	// New commit upstream; fetch and fast-forward.
	writeFile(t, origin, "file", "two\n")
	second, err := origin.CommitAll(ctx, "two")
	if err != nil {
		t.Fatal(err)
	}
	if err := clone.Fetch(ctx, "origin"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	remote, err := clone.ResolveRef(ctx, "origin/main")
	if err != nil {
		t.Fatalf("ResolveRef failed: %v", err)
	}
	if remote != second {
		t.Errorf("origin/main resolved to %s, want %s", remote, second)
	}
	if err := clone.MergeFastForward(ctx, second); err != nil {
		t.Fatalf("MergeFastForward failed: %v", err)
	}
	head, err = clone.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head != second {
		t.Errorf("head after fast-forward %s, want %s", head, second)
	}

	// Detached checkout of the older commit.
	if err := clone.CheckoutCommit(ctx, first); err != nil {
		t.Fatalf("CheckoutCommit failed: %v", err)
	}
	branch, err := clone.CurrentBranch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "HEAD" {
		t.Errorf("expected detached HEAD, got %s", branch)
	}
	if err := clone.Checkout(ctx, "main"); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
}
