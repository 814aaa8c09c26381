// Package updater clones, updates and validates authentication repositories
// and the target repositories their metadata pins.
package updater

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"taf/internal/cache"
	"taf/internal/config"
	"taf/internal/gitrepo"
	"taf/internal/logging"
	"taf/internal/metadata"
	"taf/internal/repository"
)

// RepoType is the expected authentication repository type.
type RepoType int

const (
	// Either skips the repository type check.
	Either RepoType = iota
	// Official rejects test repositories.
	Official
	// Test requires the test target file.
	Test
)

// ParseRepoType parses the --expected-repo-type option.
func ParseRepoType(s string) (RepoType, error) {
	switch s {
	case "", "either":
		return Either, nil
	case "official":
		return Official, nil
	case "test":
		return Test, nil
	default:
		return Either, fmt.Errorf("unknown repository type %q (want test, official or either)", s)
	}
}

func (t RepoType) String() string {
	switch t {
	case Official:
		return "official"
	case Test:
		return "test"
	default:
		return "either"
	}
}

// Settings configures an update or validation run.
type Settings struct {
	// URL of the remote authentication repository (update only).
	URL string

	// AuthPath is the local authentication repository. Derived from URL and
	// LibraryDir when empty.
	AuthPath string

	// LibraryDir holds the target repositories. Derived from AuthPath (two
	// directories up) when empty.
	LibraryDir string

	// DefaultBranch of the authentication repository.
	DefaultBranch string

	// FromFS allows a filesystem path as URL.
	FromFS bool

	// Expected repository type.
	Expected RepoType

	// FromCommit bounds validation (validate only); empty validates the
	// whole history or continues from the cache.
	FromCommit string

	// Concurrency bounds parallel target repository operations.
	Concurrency int

	// Cache persists last validated commits and the audit log. Optional.
	Cache *cache.Store

	Conf *config.Config
}

func (s *Settings) applyDefaults() error {
	if s.Conf == nil {
		s.Conf = config.DefaultConfig()
	}
	if s.DefaultBranch == "" {
		s.DefaultBranch = s.Conf.Updater.DefaultBranch
	}
	if s.Concurrency == 0 {
		s.Concurrency = s.Conf.Updater.Concurrency
	}
	if s.AuthPath == "" && s.LibraryDir == "" {
		return fmt.Errorf("either the authentication repository path or the library directory is required")
	}
	if s.AuthPath == "" {
		name := RepoNameFromURL(s.URL)
		if name == "" {
			return fmt.Errorf("cannot derive repository name from url %s", s.URL)
		}
		s.AuthPath = filepath.Join(s.LibraryDir, filepath.FromSlash(name))
	}
	if s.LibraryDir == "" {
		abs, err := filepath.Abs(s.AuthPath)
		if err != nil {
			return err
		}
		s.LibraryDir = filepath.Dir(filepath.Dir(abs))
	}
	return nil
}

// RepoNameFromURL derives the namespaced repository name (org/name) from a
// git url, stripping a .git suffix.
func RepoNameFromURL(url string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	trimmed = strings.ReplaceAll(trimmed, ":", "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return ""
	}
	org, name := parts[len(parts)-2], parts[len(parts)-1]
	if org == "" || name == "" {
		return ""
	}
	return org + "/" + name
}

// TargetStatus reports the outcome for one target repository.
type TargetStatus struct {
	Name   string
	URL    string
	Commit string
	Action string // cloned, fetched, up-to-date, validated
	Err    error
}

// Result summarizes an update or validation run.
type Result struct {
	RunID            string
	AuthRepo         string
	HeadCommit       string
	CommitsValidated int
	Targets          []TargetStatus
	StartedAt        time.Time
	FinishedAt       time.Time
}

// UpdateError is returned when a run fails after it started; it retains the
// per-repository statuses gathered before the failure.
type UpdateError struct {
	Op      string // "update" or "validation"
	Repo    string
	Targets []TargetStatus
	Err     error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("%s of %s failed: %v", e.Op, e.Repo, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// gitURLPrefixes are accepted remote url forms when --from-fs is not given.
var gitURLPrefixes = []string{"https://", "http://", "git://", "ssh://", "git@"}

func validateURL(url string, fromFS bool) error {
	if fromFS {
		return nil
	}
	for _, prefix := range gitURLPrefixes {
		if strings.HasPrefix(url, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%s does not look like a git url; use --from-fs for filesystem paths", url)
}

// Update clones or fetches the remote authentication repository, validates
// all new commits, updates the pinned target repositories and advances the
// local clone to the validated head.
func Update(ctx context.Context, st Settings) (*Result, error) {
	log := logging.Get(logging.CategoryUpdater)
	if err := st.applyDefaults(); err != nil {
		return nil, err
	}
	if err := validateURL(st.URL, st.FromFS); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:     uuid.NewString(),
		AuthRepo:  st.AuthPath,
		StartedAt: time.Now(),
	}
	log.Info("update run %s: %s -> %s", res.RunID, st.URL, st.AuthPath)

	err := runUpdate(ctx, st, res)
	res.FinishedAt = time.Now()
	recordRun(st, res, err)
	if err != nil {
		return res, &UpdateError{Op: "update", Repo: st.AuthPath, Targets: res.Targets, Err: err}
	}
	return res, nil
}

func runUpdate(ctx context.Context, st Settings, res *Result) error {
	log := logging.Get(logging.CategoryUpdater)

	var git *gitrepo.Repo
	var fromCommit, headCommit string
	fresh := !gitrepo.IsRepo(st.AuthPath)
	if fresh {
		cloned, err := gitrepo.Clone(ctx, st.URL, st.AuthPath, st.DefaultBranch)
		if err != nil {
			return fmt.Errorf("failed to clone authentication repository: %w", err)
		}
		git = cloned
		headCommit, err = git.Head(ctx)
		if err != nil {
			return err
		}
		// A re-clone still honors the validation cache: the remote must
		// contain everything this client already validated.
		if cached := lastValidated(st); cached != "" {
			if !git.HasCommit(ctx, cached) {
				return fmt.Errorf("last validated commit %s no longer exists; remote history was rewritten", cached)
			}
			if ok, aerr := git.IsAncestor(ctx, cached, headCommit); aerr != nil {
				return aerr
			} else if !ok {
				return fmt.Errorf("remote head %s is behind the last validated commit %s; refusing to roll back",
					short(headCommit), short(cached))
			}
		}
	} else {
		git = gitrepo.New(st.AuthPath)
		if err := git.Fetch(ctx, "origin"); err != nil {
			return fmt.Errorf("failed to fetch authentication repository: %w", err)
		}
		head, err := git.ResolveRef(ctx, "origin/"+st.DefaultBranch)
		if err != nil {
			return fmt.Errorf("failed to resolve origin/%s: %w", st.DefaultBranch, err)
		}
		headCommit = head
		fromCommit = lastValidated(st)
		if fromCommit == "" {
			// Never validated by this client: validate the full history.
			log.Info("no validation cache entry, validating full history")
		} else if !git.HasCommit(ctx, fromCommit) {
			return fmt.Errorf("last validated commit %s no longer exists; remote history was rewritten", fromCommit)
		} else if ok, aerr := git.IsAncestor(ctx, fromCommit, headCommit); aerr != nil {
			return aerr
		} else if !ok {
			// A remote head that does not descend from the last validated
			// commit is a rollback or a rewritten branch.
			return fmt.Errorf("remote head %s is behind the last validated commit %s; refusing to roll back",
				short(headCommit), short(fromCommit))
		}
	}
	res.HeadCommit = headCommit

	validated, err := validateChain(ctx, git, fromCommit, headCommit, time.Now())
	if err != nil {
		return err
	}
	res.CommitsValidated = validated

	if err := checkRepoType(ctx, git, headCommit, st.Expected); err != nil {
		return err
	}

	statuses, err := updateTargets(ctx, git, headCommit, st, false)
	res.Targets = statuses
	if err != nil {
		return err
	}

	if !fresh {
		if err := git.Checkout(ctx, st.DefaultBranch); err != nil {
			return err
		}
		if err := git.MergeFastForward(ctx, headCommit); err != nil {
			return fmt.Errorf("failed to advance %s to validated head: %w", st.DefaultBranch, err)
		}
	}

	if st.Cache != nil {
		if err := st.Cache.SetLastValidated(cacheKey(st), headCommit); err != nil {
			log.Warn("failed to persist last validated commit: %v", err)
		}
	}
	log.Info("validated %d commits up to %s", validated, headCommit)
	return nil
}

// Validate checks an authentication repository and its target repositories
// already on the filesystem. Nothing is cloned, fetched or merged.
func Validate(ctx context.Context, st Settings) (*Result, error) {
	log := logging.Get(logging.CategoryUpdater)
	if err := st.applyDefaults(); err != nil {
		return nil, err
	}
	if !gitrepo.IsRepo(st.AuthPath) {
		return nil, fmt.Errorf("%s is not a git repository", st.AuthPath)
	}

	res := &Result{
		RunID:     uuid.NewString(),
		AuthRepo:  st.AuthPath,
		StartedAt: time.Now(),
	}

	err := func() error {
		git := gitrepo.New(st.AuthPath)
		head, err := git.Head(ctx)
		if err != nil {
			return err
		}
		res.HeadCommit = head

		validated, err := validateChain(ctx, git, st.FromCommit, head, time.Now())
		if err != nil {
			return err
		}
		res.CommitsValidated = validated

		statuses, err := updateTargets(ctx, git, head, st, true)
		res.Targets = statuses
		return err
	}()

	res.FinishedAt = time.Now()
	recordRun(st, res, err)
	if err != nil {
		return res, &UpdateError{Op: "validation", Repo: st.AuthPath, Targets: res.Targets, Err: err}
	}
	log.Info("validation of %s passed (%d commits)", st.AuthPath, res.CommitsValidated)
	return res, nil
}

func lastValidated(st Settings) string {
	if st.Cache == nil {
		return ""
	}
	sha, err := st.Cache.LastValidated(cacheKey(st))
	if err != nil {
		logging.Get(logging.CategoryUpdater).Warn("cache lookup failed: %v", err)
		return ""
	}
	return sha
}

func cacheKey(st Settings) string {
	if st.URL != "" {
		return st.URL
	}
	abs, err := filepath.Abs(st.AuthPath)
	if err != nil {
		return st.AuthPath
	}
	return abs
}

func recordRun(st Settings, res *Result, err error) {
	if st.Cache == nil {
		return
	}
	rec := cache.RunRecord{
		RunID:            res.RunID,
		Repo:             cacheKey(st),
		StartedAt:        res.StartedAt,
		FinishedAt:       res.FinishedAt,
		Successful:       err == nil,
		CommitsValidated: res.CommitsValidated,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if cerr := st.Cache.RecordRun(rec); cerr != nil {
		logging.Get(logging.CategoryUpdater).Warn("failed to record run: %v", cerr)
	}
}

// validateChain validates metadata at every commit from (exclusive) fromSha
// up to headSha. Expiry is enforced at the head only; historical commits
// legitimately carry metadata that has since expired.
func validateChain(ctx context.Context, git *gitrepo.Repo, fromSha, headSha string, now time.Time) (int, error) {
	log := logging.Get(logging.CategoryUpdater)

	var prev *metadata.Set
	if fromSha != "" {
		set, err := loadSetAt(ctx, git, fromSha)
		if err != nil {
			return 0, fmt.Errorf("commit %s: %w", short(fromSha), err)
		}
		prev = set
	}

	commits, err := git.CommitsBetween(ctx, fromSha, headSha)
	if err != nil {
		return 0, err
	}
	if len(commits) == 0 && fromSha != headSha && fromSha == "" {
		return 0, fmt.Errorf("no commits found at %s", short(headSha))
	}

	for _, sha := range commits {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		set, err := loadSetAt(ctx, git, sha)
		if err != nil {
			return 0, fmt.Errorf("commit %s: %w", short(sha), err)
		}

		var prevRoot *metadata.Root
		if prev != nil {
			prevRoot = prev.Root
		}
		if err := set.VerifySignatures(prevRoot); err != nil {
			return 0, fmt.Errorf("commit %s: %w", short(sha), err)
		}
		if err := set.VerifyVersions(prev); err != nil {
			return 0, fmt.Errorf("commit %s: %w", short(sha), err)
		}
		if err := set.VerifyConsistency(); err != nil {
			return 0, fmt.Errorf("commit %s: %w", short(sha), err)
		}
		if err := verifyTargetFiles(ctx, git, sha, set); err != nil {
			return 0, fmt.Errorf("commit %s: %w", short(sha), err)
		}
		log.Debug("commit %s: metadata valid", short(sha))
		prev = set
	}

	if prev == nil {
		return 0, fmt.Errorf("nothing to validate at %s", short(headSha))
	}
	if err := prev.VerifyExpiry(now); err != nil {
		return 0, fmt.Errorf("head %s: %w", short(headSha), err)
	}
	return len(commits), nil
}

func loadSetAt(ctx context.Context, git *gitrepo.Repo, sha string) (*metadata.Set, error) {
	return metadata.LoadSet(func(name string) ([]byte, error) {
		return git.FileAt(ctx, sha, repository.MetadataDir+"/"+name)
	})
}

// verifyTargetFiles checks that every file under targets/ at a commit
// matches the lengths and hashes recorded in targets metadata, and that
// every file listed in targets metadata is present in the commit.
func verifyTargetFiles(ctx context.Context, git *gitrepo.Repo, sha string, set *metadata.Set) error {
	files, err := git.ListFilesAt(ctx, sha, repository.TargetsDir)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(files))
	for _, file := range files {
		rel := strings.TrimPrefix(file, repository.TargetsDir+"/")
		present[rel] = true
		data, err := git.FileAt(ctx, sha, file)
		if err != nil {
			return err
		}
		if err := set.Targets.VerifyTarget(rel, data); err != nil {
			return err
		}
	}
	// A signed target file deleted from the tree without re-signing would
	// otherwise drop its repository from validation unnoticed.
	for path := range set.Targets.Targets {
		if !present[path] {
			return fmt.Errorf("target file %s is listed in targets metadata but missing from the commit", path)
		}
	}
	return nil
}

func checkRepoType(ctx context.Context, git *gitrepo.Repo, headSha string, expected RepoType) error {
	if expected == Either {
		return nil
	}
	_, err := git.FileAt(ctx, headSha,
		repository.TargetsDir+"/"+repository.TestTargetFile)
	isTest := err == nil
	if isTest && expected == Official {
		return fmt.Errorf("repository is a test authentication repository; pass --expected-repo-type test to update it")
	}
	if !isTest && expected == Test {
		return fmt.Errorf("repository is not a test authentication repository")
	}
	return nil
}

func short(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
