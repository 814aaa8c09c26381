package updater

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"taf/internal/gitrepo"
	"taf/internal/logging"
	"taf/internal/repository"
)

// pinnedTarget is one target repository pin read from the validated head.
type pinnedTarget struct {
	name string
	file *repository.TargetFile
	urls []string
}

// updateTargets brings each pinned target repository to its pinned commit
// (or, with validateOnly, checks it is already there). Repositories are
// processed in parallel, bounded by Settings.Concurrency.
func updateTargets(ctx context.Context, git *gitrepo.Repo, headSha string, st Settings, validateOnly bool) ([]TargetStatus, error) {
	pins, err := readPins(ctx, git, headSha)
	if err != nil {
		return nil, err
	}
	if len(pins) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		statuses []TargetStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(st.Concurrency)
	for _, pin := range pins {
		pin := pin
		g.Go(func() error {
			status := processPin(gctx, pin, st, validateOnly)
			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
			if status.Err != nil {
				return fmt.Errorf("target repository %s: %w", pin.name, status.Err)
			}
			return nil
		})
	}
	err = g.Wait()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses, err
}

// readPins loads the pinned target repositories and their urls from the
// validated head commit: the target files plus repositories.json/mirrors.json.
func readPins(ctx context.Context, git *gitrepo.Repo, headSha string) ([]pinnedTarget, error) {
	files, err := git.ListFilesAt(ctx, headSha, repository.TargetsDir)
	if err != nil {
		return nil, err
	}

	var (
		repos   *repository.RepositoriesFile
		mirrors *repository.MirrorsFile
		pins    []pinnedTarget
	)
	for _, file := range files {
		rel := strings.TrimPrefix(file, repository.TargetsDir+"/")
		switch {
		case rel == repository.RepositoriesJSONFile:
			data, err := git.FileAt(ctx, headSha, file)
			if err != nil {
				return nil, err
			}
			if repos, err = repository.LoadRepositoriesFile(data); err != nil {
				return nil, err
			}
		case rel == repository.MirrorsJSONFile:
			data, err := git.FileAt(ctx, headSha, file)
			if err != nil {
				return nil, err
			}
			if mirrors, err = repository.LoadMirrorsFile(data); err != nil {
				return nil, err
			}
		case repository.ReservedTargetFiles[rel] || !strings.Contains(rel, "/"):
			// Plain target files carry no repository pin.
		default:
			data, err := git.FileAt(ctx, headSha, file)
			if err != nil {
				return nil, err
			}
			tf, err := repository.ParseTargetFile(data)
			if err != nil {
				return nil, fmt.Errorf("target file %s: %w", rel, err)
			}
			pins = append(pins, pinnedTarget{name: rel, file: tf})
		}
	}

	if len(pins) == 0 {
		return nil, nil
	}
	if repos == nil {
		return nil, fmt.Errorf("repositories.json is missing but %d target repositories are pinned", len(pins))
	}

	for i := range pins {
		entry, ok := repos.Repositories[pins[i].name]
		if !ok {
			return nil, fmt.Errorf("target repository %s not listed in repositories.json", pins[i].name)
		}
		urls := entry.URLs
		if len(urls) == 0 && mirrors != nil {
			urls = mirrors.URLsFor(pins[i].name)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("no urls known for target repository %s", pins[i].name)
		}
		pins[i].urls = urls
	}
	return pins, nil
}

// processPin handles one target repository.
func processPin(ctx context.Context, pin pinnedTarget, st Settings, validateOnly bool) TargetStatus {
	log := logging.Get(logging.CategoryUpdater)
	status := TargetStatus{Name: pin.name, Commit: pin.file.Commit}
	path := filepath.Join(st.LibraryDir, filepath.FromSlash(pin.name))

	if validateOnly {
		if !gitrepo.IsRepo(path) {
			status.Err = fmt.Errorf("not found at %s", path)
			return status
		}
		if !gitrepo.New(path).HasCommit(ctx, pin.file.Commit) {
			status.Err = fmt.Errorf("pinned commit %s not present", short(pin.file.Commit))
			return status
		}
		status.Action = "validated"
		return status
	}

	var git *gitrepo.Repo
	if gitrepo.IsRepo(path) {
		git = gitrepo.New(path)
		if git.HasCommit(ctx, pin.file.Commit) {
			status.Action = "up-to-date"
		} else {
			if err := git.Fetch(ctx, "origin"); err != nil {
				status.Err = err
				return status
			}
			status.Action = "fetched"
		}
		status.URL = git.RemoteURL(ctx, "origin")
	} else {
		cloned, err := cloneFromAny(ctx, pin.urls, path)
		if err != nil {
			status.Err = err
			return status
		}
		git = cloned
		status.Action = "cloned"
		status.URL = git.RemoteURL(ctx, "origin")
	}

	if !git.HasCommit(ctx, pin.file.Commit) {
		status.Err = fmt.Errorf("pinned commit %s not found after fetch", short(pin.file.Commit))
		return status
	}

	// Bring the working tree to the pinned state: the pinned branch
	// fast-forwarded to the commit when a branch is recorded, a detached
	// checkout otherwise.
	if pin.file.Branch != "" {
		if err := git.Checkout(ctx, pin.file.Branch); err != nil {
			status.Err = err
			return status
		}
		if err := git.MergeFastForward(ctx, pin.file.Commit); err != nil {
			status.Err = err
			return status
		}
	} else if err := git.CheckoutCommit(ctx, pin.file.Commit); err != nil {
		status.Err = err
		return status
	}
	log.Debug("target %s at %s (%s)", pin.name, short(pin.file.Commit), status.Action)
	return status
}

// cloneFromAny tries each url in order until one clone succeeds.
func cloneFromAny(ctx context.Context, urls []string, path string) (*gitrepo.Repo, error) {
	var lastErr error
	for _, url := range urls {
		git, err := gitrepo.Clone(ctx, url, path, "")
		if err == nil {
			return git, nil
		}
		lastErr = err
		logging.Get(logging.CategoryUpdater).Warn("clone from %s failed: %v", url, err)
	}
	return nil, fmt.Errorf("all clone urls failed: %w", lastErr)
}
