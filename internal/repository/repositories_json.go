package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"taf/internal/gitrepo"
	"taf/internal/logging"
)

// Target registry files under targets/.
const (
	RepositoriesJSONFile = "repositories.json"
	MirrorsJSONFile      = "mirrors.json"
)

// RepositoriesFile is the content of targets/repositories.json: the registry
// the updater uses to locate target repositories.
type RepositoriesFile struct {
	Repositories map[string]*RepositoryEntry `json:"repositories"`
}

// RepositoryEntry describes one target repository.
type RepositoryEntry struct {
	URLs   []string        `json:"urls,omitempty"`
	Custom json.RawMessage `json:"custom,omitempty"`
}

// MirrorsFile is the content of targets/mirrors.json: url templates with
// {org_name} and {repo_name} placeholders.
type MirrorsFile struct {
	Mirrors []string `json:"mirrors"`
}

// URLsFor expands the mirror templates for a namespaced repository name.
func (m *MirrorsFile) URLsFor(name string) []string {
	org, repo := splitName(name)
	urls := make([]string, 0, len(m.Mirrors))
	for _, tpl := range m.Mirrors {
		url := strings.ReplaceAll(tpl, "{org_name}", org)
		url = strings.ReplaceAll(url, "{repo_name}", repo)
		urls = append(urls, url)
	}
	return urls
}

func splitName(name string) (org, repo string) {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// RepositoriesJSONOptions configures GenerateRepositoriesJSON.
type RepositoriesJSONOptions struct {
	// LibraryDir holds the target repositories. Defaults to two directories
	// above the authentication repository (library-dir/namespace/auth-repo).
	LibraryDir string

	// Namespace of the target repositories. Defaults to the name of the
	// directory containing the authentication repository.
	Namespace string

	// TargetsRelDir makes filesystem urls relative to this directory for
	// repositories without remotes.
	TargetsRelDir string

	// Custom maps namespaced repository names to custom data.
	Custom map[string]json.RawMessage

	// UseMirrors emits mirrors.json url templates instead of per-repository
	// url lists.
	UseMirrors bool
}

// ResolveDefaults fills LibraryDir and Namespace from the auth repo path.
func (o *RepositoriesJSONOptions) ResolveDefaults(authPath string) error {
	abs, err := filepath.Abs(authPath)
	if err != nil {
		return err
	}
	if o.Namespace == "" {
		o.Namespace = filepath.Base(filepath.Dir(abs))
	}
	if o.LibraryDir == "" {
		o.LibraryDir = filepath.Dir(filepath.Dir(abs))
	}
	return nil
}

// GenerateRepositoriesJSON traverses the target repositories under
// library-dir/namespace and writes targets/repositories.json (and
// targets/mirrors.json with UseMirrors) in the authentication repository.
// The generated files are ordinary target files; they still need to be
// registered and signed (ResignTargets) to take effect.
func (a *AuthRepo) GenerateRepositoriesJSON(ctx context.Context, opts RepositoriesJSONOptions) (*RepositoriesFile, error) {
	log := logging.Get(logging.CategoryRepo)
	if err := opts.ResolveDefaults(a.Path); err != nil {
		return nil, err
	}
	log.Info("scanning target repositories in %s/%s", opts.LibraryDir, opts.Namespace)

	nsDir := filepath.Join(opts.LibraryDir, opts.Namespace)
	entries, err := os.ReadDir(nsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read namespace directory %s: %w", nsDir, err)
	}

	authAbs, err := filepath.Abs(a.Path)
	if err != nil {
		return nil, err
	}

	repos := &RepositoriesFile{Repositories: make(map[string]*RepositoryEntry)}
	mirrors := &MirrorsFile{}
	mirrorSeen := make(map[string]bool)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		repoPath := filepath.Join(nsDir, entry.Name())
		if abs, err := filepath.Abs(repoPath); err == nil && abs == authAbs {
			continue // Skip the authentication repository itself.
		}
		if !gitrepo.IsRepo(repoPath) {
			continue
		}

		name := opts.Namespace + "/" + entry.Name()
		url := a.repositoryURL(ctx, repoPath, opts.TargetsRelDir)
		e := &RepositoryEntry{}
		if custom, ok := opts.Custom[name]; ok {
			e.Custom = custom
		}

		if opts.UseMirrors {
			tpl := mirrorTemplate(url, opts.Namespace, entry.Name())
			if tpl == "" {
				return nil, fmt.Errorf(
					"repository %s has no remote url; mirrors require remotes", name)
			}
			if !mirrorSeen[tpl] {
				mirrorSeen[tpl] = true
				mirrors.Mirrors = append(mirrors.Mirrors, tpl)
			}
		} else {
			e.URLs = []string{url}
		}
		repos.Repositories[name] = e
		log.Debug("registered target repository %s -> %s", name, url)
	}

	if len(repos.Repositories) == 0 {
		return nil, fmt.Errorf("no target repositories found in %s", nsDir)
	}

	if err := a.writeTargetsJSON(RepositoriesJSONFile, repos); err != nil {
		return nil, err
	}
	if opts.UseMirrors {
		sort.Strings(mirrors.Mirrors)
		if err := a.writeTargetsJSON(MirrorsJSONFile, mirrors); err != nil {
			return nil, err
		}
	}
	log.Info("wrote %s with %d repositories", RepositoriesJSONFile, len(repos.Repositories))
	return repos, nil
}

// repositoryURL picks the url of a target repository: its origin remote when
// set, otherwise its filesystem location (relative to targetsRelDir when
// given).
func (a *AuthRepo) repositoryURL(ctx context.Context, repoPath, targetsRelDir string) string {
	if url := gitrepo.New(repoPath).RemoteURL(ctx, "origin"); url != "" {
		return url
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return repoPath
	}
	if targetsRelDir != "" {
		if rel, err := filepath.Rel(targetsRelDir, abs); err == nil {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(abs)
}

// mirrorTemplate generalizes a remote url into a {org_name}/{repo_name}
// template, or returns "" for urls that do not embed both.
func mirrorTemplate(url, org, repo string) string {
	if url == "" || !strings.Contains(url, org) || !strings.Contains(url, repo) {
		return ""
	}
	tpl := strings.Replace(url, org+"/"+repo, "{org_name}/{repo_name}", 1)
	if tpl == url {
		return ""
	}
	return tpl
}

func (a *AuthRepo) writeTargetsJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Join(a.Path, TargetsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), append(data, '\n'), 0o644)
}

// LoadRepositoriesFile reads repositories.json and mirrors.json (when
// present) from raw target file bytes.
func LoadRepositoriesFile(data []byte) (*RepositoriesFile, error) {
	var rf RepositoriesFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("invalid repositories.json: %w", err)
	}
	if rf.Repositories == nil {
		return nil, fmt.Errorf("repositories.json has no repositories")
	}
	return &rf, nil
}

// LoadMirrorsFile reads mirrors.json from raw target file bytes.
func LoadMirrorsFile(data []byte) (*MirrorsFile, error) {
	var mf MirrorsFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("invalid mirrors.json: %w", err)
	}
	return &mf, nil
}

// ParseCustom parses the --custom option: a JSON object given directly or as
// a file path, mapping repository names to custom data.
func ParseCustom(input string) (map[string]json.RawMessage, error) {
	if input == "" {
		return nil, nil
	}
	data := []byte(input)
	if info, err := os.Stat(input); err == nil && !info.IsDir() {
		data, err = os.ReadFile(input)
		if err != nil {
			return nil, fmt.Errorf("failed to read custom data file: %w", err)
		}
	}
	var custom map[string]json.RawMessage
	if err := json.Unmarshal(data, &custom); err != nil {
		return nil, fmt.Errorf("invalid custom data: %w", err)
	}
	return custom, nil
}
