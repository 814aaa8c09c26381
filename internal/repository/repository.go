// Package repository implements authentication repositories: git
// repositories whose committed content is signed metadata under metadata/
// plus target files under targets/ that pin commits of other repositories.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taf/internal/config"
	"taf/internal/gitrepo"
	"taf/internal/keystore"
	"taf/internal/logging"
	"taf/internal/metadata"
)

// Directory layout of an authentication repository.
const (
	MetadataDir = "metadata"
	TargetsDir  = "targets"

	// TestTargetFile marks a test authentication repository. Updating one
	// requires expecting repository type "test".
	TestTargetFile = "test-auth-repo"
)

// AuthRepo is an authentication repository on disk.
type AuthRepo struct {
	Path string
	Git  *gitrepo.Repo

	conf *config.Config
}

// Open returns a handle for an existing or to-be-created repository path.
func Open(path string, conf *config.Config) *AuthRepo {
	return &AuthRepo{Path: path, Git: gitrepo.New(path), conf: conf}
}

// Name returns the repository's namespaced name, derived from its path:
// the last two path elements (namespace/name).
func (a *AuthRepo) Name() string {
	abs, err := filepath.Abs(a.Path)
	if err != nil {
		abs = a.Path
	}
	return filepath.ToSlash(filepath.Join(
		filepath.Base(filepath.Dir(abs)), filepath.Base(abs)))
}

// HardwareSignerFunc supplies signers for roles whose keys live on hardware
// tokens rather than in keystore files.
type HardwareSignerFunc func(role string, spec *config.RoleSpec) ([]metadata.Signer, error)

// CreateOptions configures Create.
type CreateOptions struct {
	KeysDescription *config.KeysDescription
	KeystoreDir     string
	Commit          bool
	Test            bool

	// HardwareSigners is consulted for roles marked yubikey. Required when
	// the keys description uses hardware keys.
	HardwareSigners HardwareSignerFunc
}

// Create creates a new authentication repository: registers signing keys,
// writes and signs the initial metadata files, and optionally commits.
func Create(ctx context.Context, path string, conf *config.Config, opts CreateOptions) (*AuthRepo, error) {
	log := logging.Get(logging.CategoryRepo)

	kd := opts.KeysDescription
	if kd == nil {
		kd = config.DefaultKeysDescription(conf.Signing.DefaultScheme)
	}

	keystoreDir := firstNonEmpty(opts.KeystoreDir, kd.Keystore, conf.Keystore.Path,
		filepath.Join(config.Home(), "keystore"))
	log.Info("using keystore at %s", keystoreDir)

	signers, err := buildSigners(keystoreDir, kd, opts.HardwareSigners)
	if err != nil {
		return nil, err
	}

	repo := Open(path, conf)
	if existing := filepath.Join(path, MetadataDir, metadata.RootFile); fileExists(existing) {
		return nil, fmt.Errorf("authentication repository already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Join(path, TargetsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create targets directory: %w", err)
	}

	if opts.Test {
		testPath := filepath.Join(path, TargetsDir, TestTargetFile)
		if err := os.WriteFile(testPath, []byte("{}\n"), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write test target file: %w", err)
		}
		log.Info("marked repository as a test authentication repository")
	}

	if err := repo.writeInitialMetadata(kd, signers); err != nil {
		return nil, err
	}
	log.Info("created authentication repository at %s", path)

	if opts.Commit {
		if !gitrepo.IsRepo(path) {
			if _, err := gitrepo.Init(ctx, path, conf.Updater.DefaultBranch); err != nil {
				return nil, err
			}
		}
		sha, err := repo.Git.CommitAll(ctx, "Initial metadata")
		if err != nil {
			return nil, err
		}
		log.Info("committed initial metadata as %s", sha)
	}
	return repo, nil
}

func buildSigners(keystoreDir string, kd *config.KeysDescription, hw HardwareSignerFunc) (map[string][]metadata.Signer, error) {
	signers, err := keystore.GenerateRoleKeys(keystoreDir, kd)
	if err != nil {
		return nil, err
	}
	for _, role := range config.MetadataRoles {
		spec := kd.Roles[role]
		if !spec.Yubikey {
			continue
		}
		if hw == nil {
			return nil, fmt.Errorf("role %s requires hardware keys but no device access is available", role)
		}
		hwSigners, err := hw(role, spec)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role, err)
		}
		signers[role] = append(signers[role], hwSigners...)
	}
	return signers, nil
}

// writeInitialMetadata builds version-1 metadata for all four roles, signs
// it with the role signers and writes it to metadata/.
func (a *AuthRepo) writeInitialMetadata(kd *config.KeysDescription, signers map[string][]metadata.Signer) error {
	now := time.Now()
	days := func(n int) time.Time { return now.AddDate(0, 0, n) }

	root := metadata.NewRoot(days(a.conf.Signing.RootExpiresDays))
	for _, role := range config.MetadataRoles {
		for _, signer := range signers[role] {
			if err := root.AddRoleKey(role, signer.PublicKey()); err != nil {
				return err
			}
		}
		if err := root.SetThreshold(role, kd.Roles[role].Threshold); err != nil {
			return err
		}
	}

	targets := metadata.NewTargets(days(a.conf.Signing.TargetsExpiresDays))
	if err := a.registerTargetFiles(targets); err != nil {
		return err
	}

	snapshot := metadata.NewSnapshot(days(a.conf.Signing.SnapshotExpiresDays))
	snapshot.Update(root.Version, targets.Version)

	if err := a.writeSigned(metadata.RootFile, root, signers[metadata.TypeRoot]); err != nil {
		return err
	}
	if err := a.writeSigned(metadata.TargetsFile, targets, signers[metadata.TypeTargets]); err != nil {
		return err
	}
	snapshotData, err := a.writeSignedReturning(metadata.SnapshotFile, snapshot, signers[metadata.TypeSnapshot])
	if err != nil {
		return err
	}

	timestamp := metadata.NewTimestamp(days(a.conf.Signing.TimestampExpiresDays))
	timestamp.Update(snapshot.Version, snapshotData)
	return a.writeSigned(metadata.TimestampFile, timestamp, signers[metadata.TypeTimestamp])
}

// registerTargetFiles records every file under targets/ in targets metadata.
func (a *AuthRepo) registerTargetFiles(targets *metadata.Targets) error {
	targetsRoot := filepath.Join(a.Path, TargetsDir)
	return filepath.WalkDir(targetsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(targetsRoot, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		targets.AddTarget(filepath.ToSlash(rel), data, nil)
		return nil
	})
}

// ResignTargets re-registers all target files, bumps targets, snapshot and
// timestamp versions, and signs them. Used after target files change.
func (a *AuthRepo) ResignTargets(signers map[string][]metadata.Signer) error {
	set, err := a.LoadSet()
	if err != nil {
		return err
	}

	set.Targets.Targets = make(map[string]*metadata.TargetMeta)
	if err := a.registerTargetFiles(set.Targets); err != nil {
		return err
	}
	set.Targets.Bump(daysDur(a.conf.Signing.TargetsExpiresDays))

	set.Snapshot.Update(set.Root.Version, set.Targets.Version)
	set.Snapshot.Bump(daysDur(a.conf.Signing.SnapshotExpiresDays))

	if err := a.writeSigned(metadata.TargetsFile, set.Targets, signers[metadata.TypeTargets]); err != nil {
		return err
	}
	snapshotData, err := a.writeSignedReturning(metadata.SnapshotFile, set.Snapshot, signers[metadata.TypeSnapshot])
	if err != nil {
		return err
	}

	set.Timestamp.Update(set.Snapshot.Version, snapshotData)
	set.Timestamp.Bump(daysDur(a.conf.Signing.TimestampExpiresDays))
	return a.writeSigned(metadata.TimestampFile, set.Timestamp, signers[metadata.TypeTimestamp])
}

func daysDur(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func (a *AuthRepo) writeSigned(name string, role interface{}, signers []metadata.Signer) error {
	_, err := a.writeSignedReturning(name, role, signers)
	return err
}

func (a *AuthRepo) writeSignedReturning(name string, role interface{}, signers []metadata.Signer) ([]byte, error) {
	if len(signers) == 0 {
		return nil, fmt.Errorf("no signers available for %s", name)
	}
	env, err := metadata.Sign(role, signers...)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", name, err)
	}
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(a.Path, MetadataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	return data, nil
}

// LoadSet reads the repository's metadata from the working directory.
func (a *AuthRepo) LoadSet() (*metadata.Set, error) {
	return metadata.LoadSet(func(name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(a.Path, MetadataDir, name))
	})
}

// IsTestRepo reports whether the working tree carries the test target file.
func (a *AuthRepo) IsTestRepo() bool {
	return fileExists(filepath.Join(a.Path, TargetsDir, TestTargetFile))
}

// TargetFile is a pinned target repository state.
type TargetFile struct {
	Commit string `json:"commit"`
	Branch string `json:"branch,omitempty"`
}

// WriteTargetFile pins a target repository under targets/<name>.
func (a *AuthRepo) WriteTargetFile(name string, tf TargetFile) error {
	path := filepath.Join(a.Path, TargetsDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ParseTargetFile decodes a pinned target repository state.
func ParseTargetFile(data []byte) (*TargetFile, error) {
	var tf TargetFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("invalid target file: %w", err)
	}
	if tf.Commit == "" {
		return nil, fmt.Errorf("target file has no commit")
	}
	return &tf, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ReservedTargetFiles are targets/ entries that do not pin repositories.
var ReservedTargetFiles = map[string]bool{
	RepositoriesJSONFile: true,
	MirrorsJSONFile:      true,
	TestTargetFile:       true,
}

// TargetRepoNames lists the namespaced repository names pinned under
// targets/ in the working tree, skipping reserved files.
func (a *AuthRepo) TargetRepoNames() ([]string, error) {
	targetsRoot := filepath.Join(a.Path, TargetsDir)
	var names []string
	err := filepath.WalkDir(targetsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(targetsRoot, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if ReservedTargetFiles[name] {
			return nil
		}
		// Repository pins are namespaced (ns/repo); plain files at the top
		// level are ordinary targets.
		if !strings.Contains(name, "/") {
			return nil
		}
		names = append(names, name)
		return nil
	})
	return names, err
}
