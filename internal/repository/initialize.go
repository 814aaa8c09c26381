package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"taf/internal/config"
	"taf/internal/gitrepo"
	"taf/internal/keystore"
	"taf/internal/logging"
	"taf/internal/metadata"
)

// InitializeOptions configures Initialize: a one-shot create + register
// target repositories + generate repositories.json + re-sign + commit.
type InitializeOptions struct {
	Create       CreateOptions
	Repositories RepositoriesJSONOptions

	// AddBranch records the current branch of each target repository in its
	// target file alongside the pinned commit.
	AddBranch bool
}

// Initialize creates and fully populates a new authentication repository.
// For finer control run the individual commands separately.
func Initialize(ctx context.Context, path string, conf *config.Config, opts InitializeOptions) (*AuthRepo, error) {
	log := logging.Get(logging.CategoryRepo)

	repo, err := Create(ctx, path, conf, opts.Create)
	if err != nil {
		return nil, err
	}

	if err := opts.Repositories.ResolveDefaults(path); err != nil {
		return nil, err
	}
	if err := repo.AddTargetRepos(ctx, opts.Repositories.LibraryDir,
		opts.Repositories.Namespace, opts.AddBranch); err != nil {
		return nil, err
	}
	if _, err := repo.GenerateRepositoriesJSON(ctx, opts.Repositories); err != nil {
		return nil, err
	}

	// Re-sign with the keystore signers created (or reused) by Create.
	kd := opts.Create.KeysDescription
	if kd == nil {
		kd = config.DefaultKeysDescription(conf.Signing.DefaultScheme)
	}
	keystoreDir := firstNonEmpty(opts.Create.KeystoreDir, kd.Keystore,
		conf.Keystore.Path, filepath.Join(config.Home(), "keystore"))
	signers, err := buildSigners(keystoreDir, kd, opts.Create.HardwareSigners)
	if err != nil {
		return nil, err
	}
	if err := repo.ResignTargets(signers); err != nil {
		return nil, err
	}

	if opts.Create.Commit {
		sha, err := repo.Git.CommitAll(ctx, "Register target repositories")
		if err != nil {
			return nil, err
		}
		log.Info("committed target registration as %s", sha)
	}
	return repo, nil
}

// AddTargetRepos writes a target file for each target repository under
// libraryDir/namespace, pinning its current HEAD commit.
func (a *AuthRepo) AddTargetRepos(ctx context.Context, libraryDir, namespace string, addBranch bool) error {
	log := logging.Get(logging.CategoryRepo)
	nsDir := filepath.Join(libraryDir, namespace)
	entries, err := os.ReadDir(nsDir)
	if err != nil {
		return fmt.Errorf("failed to read namespace directory %s: %w", nsDir, err)
	}

	authAbs, err := filepath.Abs(a.Path)
	if err != nil {
		return err
	}

	added := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		repoPath := filepath.Join(nsDir, entry.Name())
		if abs, err := filepath.Abs(repoPath); err == nil && abs == authAbs {
			continue
		}
		if !gitrepo.IsRepo(repoPath) {
			continue
		}

		git := gitrepo.New(repoPath)
		head, err := git.Head(ctx)
		if err != nil {
			return fmt.Errorf("target repository %s: %w", entry.Name(), err)
		}
		tf := TargetFile{Commit: head}
		if addBranch {
			branch, err := git.CurrentBranch(ctx)
			if err != nil {
				return fmt.Errorf("target repository %s: %w", entry.Name(), err)
			}
			tf.Branch = branch
		}
		name := namespace + "/" + entry.Name()
		if err := a.WriteTargetFile(name, tf); err != nil {
			return err
		}
		log.Debug("pinned %s at %s", name, head)
		added++
	}
	if added == 0 {
		return fmt.Errorf("no target repositories found in %s", nsDir)
	}
	log.Info("pinned %d target repositories", added)
	return nil
}

// KeystoreSigners loads the signers of all roles from a keystore directory,
// using the keys description for naming and schemes. Prompting happens for
// encrypted keys without passwords.
func KeystoreSigners(keystoreDir string, kd *config.KeysDescription) (map[string][]metadata.Signer, error) {
	signers := make(map[string][]metadata.Signer)
	for _, role := range config.MetadataRoles {
		spec := kd.Roles[role]
		if spec.Yubikey {
			continue
		}
		for i := 0; i < spec.Number; i++ {
			name := keystore.KeyFileName(role, i, spec.Number)
			signer, err := keystore.LoadSignerPrompting(keystoreDir, name, spec.Scheme, spec.Password(i))
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", role, err)
			}
			signers[role] = append(signers[role], signer)
		}
	}
	return signers, nil
}
