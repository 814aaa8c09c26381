package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/spf13/cobra"

	"taf/internal/cache"
	"taf/internal/config"
	"taf/internal/repository"
	"taf/internal/updater"
	"taf/internal/ux"
	"taf/internal/watch"
	"taf/internal/yubikey"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Create, update and validate authentication repositories",
}

// repo create

var (
	createKeysDescription string
	createKeystore        string
	createCommit          bool
	createTest            bool
)

var createCmd = &cobra.Command{
	Use:   "create [path]",
	Short: "Create a new authentication repository",
	Long: `Create a new authentication repository at the specified location by
registering signing keys and generating initial metadata files.

The keys description - given directly as JSON or as a path to a JSON file -
defines per role the number of keys, signature threshold, key length,
optional passwords, the signature scheme, and whether the keys live on
YubiKeys or in keystore files. For example:

  {
    "roles": {
      "root": {"number": 3, "length": 2048, "threshold": 2, "yubikey": true},
      "targets": {"length": 2048},
      "snapshot": {},
      "timestamp": {}
    },
    "keystore": "keystore_path"
  }

Without a keys description every role gets one keystore key with threshold 1.
Existing keystore files are reused; missing ones are generated.

With --test a special target file is created; updating the repository will
then require --expected-repo-type test.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	kd, err := config.ParseKeysDescription(createKeysDescription, conf.Signing.DefaultScheme)
	if err != nil {
		return err
	}
	_, err = repository.Create(ctx, args[0], conf, repository.CreateOptions{
		KeysDescription: kd,
		KeystoreDir:     createKeystore,
		Commit:          createCommit,
		Test:            createTest,
		HardwareSigners: yubikey.RoleSigners,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created authentication repository at %s\n", args[0])
	return nil
}

// repo generate-repositories-json

var (
	genLibraryDir    string
	genNamespace     string
	genTargetsRelDir string
	genCustom        string
	genUseMirrors    bool
)

var generateRepositoriesJSONCmd = &cobra.Command{
	Use:   "generate-repositories-json [path]",
	Short: "Generate repositories.json from the target repositories",
	Long: `Generate targets/repositories.json by traversing the target
repositories under library-dir/namespace and recording each one's url and
custom data under its namespaced name.

Library-dir defaults to two directories above the authentication repository;
namespace defaults to the name of the directory containing it. A
repository's url is its origin remote when set, and its filesystem location
otherwise (relative to --targets-rel-dir when given). With --use-mirrors a
targets/mirrors.json with {org_name}/{repo_name} url templates is written
instead of per-repository url lists.

The generated files are not signed automatically; review them, then re-sign
the targets metadata (taf repo initialize does both).`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerateRepositoriesJSON,
}

func runGenerateRepositoriesJSON(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	custom, err := repository.ParseCustom(genCustom)
	if err != nil {
		return err
	}
	repo := repository.Open(args[0], conf)
	repos, err := repo.GenerateRepositoriesJSON(ctx, repository.RepositoriesJSONOptions{
		LibraryDir:    genLibraryDir,
		Namespace:     genNamespace,
		TargetsRelDir: genTargetsRelDir,
		Custom:        custom,
		UseMirrors:    genUseMirrors,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Wrote repositories.json with %d repositories. Review it, then re-sign the targets metadata.\n",
		len(repos.Repositories))
	return nil
}

// repo initialize

var (
	initAddBranch bool
	initScheme    string
)

var initializeCmd = &cobra.Command{
	Use:   "initialize [path]",
	Short: "Create and fully populate a new authentication repository",
	Long: `Create and initialize a new authentication repository:

  1. Create the repository (generate initial metadata files)
  2. Commit the initial metadata if --commit is given
  3. Add target files pinning each target repository's HEAD commit
  4. Generate repositories.json
  5. Re-sign the metadata files
  6. Commit the changes if --commit is given

Combines the create, generate-repositories-json and re-signing steps. Run
the individual commands for greater control over each step.`,
	Args: cobra.ExactArgs(1),
	RunE: runInitialize,
}

func runInitialize(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	scheme := conf.Signing.DefaultScheme
	if initScheme != "" {
		scheme = initScheme
	}
	kd, err := config.ParseKeysDescription(createKeysDescription, scheme)
	if err != nil {
		return err
	}
	custom, err := repository.ParseCustom(genCustom)
	if err != nil {
		return err
	}

	_, err = repository.Initialize(ctx, args[0], conf, repository.InitializeOptions{
		Create: repository.CreateOptions{
			KeysDescription: kd,
			KeystoreDir:     createKeystore,
			Commit:          createCommit,
			Test:            createTest,
			HardwareSigners: yubikey.RoleSigners,
		},
		Repositories: repository.RepositoriesJSONOptions{
			LibraryDir:    genLibraryDir,
			Namespace:     genNamespace,
			TargetsRelDir: genTargetsRelDir,
			Custom:        custom,
			UseMirrors:    genUseMirrors,
		},
		AddBranch: initAddBranch,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Initialized authentication repository at %s\n", args[0])
	return nil
}

// repo update

var (
	updateAuthPath     string
	updateLibraryDir   string
	updateBranch       string
	updateFromFS       bool
	updateExpectedType string
	updateProfile      bool
	updateFormatOutput bool
)

var updateCmd = &cobra.Command{
	Use:   "update [url]",
	Short: "Update and validate a local authentication repository",
	Long: `Update and validate the local authentication repository and its
target repositories from a remote. Every new commit's metadata is validated
(signature thresholds, version monotonicity, snapshot and timestamp
consistency, target file hashes) before the local clone advances and the
pinned target repositories are brought to their recorded commits.

The local repository location is either given with --clients-auth-path or
derived as clients-library-dir/namespace/name from the url. When the url is
a filesystem path, pass --from-fs to skip url validation. Updating a test
authentication repository (one carrying the test target file) requires
--expected-repo-type test; type either skips the check.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

func runUpdate(cmd *cobra.Command, args []string) error {
	if updateAuthPath == "" && updateLibraryDir == "" {
		return fmt.Errorf("must specify either authentication repository path or library directory")
	}

	ctx, cancel := signalContext()
	defer cancel()

	if updateProfile {
		f, err := os.Create("updater.prof")
		if err != nil {
			return fmt.Errorf("failed to create profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("failed to start profiling: %w", err)
		}
		defer func() {
			pprof.StopCPUProfile()
			f.Close()
		}()
	}

	expected, err := updater.ParseRepoType(updateExpectedType)
	if err != nil {
		return err
	}

	store := openCache()
	if store != nil {
		defer store.Close()
	}

	res, err := updater.Update(ctx, updater.Settings{
		URL:           args[0],
		AuthPath:      updateAuthPath,
		LibraryDir:    updateLibraryDir,
		DefaultBranch: updateBranch,
		FromFS:        updateFromFS,
		Expected:      expected,
		Cache:         store,
		Conf:          conf,
	})

	if updateFormatOutput {
		return printFormatted(err)
	}
	if err != nil {
		return err
	}
	fmt.Println(ux.RenderResult(res, "Updated"))
	return nil
}

// printFormatted emits the machine-readable update outcome and swallows the
// error: consumers read the JSON, not the exit code.
func printFormatted(err error) error {
	out := map[string]interface{}{"updateSuccessful": err == nil}
	if err != nil {
		out["error"] = err.Error()
	}
	data, merr := json.Marshal(out)
	if merr != nil {
		return merr
	}
	fmt.Println(string(data))
	return nil
}

// repo validate

var (
	validateLibraryDir string
	validateBranch     string
	validateFromCommit string
	validateWatch      bool
)

var validateCmd = &cobra.Command{
	Use:   "validate [clients-auth-path]",
	Short: "Validate an authentication repository already on disk",
	Long: `Validates an authentication repository which is already on the
filesystem, and checks that its target repositories (also expected on the
filesystem) contain their pinned commits. Does not clone repositories,
fetch changes or merge commits.

With --watch, validation re-runs whenever the metadata or target files
change, until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	store := openCache()
	if store != nil {
		defer store.Close()
	}

	settings := updater.Settings{
		AuthPath:      args[0],
		LibraryDir:    validateLibraryDir,
		DefaultBranch: validateBranch,
		FromCommit:    validateFromCommit,
		Cache:         store,
		Conf:          conf,
	}

	validateOnce := func(ctx context.Context) error {
		res, err := updater.Validate(ctx, settings)
		if err != nil {
			return err
		}
		fmt.Println(ux.RenderResult(res, "Validated"))
		return nil
	}

	if err := validateOnce(ctx); err != nil && !validateWatch {
		return err
	}
	if !validateWatch {
		return nil
	}

	watcher, err := watch.New(args[0], validateOnce)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()
	fmt.Println("Watching for changes. Press Ctrl+C to stop.")
	<-ctx.Done()
	return nil
}

func openCache() *cache.Store {
	store, err := cache.Open(config.Home())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: validation cache unavailable: %v\n", err)
		return nil
	}
	return store
}

// signalContext returns a context cancelled by SIGINT/SIGTERM and bounded
// by the global timeout.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func init() {
	createCmd.Flags().StringVar(&createKeysDescription, "keys-description", "",
		"A dictionary containing information about the keys or a path to a json file which stores the needed information")
	createCmd.Flags().StringVar(&createKeystore, "keystore", "", "Location of the keystore files")
	createCmd.Flags().BoolVar(&createCommit, "commit", false, "Indicates if the changes should be committed automatically")
	createCmd.Flags().BoolVar(&createTest, "test", false, "Indicates if the created repository is a test authentication repository")

	generateRepositoriesJSONCmd.Flags().StringVar(&genLibraryDir, "library-dir", "",
		"Directory where target repositories and, optionally, authentication repository are located")
	generateRepositoriesJSONCmd.Flags().StringVar(&genNamespace, "namespace", "",
		"Namespace of the target repositories")
	generateRepositoriesJSONCmd.Flags().StringVar(&genTargetsRelDir, "targets-rel-dir", "",
		"Directory relative to which urls of the target repositories are calculated")
	generateRepositoriesJSONCmd.Flags().StringVar(&genCustom, "custom", "",
		"A dictionary containing custom targets info which will be added to repositories.json")
	generateRepositoriesJSONCmd.Flags().BoolVar(&genUseMirrors, "use-mirrors", false,
		"Whether to generate mirrors.json or not")

	initializeCmd.Flags().StringVar(&createKeysDescription, "keys-description", "",
		"A dictionary containing information about the keys or a path to a json file which stores the needed information")
	initializeCmd.Flags().StringVar(&createKeystore, "keystore", "", "Location of the keystore files")
	initializeCmd.Flags().BoolVar(&createCommit, "commit", false, "Indicates if the changes should be committed automatically")
	initializeCmd.Flags().BoolVar(&createTest, "test", false, "Indicates if the created repository is a test authentication repository")
	initializeCmd.Flags().StringVar(&genLibraryDir, "library-dir", "",
		"Directory where target repositories and, optionally, authentication repository are located")
	initializeCmd.Flags().StringVar(&genNamespace, "namespace", "", "Namespace of the target repositories")
	initializeCmd.Flags().StringVar(&genTargetsRelDir, "targets-rel-dir", "",
		"Directory relative to which urls of the target repositories are calculated")
	initializeCmd.Flags().StringVar(&genCustom, "custom", "",
		"A dictionary containing custom targets info which will be added to repositories.json")
	initializeCmd.Flags().BoolVar(&genUseMirrors, "use-mirrors", false, "Whether to generate mirrors.json or not")
	initializeCmd.Flags().BoolVar(&initAddBranch, "add-branch", false,
		"Whether to add name of the current branch to target files")
	initializeCmd.Flags().StringVar(&initScheme, "scheme", "", "A signature scheme used for signing")

	updateCmd.Flags().StringVar(&updateAuthPath, "clients-auth-path", "",
		"Directory where authentication repository is located")
	updateCmd.Flags().StringVar(&updateLibraryDir, "clients-library-dir", "",
		"Directory where target repositories and, optionally, authentication repository are located")
	updateCmd.Flags().StringVar(&updateBranch, "default-branch", "",
		"Name of the default branch, like main or master")
	updateCmd.Flags().BoolVar(&updateFromFS, "from-fs", false,
		"Indicates that the repository is cloned from the filesystem")
	updateCmd.Flags().StringVar(&updateExpectedType, "expected-repo-type", "either",
		"Expected authentication repository type - test, official or either")
	updateCmd.Flags().BoolVar(&updateProfile, "profile", false,
		"Run the profiler and generate a .prof file")
	updateCmd.Flags().BoolVar(&updateFormatOutput, "format-output", false,
		"Return formatted output which includes information on if build was successful and error message if it was raised")

	validateCmd.Flags().StringVar(&validateLibraryDir, "clients-library-dir", "",
		"Directory where target repositories and, optionally, authentication repository are located")
	validateCmd.Flags().StringVar(&validateBranch, "default-branch", "",
		"Name of the default branch, like main or master")
	validateCmd.Flags().StringVar(&validateFromCommit, "from-commit", "",
		"First commit which should be validated")
	validateCmd.Flags().BoolVar(&validateWatch, "watch", false,
		"Re-run validation whenever metadata or target files change")

	repoCmd.AddCommand(createCmd)
	repoCmd.AddCommand(generateRepositoriesJSONCmd)
	repoCmd.AddCommand(initializeCmd)
	repoCmd.AddCommand(updateCmd)
	repoCmd.AddCommand(validateCmd)
}
