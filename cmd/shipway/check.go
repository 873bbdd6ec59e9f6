package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"shipway/internal/config"
	"shipway/internal/integration"
	"shipway/internal/ledger"
	"shipway/internal/mirror"
	"shipway/internal/registry"
	"shipway/internal/store"
)

var checkConfigFile string

var checkCmd = &cobra.Command{
	Use:   "check OWNER/REPO",
	Short: "Diagnose deployment readiness for a repository",
	Long: `Check everything a deployment for a repository needs:
configuration, database, integration completeness, source repository
reachability, and the registry image of the current deployment.

Example:
  shipway check acme/widgets`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVarP(&checkConfigFile, "config", "c", "", "Path to shipway.yaml configuration file")
}

func runCheck(cmd *cobra.Command, args []string) error {
	owner, repo, err := splitOwnerRepo(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	configFile = checkConfigFile
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "[fail] configuration: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "[ ok ] configuration loaded\n")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(out, "[fail] database: %v\n", err)
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(out, "[fail] database: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "[ ok ] database reachable at %s\n", cfg.DBPath)

	failed := false

	integs, err := integration.NewStore(db)
	if err != nil {
		return err
	}
	integ, err := integs.ByOwnerRepo(ctx, owner, repo)
	switch {
	case err != nil:
		fmt.Fprintf(out, "[fail] integration: none registered for %s/%s\n", owner, repo)
		failed = true
	case !integ.Provisioned():
		fmt.Fprintf(out, "[fail] integration: missing build or deploy project id\n")
		failed = true
	default:
		fmt.Fprintf(out, "[ ok ] integration complete (build %d, deploy %d)\n",
			*integ.BuildProjectID, *integ.DeployProjectID)
		if integ.PipelineID == nil {
			fmt.Fprintf(out, "[warn] no pipeline id yet, first deploy will create one\n")
		}
	}

	if !checkSourceRepo(ctx, out, cfg.SourceToken, owner, repo) {
		failed = true
	}

	checkRegistryImage(ctx, out, cfg, db, owner, repo)

	if failed {
		return fmt.Errorf("one or more checks failed")
	}
	fmt.Fprintf(out, "\nAll checks passed.\n")
	return nil
}

// checkSourceRepo verifies the source repository is reachable with the
// configured token.
func checkSourceRepo(ctx context.Context, out io.Writer, token, owner, repo string) bool {
	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	} else {
		client = github.NewClient(nil)
	}

	r, _, err := client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		fmt.Fprintf(out, "[fail] source repository: %v\n", err)
		return false
	}
	fmt.Fprintf(out, "[ ok ] source repository reachable (default branch %s)\n", r.GetDefaultBranch())
	return true
}

// checkRegistryImage spot-checks that the image of the current
// deployment still exists in the registry. Advisory: a missing image
// only matters if a rollback targets it.
func checkRegistryImage(ctx context.Context, out io.Writer, cfg *config.Config, db *sql.DB, owner, repo string) {
	led, err := ledger.NewStore(db)
	if err != nil {
		fmt.Fprintf(out, "[warn] registry check skipped: %v\n", err)
		return
	}

	current, err := led.Current(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			fmt.Fprintf(out, "[warn] no deployment history yet, registry check skipped\n")
		} else {
			fmt.Fprintf(out, "[warn] registry check skipped: %v\n", err)
		}
		return
	}

	// The recorded reference is authoritative: recomputing the name
	// would miss a unique image suffix.
	image, tag, ok := mirror.SplitImageRef(current.ImageRef)
	if !ok {
		fmt.Fprintf(out, "[warn] registry check skipped: unparseable image reference %q\n", current.ImageRef)
		return
	}

	client := &registry.Client{
		BaseURL:  cfg.Registry.URL,
		Username: cfg.Registry.Username,
		Password: cfg.Registry.Password,
	}
	exists, err := client.ManifestExists(ctx, image, tag)
	if err != nil {
		fmt.Fprintf(out, "[warn] registry check failed: %v\n", err)
		return
	}
	if !exists {
		fmt.Fprintf(out, "[warn] current image %s not found in registry\n", current.ImageRef)
		return
	}
	fmt.Fprintf(out, "[ ok ] current image present in registry (%s)\n", current.ImageRef)
}
