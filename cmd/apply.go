package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/internal/observability"
	"github.com/xkilldash9x/autoapply/internal/orchestrator"
	"github.com/xkilldash9x/autoapply/internal/service"
)

// Bookkeeping after the run context was cancelled still needs a deadline.
const cleanupTimeout = 30 * time.Second

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type applyOptions struct {
	profile   string
	urlsFile  string
	storeKind string
	criteria  string
	user      string
}

// newApplyCmd creates and configures the `apply` command.
func newApplyCmd(a *app) *cobra.Command {
	var opts applyOptions

	applyCmd := &cobra.Command{
		Use:   "apply [urls...]",
		Short: "Applies to the given job postings using a candidate profile",
		Long: `Starts the task engine, creates a workflow with one job per URL and waits
until every job reached a final outcome. The status snapshot is printed as JSON.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && opts.urlsFile == "" {
				return errors.New("requires at least one job URL or --urls-file")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			urls, err := collectURLs(args, opts.urlsFile)
			if err != nil {
				return err
			}
			return a.runApply(cmd.Context(), cmd.OutOrStdout(), urls, opts)
		},
	}

	applyCmd.Flags().StringVarP(&opts.profile, "profile", "p", "", "Candidate profile file or name in the profile directory.")
	applyCmd.Flags().StringVar(&opts.urlsFile, "urls-file", "", "File with one job URL per line. Blank lines and # comments are skipped.")
	applyCmd.Flags().StringVar(&opts.storeKind, "store", "", "Workflow store: 'memory' or 'postgres'. (Default picks postgres when a database URL is set)")
	applyCmd.Flags().StringVar(&opts.criteria, "criteria", "", "Free text search criteria recorded on the workflow.")
	applyCmd.Flags().StringVar(&opts.user, "user", "", "Owning user reference recorded on the workflow.")

	// Configuration override flags, applied in PersistentPreRunE.
	applyCmd.Flags().IntP("concurrency", "j", 0, "Number of concurrent engine workers. (Overrides config/env)")
	applyCmd.Flags().Int("max-attempts", 0, "Attempts per stage before a task fails. (Overrides config/env)")
	applyCmd.Flags().Bool("headless", true, "Run the browser without a window. (Overrides config/env)")

	_ = applyCmd.MarkFlagRequired("profile")
	return applyCmd
}

func (a *app) runApply(ctx context.Context, out io.Writer, urls []string, opts applyOptions) error {
	logger := observability.GetLogger()

	components, err := a.factory.Create(ctx, a.cfg, service.Options{StoreKind: opts.storeKind}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	components.TaskEngine.Start(ctx)

	workflowID, startErr := components.Orchestrator.StartWorkflow(ctx, orchestrator.StartRequest{
		JobURLs:    urls,
		ProfileRef: opts.profile,
		UserRef:    opts.user,
		Criteria:   opts.criteria,
	})
	if workflowID == "" {
		return startErr
	}
	logger = logger.With(zap.String("workflow_id", workflowID))

	var waitErr error
	if startErr != nil {
		logger.Error("Workflow seeding failed", zap.Error(startErr))
	} else {
		logger.Info("Workflow started", zap.Int("jobs", len(urls)))
		wf, err := components.Orchestrator.Wait(ctx, workflowID)
		if err != nil {
			waitErr = err
			a.abandon(components.Orchestrator, workflowID, logger)
		} else {
			logger.Info("Workflow finished", observability.WorkflowFields(wf)...)
		}
	}

	statusCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	snapshot, err := components.Orchestrator.GetStatus(statusCtx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to read workflow status: %w", err)
	}
	if err := writeJSON(out, snapshot); err != nil {
		return err
	}

	if startErr != nil {
		return startErr
	}
	return waitErr
}

// abandon cancels a workflow whose caller stopped waiting for it.
func (a *app) abandon(orch *orchestrator.Orchestrator, workflowID string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := orch.CancelWorkflow(ctx, workflowID); err != nil && !errors.Is(err, orchestrator.ErrWorkflowFinished) {
		logger.Warn("Could not cancel abandoned workflow", zap.Error(err))
		return
	}
	logger.Warn("Workflow cancelled before completion")
}

// collectURLs merges positional URLs with the lines of urlsFile, dropping
// blanks, comments and duplicates while keeping first-seen order.
func collectURLs(args []string, urlsFile string) ([]string, error) {
	urls := make([]string, 0, len(args))
	seen := make(map[string]struct{}, len(args))
	add := func(raw string) {
		u := strings.TrimSpace(raw)
		if u == "" || strings.HasPrefix(u, "#") {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	for _, arg := range args {
		add(arg)
	}

	if urlsFile != "" {
		path, err := homedir.Expand(urlsFile)
		if err != nil {
			return nil, fmt.Errorf("invalid urls file path: %w", err)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open urls file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			add(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read urls file: %w", err)
		}
	}

	if len(urls) == 0 {
		return nil, errors.New("no job URLs given")
	}
	return urls, nil
}

func writeJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
