// Command steepctl is the Steep command line client: submit a workflow
// file, inspect a submission or its process chains, or cancel a submission.
// It talks to the same SubmissionRegistry backend steepd runs against
// (db.driver postgresql or mongodb). db.driver=inmemory is rejected, since
// steepd's in-memory store cannot be reached from another process; any
// other driver value gives steepctl a fresh in-process memory registry that
// shares nothing with steepd. Root command structure
// follows the teacher's own CLI (cmd/cmd.go: a cobra.Command root, a
// package-level --config persistent flag, RunE returning wrapped errors).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/steep-wms/steep/pkg/config"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/registry"
	"github.com/steep-wms/steep/pkg/registry/memory"
	"github.com/steep-wms/steep/pkg/registry/mongo"
	"github.com/steep-wms/steep/pkg/registry/postgres"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "steepctl",
	Short: "Submit and inspect Steep workflow submissions",
}

var submitCmd = &cobra.Command{
	Use:   "submit <workflow.json>",
	Short: "Submit a workflow file for decomposition and execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read workflow file: %w", err)
		}
		var wf model.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("parse workflow file: %w", err)
		}

		reg, err := connectRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer reg.Close()

		sub := &model.Submission{ID: uuid.NewString(), Workflow: wf, Status: model.SubmissionAccepted}
		if err := reg.AddSubmission(cmd.Context(), sub); err != nil {
			return fmt.Errorf("add submission: %w", err)
		}
		fmt.Println(sub.ID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <submissionId>",
	Short: "Show a submission's current status and results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := connectRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer reg.Close()

		sub, err := reg.FindSubmissionByID(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("find submission: %w", err)
		}
		return printJSON(sub)
	},
}

var chainsCmd = &cobra.Command{
	Use:   "chains <submissionId>",
	Short: "List a submission's process chains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := connectRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer reg.Close()

		chains, err := reg.FindProcessChainsBySubmission(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("find process chains: %w", err)
		}
		return printJSON(chains)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <submissionId>",
	Short: "Cancel a submission",
	Long: "Cancel moves the submission and its REGISTERED process chains to CANCELLED. " +
		"It does not notify agents already running a chain (that requires a live connection to the " +
		"cluster's event bus, which steepd's controller holds and steepctl does not) — a RUNNING " +
		"chain settles on its own and its own final status is recorded when it finishes, " +
		"while the submission stays CANCELLED.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := connectRegistry(cmd.Context())
		if err != nil {
			return err
		}
		defer reg.Close()

		id := args[0]
		if err := reg.SetSubmissionStatus(cmd.Context(), id, model.SubmissionCancelled); err != nil {
			return fmt.Errorf("set submission status: %w", err)
		}
		n, err := reg.SetAllProcessChainStatusBySubmission(cmd.Context(), id, model.ChainRegistered, model.ChainCancelled)
		if err != nil {
			return fmt.Errorf("cancel process chains: %w", err)
		}
		fmt.Printf("submission %s cancelled, %d REGISTERED chain(s) cancelled\n", id, n)
		return nil
	},
}

func connectRegistry(ctx context.Context) (registry.SubmissionRegistry, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	switch cfg.DB.Driver {
	case "postgresql":
		return postgres.Connect(ctx, cfg.DB.URL)
	case "mongodb":
		return mongo.Connect(ctx, cfg.DB.URL, "steep")
	case "inmemory":
		return nil, fmt.Errorf("db.driver=inmemory has no storage steepctl can reach from another process; " +
			"run steepd with db.driver=postgresql or mongodb to use steepctl against it")
	default:
		return memory.New(), nil
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the YAML configuration file")
	rootCmd.AddCommand(submitCmd, statusCmd, chainsCmd, cancelCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "steepctl: "+err.Error())
		os.Exit(1)
	}
}
