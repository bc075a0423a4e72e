package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/nvandessel/tdecode/internal/config"
	"github.com/nvandessel/tdecode/internal/pathutil"
	"github.com/nvandessel/tdecode/internal/results"
	"github.com/spf13/cobra"
)

func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect runs saved in a results database",
		Long: `List, show, delete, export and import runs saved with --results-db.

The database is taken from --db, or output.results_db in the config.

Examples:
  tdecode results list --db runs.db
  tdecode results show 6f1c... --json
  tdecode results export runs.tda --db runs.db
  tdecode results import runs.tda --db other.db`,
	}

	cmd.PersistentFlags().String("db", "", "Results database (default output.results_db from the config)")

	cmd.AddCommand(
		newResultsListCmd(),
		newResultsShowCmd(),
		newResultsDeleteCmd(),
		newResultsExportCmd(),
		newResultsImportCmd(),
	)
	return cmd
}

// openResults opens the database named by --db or the config.
func openResults(cmd *cobra.Command) (*results.Store, error) {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Output.ResultsDB
	}
	if path == "" {
		return nil, fmt.Errorf("no results database: pass --db or set output.results_db")
	}
	return results.Open(cmd.Context(), path)
}

func newResultsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			limit, _ := cmd.Flags().GetInt("limit")

			store, err := openResults(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if runs == nil {
					runs = []results.Run{}
				}
				return json.NewEncoder(out).Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs saved.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tMODEL\tSCHEME\tDELAY\tWINDOW\tFOLDS\tSCORE")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%.4f\n",
					r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Model, r.Scheme,
					r.Delay, r.Window, r.Folds, r.MeanScore)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum number of runs (0 for all)")

	return cmd
}

func newResultsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its per-fold scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			store, err := openResults(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(run)
			}
			fmt.Fprintf(out, "Run %s (%s)\n", run.ID, run.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "  model=%s scheme=%s p=%v delay=%d window=%d k=%d max_folds=%d\n",
				run.Model, run.Scheme, run.P, run.Delay, run.Window, run.K, run.MaxFolds)
			fmt.Fprintf(out, "  subjects=%d folds=%d mean=%.4f\n\n", run.Subjects, run.Folds, run.MeanScore)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SUBJECT\tFOLD\tTRAIN\tTEST\tSCORE")
			for _, fs := range run.FoldScores {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.4f\n", fs.Group, fs.Fold, fs.TrainSize, fs.TestSize, fs.Score)
			}
			return w.Flush()
		},
	}
}

func newResultsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a saved run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			store, err := openResults(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]string{"status": "deleted", "id": args[0]})
			}
			fmt.Fprintf(out, "Deleted run %s\n", args[0])
			return nil
		},
	}
}

func newResultsExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write every saved run to a compressed archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			cfgPath, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			roots := cfg.Output.AllowedDirs
			if len(roots) == 0 {
				roots = pathutil.DefaultOutputRoots()
			}
			path, err := pathutil.ResolveOutput(args[0], roots)
			if err != nil {
				return fmt.Errorf("archive file: %w", err)
			}

			store, err := openResults(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			header, err := results.Export(cmd.Context(), store, path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"path":     path,
					"runs":     header.Runs,
					"checksum": header.Checksum,
				})
			}
			fmt.Fprintf(out, "Exported %d runs from %s to %s\n", header.Runs, pathutil.RedactPath(store.Path()), path)
			return nil
		},
	}
}

func newResultsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Add the runs of an archive, skipping ids already present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			store, err := openResults(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			imported, skipped, err := results.Import(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"imported": imported,
					"skipped":  skipped,
					"db":       store.Path(),
				})
			}
			fmt.Fprintf(out, "Imported %d runs into %s (%d already present)\n", imported, pathutil.RedactPath(store.Path()), skipped)
			return nil
		},
	}
}
