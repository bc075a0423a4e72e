package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nvandessel/tdecode/internal/config"
	"github.com/nvandessel/tdecode/internal/crossval"
	"github.com/nvandessel/tdecode/internal/dataset"
	"github.com/nvandessel/tdecode/internal/embedding"
	"github.com/nvandessel/tdecode/internal/estimator"
	"github.com/nvandessel/tdecode/internal/logging"
	"github.com/nvandessel/tdecode/internal/pathutil"
	"github.com/nvandessel/tdecode/internal/results"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [scans targets]",
		Short: "Embed every configured subject and report the cross-validated score",
		Long: `Run loads each configured subject, builds its delay/window embedding,
optionally keeps only the configured label categories, and evaluates the
model over every fold of the configured scheme. Fold scores of all
subjects are averaged into one mean score.

A single subject can be given on the command line instead of in the
config file.

Examples:
  tdecode run --config haxby.yaml
  tdecode run scans.arrow targets.txt --delay 2 --window 3 --p 0.1 --max-folds 100
  tdecode run --scheme leave-p-groups-out --p 1 --model logistic --examples-out examples.json`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or <scans> <targets>, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd, args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
			defer stop()

			jsonOut, _ := cmd.Flags().GetBool("json")
			return executeRun(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr(), jsonOut)
		},
	}

	cmd.Flags().Int("delay", 0, "Scans between a label and the first scan of its window")
	cmd.Flags().Int("window", 0, "Consecutive scans stacked per sample")
	cmd.Flags().Int("k", 0, "Keep the k best features per fold (0 keeps all)")
	cmd.Flags().Float64("p", 0, "Hold-out size: a fraction below 1, otherwise a count")
	cmd.Flags().Int("max-folds", 0, "Stop after this many folds per subject (0 is unlimited)")
	cmd.Flags().String("scheme", "", "Cross-validation scheme: leave-p-out or leave-p-groups-out")
	cmd.Flags().String("model", "", "Model: "+strings.Join(estimator.Names(), ", "))
	cmd.Flags().Bool("per-session", false, "Embed each session separately")
	cmd.Flags().StringSlice("labels", nil, "Keep only samples of these categories")
	cmd.Flags().String("examples-out", "", "Write first-fold predictions of every subject to this JSON file")
	cmd.Flags().String("results-db", "", "Append the run to this SQLite database")
	cmd.Flags().String("log-level", "", "Log level: info, debug, trace")

	return cmd
}

// loadRunConfig layers flags and positional arguments over the loaded
// config and validates the result.
func loadRunConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("delay") {
		cfg.Embedding.Delay, _ = flags.GetInt("delay")
	}
	if flags.Changed("window") {
		cfg.Embedding.TimeWindow, _ = flags.GetInt("window")
	}
	if flags.Changed("k") {
		cfg.Embedding.K, _ = flags.GetInt("k")
	}
	if flags.Changed("per-session") {
		cfg.Embedding.PerSession, _ = flags.GetBool("per-session")
	}
	if flags.Changed("p") {
		cfg.CV.P, _ = flags.GetFloat64("p")
	}
	if flags.Changed("max-folds") {
		cfg.CV.MaxFolds, _ = flags.GetInt("max-folds")
	}
	if flags.Changed("scheme") {
		cfg.CV.Scheme, _ = flags.GetString("scheme")
	}
	if flags.Changed("model") {
		cfg.Model.Name, _ = flags.GetString("model")
	}
	if flags.Changed("labels") {
		cfg.Data.Labels, _ = flags.GetStringSlice("labels")
	}
	if flags.Changed("examples-out") {
		cfg.Output.Examples, _ = flags.GetString("examples-out")
	}
	if flags.Changed("results-db") {
		cfg.Output.ResultsDB, _ = flags.GetString("results-db")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}

	if len(args) == 2 {
		cfg.Data.Subjects = []dataset.SubjectSource{{
			ID:      dataset.SubjectID(args[0]),
			Scans:   args[0],
			Targets: args[1],
		}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.Data.Subjects) == 0 {
		return nil, fmt.Errorf("no subjects configured: list them under data.subjects or pass <scans> <targets>")
	}
	return cfg, nil
}

// runReport is the JSON form of a finished run.
type runReport struct {
	RunID      string               `json:"run_id,omitempty"`
	MeanScore  float64              `json:"mean_score"`
	Folds      int                  `json:"folds"`
	Subjects   int                  `json:"subjects"`
	GroupMeans []crossval.FoldScore `json:"subject_means"`
	Examples   string               `json:"examples_file,omitempty"`
}

func executeRun(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer, jsonOut bool) error {
	logger := logging.NewLogger(cfg.Logging.Level, stderr)

	roots := cfg.Output.AllowedDirs
	if len(roots) == 0 {
		roots = pathutil.DefaultOutputRoots()
	}
	outputs, err := resolveOutputs(cfg, roots)
	if err != nil {
		return err
	}

	trace := logging.NewFoldTrace(outputs.traceDir, cfg.Logging.Level)
	defer trace.Close()

	started := time.Now().UTC()
	acc, subjects, err := evaluate(ctx, cfg, logger, trace)
	if err != nil {
		return err
	}
	res, err := acc.Result()
	if err != nil {
		return fmt.Errorf("no fold could be scored: %w", err)
	}
	logger.Info("run finished", "subjects", subjects, "folds", res.Folds, "elapsed", time.Since(started).Round(time.Millisecond))

	report := runReport{
		MeanScore:  res.MeanScore,
		Folds:      res.Folds,
		Subjects:   subjects,
		GroupMeans: acc.GroupMeans(),
	}

	if outputs.examples != "" {
		if err := writeExamples(outputs.examples, res.Examples); err != nil {
			return err
		}
		report.Examples = outputs.examples
	}

	if outputs.resultsDB != "" {
		id, err := saveRun(ctx, outputs.resultsDB, cfg, started, subjects, res)
		if err != nil {
			return err
		}
		report.RunID = id
		logger.Debug("run saved", "id", id, "db", pathutil.RedactPath(outputs.resultsDB))
	}

	if jsonOut {
		return json.NewEncoder(stdout).Encode(report)
	}
	for _, gm := range report.GroupMeans {
		fmt.Fprintf(stdout, "  %-12s %.4f\n", gm.Group, gm.Score)
	}
	fmt.Fprintf(stdout, "The accuracy is %.4f\n", res.MeanScore)
	if report.RunID != "" {
		fmt.Fprintf(stdout, "Saved run %s\n", report.RunID)
	}
	return nil
}

type runOutputs struct {
	examples  string
	resultsDB string
	traceDir  string
}

func resolveOutputs(cfg *config.Config, roots []string) (runOutputs, error) {
	var out runOutputs
	var err error
	if cfg.Output.Examples != "" {
		if out.examples, err = pathutil.ResolveOutput(cfg.Output.Examples, roots); err != nil {
			return out, fmt.Errorf("examples file: %w", err)
		}
	}
	if cfg.Output.ResultsDB != "" {
		if out.resultsDB, err = pathutil.ResolveOutput(cfg.Output.ResultsDB, roots); err != nil {
			return out, fmt.Errorf("results database: %w", err)
		}
	}
	if logging.ParseLevel(cfg.Logging.Level) < slog.LevelInfo {
		if out.traceDir, err = pathutil.ResolveOutput(cfg.Logging.TraceDir, roots); err != nil {
			return out, fmt.Errorf("trace directory: %w", err)
		}
	}
	return out, nil
}

// evaluate loads every subject and scores it into one accumulator. It
// returns the accumulator and the number of subjects that were evaluated.
func evaluate(ctx context.Context, cfg *config.Config, logger *slog.Logger, trace *logging.FoldTrace) (*crossval.Accumulator, int, error) {
	fit, score, err := estimator.New(cfg.Model.Name, cfg.Model.Params)
	if err != nil {
		return nil, 0, err
	}

	subjects, err := loadSubjects(ctx, cfg.Data, logger)
	if err != nil {
		return nil, 0, err
	}

	maxFolds, k, crit := cfg.ScorerOptions()
	scorer := &crossval.Scorer{
		Fit:       fit,
		Score:     score,
		K:         k,
		Criterion: crit,
		MaxFolds:  maxFolds,
		Trace:     trace,
		Logger:    logger,
	}

	warnSessionLeakage(logger, cfg)

	acc := &crossval.Accumulator{}
	for _, s := range subjects {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		emb, groups, err := embedSubject(s, cfg)
		if err != nil {
			return nil, 0, fmt.Errorf("subject %s: %w", s.ID, err)
		}
		folds, err := cfg.Folds(emb.Samples(), groups)
		if err != nil {
			return nil, 0, fmt.Errorf("subject %s: %w", s.ID, err)
		}

		logger.Info("evaluating subject", "subject", s.ID, "samples", emb.Samples(), "features", emb.Features(),
			"groups", crossval.NumGroups(groups))
		logFoldPlan(logger, s.ID, cfg.FoldCount(emb.Samples(), groups), maxFolds)
		if err := scorer.Evaluate(ctx, s.ID, emb.X, emb.Labels, folds, acc); err != nil {
			return nil, 0, err
		}
	}
	return acc, len(subjects), nil
}

// uncappedFoldLimit is the fold count above which an uncapped enumeration
// is reported as unlikely to finish.
const uncappedFoldLimit = 1e6

// logFoldPlan logs how many folds a subject will be scored on. It warns and
// returns true when no cap is set and the enumeration exceeds
// uncappedFoldLimit.
func logFoldPlan(logger *slog.Logger, subject string, total float64, maxFolds int) bool {
	planned := total
	if maxFolds > 0 && float64(maxFolds) < total {
		planned = float64(maxFolds)
	}
	logger.Info("fold plan", "subject", subject, "folds", planned, "enumerable", total)
	if maxFolds == 0 && total > uncappedFoldLimit {
		logger.Warn("uncapped fold enumeration will not finish in practice; set cv.max_folds or --max-folds",
			"subject", subject, "folds", fmt.Sprintf("%.3g", total))
		return true
	}
	return false
}

// warnSessionLeakage warns and returns true when leave-p-groups-out runs on
// an embedding whose windows can reach into the next session.
func warnSessionLeakage(logger *slog.Logger, cfg *config.Config) bool {
	if cfg.CV.Scheme != config.SchemeLeavePGroupsOut || cfg.Embedding.PerSession {
		return false
	}
	if cfg.Embedding.Delay+cfg.Embedding.TimeWindow <= 1 {
		return false
	}
	logger.Warn("windows near a session boundary hold scans of the next session; set embedding.per_session or --per-session",
		"delay", cfg.Embedding.Delay, "time_window", cfg.Embedding.TimeWindow)
	return true
}

// loadSubjects reads all subjects, Jobs at a time, keeping config order.
func loadSubjects(ctx context.Context, data config.DataConfig, logger *slog.Logger) ([]*dataset.Subject, error) {
	out := make([]*dataset.Subject, len(data.Subjects))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(data.Jobs)
	for i, src := range data.Subjects {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := dataset.LoadSubject(src, data.Categories)
			if err != nil {
				return err
			}
			rows, cols := s.Scans.Dims()
			logger.Debug("subject loaded", "subject", s.ID, "scans", rows, "voxels", cols)
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// embedSubject builds the subject's embedding, restricted to the configured
// labels, and the group id of every remaining row.
func embedSubject(s *dataset.Subject, cfg *config.Config) (*embedding.Embedding, []int, error) {
	delay, window := cfg.Embedding.Delay, cfg.Embedding.TimeWindow

	var emb *embedding.Embedding
	var groups []int
	var err error
	if cfg.Embedding.PerSession {
		emb, groups, err = embedding.BuildBySession(s.Scans, s.Labels, s.Sessions, delay, window)
		if err != nil {
			return nil, nil, err
		}
	} else {
		if emb, err = embedding.Build(s.Scans, s.Labels, delay, window); err != nil {
			return nil, nil, err
		}
		if groups, err = embedding.AlignGroups(s.Sessions, delay, window); err != nil {
			return nil, nil, err
		}
	}

	if len(cfg.Data.Labels) == 0 {
		return emb, groups, nil
	}
	keep, err := labelFilter(s.Categories, cfg.Data.Labels)
	if err != nil {
		return nil, nil, err
	}
	filtered, idx, err := embedding.FilterLabels(emb, keep)
	if err != nil {
		return nil, nil, err
	}
	return filtered, embedding.SelectValues(groups, idx), nil
}

// labelFilter turns configured label names into label values. Without
// categories the names must be numbers.
func labelFilter(categories, names []string) ([]float64, error) {
	if len(categories) > 0 {
		return dataset.LabelCodes(categories, names)
	}
	out := make([]float64, len(names))
	for i, n := range names {
		v, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, fmt.Errorf("label %q: numeric labels need numeric filters", n)
		}
		out[i] = v
	}
	return out, nil
}

func writeExamples(path string, examples []crossval.Example) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create examples directory: %w", err)
	}
	data, err := json.MarshalIndent(examples, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal examples: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write examples: %w", err)
	}
	return nil
}

func saveRun(ctx context.Context, path string, cfg *config.Config, started time.Time, subjects int, res *crossval.Result) (string, error) {
	// The run is already computed; an interrupt after this point should not
	// lose it.
	ctx = context.WithoutCancel(ctx)

	store, err := results.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer store.Close()

	snapshot, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot config: %w", err)
	}

	id, err := store.SaveRun(ctx, &results.Run{
		StartedAt:  started,
		Model:      cfg.Model.Name,
		Scheme:     cfg.CV.Scheme,
		Delay:      cfg.Embedding.Delay,
		Window:     cfg.Embedding.TimeWindow,
		K:          cfg.Embedding.K,
		P:          cfg.CV.P,
		MaxFolds:   cfg.CV.MaxFolds,
		Subjects:   subjects,
		Folds:      res.Folds,
		MeanScore:  res.MeanScore,
		Config:     string(snapshot),
		FoldScores: res.FoldScores,
		Examples:   res.Examples,
	})
	if err != nil {
		return "", fmt.Errorf("failed to save run: %w", err)
	}
	return id, nil
}

// isCanceled reports whether err came from an interrupt.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
