package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nvandessel/tdecode/internal/crossval"
	"github.com/nvandessel/tdecode/internal/pathutil"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout is fixed-width so started_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("results: run not found")

// Run is one cross-validated evaluation and its settings.
type Run struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Model     string    `json:"model"`
	Scheme    string    `json:"scheme"`
	Delay     int       `json:"delay"`
	Window    int       `json:"time_window"`
	K         int       `json:"k"`
	P         float64   `json:"p"`
	MaxFolds  int       `json:"max_folds"`
	Subjects  int       `json:"subjects"`
	Folds     int       `json:"folds"`
	MeanScore float64   `json:"mean_score"`
	Config    string    `json:"-"`

	FoldScores []crossval.FoldScore `json:"fold_scores,omitempty"`
	Examples   []crossval.Example   `json:"examples,omitempty"`
}

// Store is a SQLite-backed run store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create results directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", pathutil.RedactPath(path), err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts run with its fold scores and examples in one transaction.
// An empty ID is filled with a new UUID and a zero StartedAt with the
// current time; the stored ID is returned.
func (s *Store) SaveRun(ctx context.Context, run *Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, model, scheme, delay, time_window, k, p, max_folds, subjects, folds, mean_score, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(timeLayout), run.Model, run.Scheme,
		run.Delay, run.Window, run.K, run.P, run.MaxFolds, run.Subjects, run.Folds, run.MeanScore, run.Config)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	foldStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fold_scores (run_id, seq, subject, fold, score, train_size, test_size)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare fold insert: %w", err)
	}
	defer foldStmt.Close()
	for i, fs := range run.FoldScores {
		if _, err := foldStmt.ExecContext(ctx, run.ID, i, fs.Group, fs.Fold, fs.Score, fs.TrainSize, fs.TestSize); err != nil {
			return "", fmt.Errorf("failed to insert fold score %d: %w", i, err)
		}
	}

	for _, ex := range run.Examples {
		labels, err := json.Marshal(ex.Labels)
		if err != nil {
			return "", err
		}
		preds, err := json.Marshal(ex.Predictions)
		if err != nil {
			return "", err
		}
		classes, err := marshalOptional(ex.Classes)
		if err != nil {
			return "", err
		}
		conf, err := marshalOptional(ex.Confidence)
		if err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO examples (run_id, subject, fold, score, labels, predictions, classes, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, ex.Group, ex.Fold, ex.Score, string(labels), string(preds), classes, conf); err != nil {
			return "", fmt.Errorf("failed to insert example for %s: %w", ex.Group, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}
	return run.ID, nil
}

func marshalOptional[T any](v []T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const runColumns = `id, started_at, model, scheme, delay, time_window, k, p, max_folds, subjects, folds, mean_score, config`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var started string
	var cfg sql.NullString
	if err := row.Scan(&r.ID, &started, &r.Model, &r.Scheme, &r.Delay, &r.Window, &r.K, &r.P,
		&r.MaxFolds, &r.Subjects, &r.Folds, &r.MeanScore, &cfg); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return nil, fmt.Errorf("run %s: bad started_at %q: %w", r.ID, started, err)
	}
	r.StartedAt = t
	r.Config = cfg.String
	return &r, nil
}

// ListRuns returns the most recent runs first, without fold scores or
// examples. limit <= 0 returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns the run with its fold scores and examples.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if r.FoldScores, err = s.FoldScores(ctx, id); err != nil {
		return nil, err
	}
	if r.Examples, err = s.examples(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

// FoldScores returns the fold scores of a run in evaluation order.
func (s *Store) FoldScores(ctx context.Context, runID string) ([]crossval.FoldScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, fold, score, train_size, test_size
		FROM fold_scores WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fold scores: %w", err)
	}
	defer rows.Close()

	var out []crossval.FoldScore
	for rows.Next() {
		var fs crossval.FoldScore
		if err := rows.Scan(&fs.Group, &fs.Fold, &fs.Score, &fs.TrainSize, &fs.TestSize); err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

func (s *Store) examples(ctx context.Context, runID string) ([]crossval.Example, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, fold, score, labels, predictions, classes, confidence
		FROM examples WHERE run_id = ? ORDER BY subject`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query examples: %w", err)
	}
	defer rows.Close()

	var out []crossval.Example
	for rows.Next() {
		var ex crossval.Example
		var labels, preds string
		var classes, conf sql.NullString
		if err := rows.Scan(&ex.Group, &ex.Fold, &ex.Score, &labels, &preds, &classes, &conf); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(labels), &ex.Labels); err != nil {
			return nil, fmt.Errorf("example %s labels: %w", ex.Group, err)
		}
		if err := json.Unmarshal([]byte(preds), &ex.Predictions); err != nil {
			return nil, fmt.Errorf("example %s predictions: %w", ex.Group, err)
		}
		if classes.Valid {
			if err := json.Unmarshal([]byte(classes.String), &ex.Classes); err != nil {
				return nil, fmt.Errorf("example %s classes: %w", ex.Group, err)
			}
		}
		if conf.Valid {
			if err := json.Unmarshal([]byte(conf.String), &ex.Confidence); err != nil {
				return nil, fmt.Errorf("example %s confidence: %w", ex.Group, err)
			}
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and, through the foreign keys, its folds and
// examples.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
