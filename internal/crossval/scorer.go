package crossval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nvandessel/tdecode/internal/embedding"
	"github.com/nvandessel/tdecode/internal/logging"
	"gonum.org/v1/gonum/mat"
)

// ErrNoValidFolds is returned when a run evaluated zero folds.
var ErrNoValidFolds = errors.New("crossval: no valid folds evaluated")

// Model is a fitted classifier or regressor.
type Model interface {
	Predict(x mat.Matrix) []float64
}

// ProbabilisticModel is a Model that also reports per-class confidence.
// Column j of PredictProba corresponds to Classes()[j].
type ProbabilisticModel interface {
	Model
	Classes() []float64
	PredictProba(x mat.Matrix) *mat.Dense
}

// FitFunc fits a model on training rows.
type FitFunc func(x mat.Matrix, y []float64) (Model, error)

// ScoreFunc scores a fitted model on test rows.
type ScoreFunc func(m Model, x mat.Matrix, y []float64) (float64, error)

// Scorer runs the fit/score loop over a fold enumeration.
//
// Scorer holds no per-run state; everything a run produces goes into the
// Accumulator passed to Evaluate.
type Scorer struct {
	Fit   FitFunc
	Score ScoreFunc

	// K > 0 enables top-k univariate feature selection, fit on each
	// training fold and applied to its test fold.
	K         int
	Criterion embedding.Criterion

	// MaxFolds > 0 stops enumeration after that many evaluated folds per
	// Evaluate call. Zero means no cap.
	MaxFolds int

	Trace  *logging.FoldTrace
	Logger *slog.Logger
}

// Evaluate fits and scores one model per fold of folds over (x, y), in
// enumeration order, adding each fold score to acc. group names the
// top-level unit (e.g. the subject) the folds belong to; the first fold
// evaluated in each call is kept as an Example.
//
// Folds with an empty train or test side are skipped and not counted. An
// error from Fit or Score is returned unchanged and aborts the run, as does
// cancelling ctx, which is checked before every fold.
func (s *Scorer) Evaluate(ctx context.Context, group string, x *mat.Dense, y []float64, folds FoldIterator, acc *Accumulator) error {
	if s.Fit == nil || s.Score == nil {
		return fmt.Errorf("crossval: scorer needs both a fit and a score function")
	}
	if acc == nil {
		return fmt.Errorf("crossval: nil accumulator")
	}
	rows, _ := x.Dims()
	if rows != len(y) {
		return fmt.Errorf("crossval: %d labels for %d samples", len(y), rows)
	}
	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	// One-shot capture of the group's first evaluated fold.
	captureExample := true
	evaluated := 0

	for s.MaxFolds <= 0 || evaluated < s.MaxFolds {
		if err := ctx.Err(); err != nil {
			return err
		}
		fold, ok := folds.Next()
		if !ok {
			break
		}
		if len(fold.Train) == 0 || len(fold.Test) == 0 {
			logger.Debug("skipping degenerate fold", "group", group, "fold", fold.Index,
				"train", len(fold.Train), "test", len(fold.Test))
			continue
		}

		xTrain := embedding.SelectRows(x, fold.Train)
		xTest := embedding.SelectRows(x, fold.Test)
		yTrain := embedding.SelectValues(y, fold.Train)
		yTest := embedding.SelectValues(y, fold.Test)

		if s.K > 0 {
			crit := s.Criterion
			if crit == "" {
				crit = embedding.FClassif
			}
			sel, err := embedding.FitSelector(xTrain, yTrain, s.K, crit)
			if err != nil {
				return fmt.Errorf("fold %d of %s: feature selection: %w", fold.Index, group, err)
			}
			xTrain = sel.Transform(xTrain)
			xTest = sel.Transform(xTest)
		}

		model, err := s.Fit(xTrain, yTrain)
		if err != nil {
			return err
		}
		score, err := s.Score(model, xTest, yTest)
		if err != nil {
			return err
		}

		_, features := xTrain.Dims()
		acc.Add(FoldScore{
			Group:     group,
			Fold:      fold.Index,
			Score:     score,
			TrainSize: len(fold.Train),
			TestSize:  len(fold.Test),
		})
		s.Trace.Log(logging.FoldRecord{
			Group:     group,
			Fold:      fold.Index,
			TrainSize: len(fold.Train),
			TestSize:  len(fold.Test),
			Features:  features,
			Score:     score,
			Test:      fold.Test,
		})
		logger.Log(ctx, logging.LevelTrace, "fold scored", "group", group, "fold", fold.Index, "score", score)

		if captureExample {
			acc.Examples = append(acc.Examples, newExample(group, fold.Index, score, model, xTest, yTest))
			captureExample = false
		}
		evaluated++
	}

	logger.Debug("group evaluated", "group", group, "folds", evaluated)
	return nil
}

func newExample(group string, fold int, score float64, m Model, x mat.Matrix, y []float64) Example {
	ex := Example{
		Group:       group,
		Fold:        fold,
		Score:       score,
		Labels:      append([]float64(nil), y...),
		Predictions: m.Predict(x),
	}
	if pm, ok := m.(ProbabilisticModel); ok {
		ex.Classes = pm.Classes()
		proba := pm.PredictProba(x)
		r, _ := proba.Dims()
		ex.Confidence = make([][]float64, r)
		for i := 0; i < r; i++ {
			ex.Confidence[i] = mat.Row(nil, i, proba)
		}
	}
	return ex
}
