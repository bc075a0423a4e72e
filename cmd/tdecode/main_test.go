package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvandessel/tdecode/internal/config"
	"github.com/nvandessel/tdecode/internal/crossval"
	"github.com/nvandessel/tdecode/internal/logging"
	"github.com/nvandessel/tdecode/internal/results"
)

// isolateHome sets HOME to a temp directory so no real ~/.tdecode/ config
// is picked up.
func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

// writeSubject writes a 60-scan, two-session subject whose first voxel at
// scan t is +5 for a face and -5 for a house shown at scan t-2.
func writeSubject(t *testing.T, dir string) (scans, targets string) {
	t.Helper()
	return writeNamedSubject(t, dir, "sub-01")
}

func writeNamedSubject(t *testing.T, dir, name string) (scans, targets string) {
	t.Helper()
	const n = 60
	labels := make([]string, n)
	for i := range labels {
		labels[i] = "face"
		if (i/5)%2 == 1 {
			labels[i] = "house"
		}
	}

	var sb, tb strings.Builder
	sb.WriteString("v0,v1\n")
	tb.WriteString("labels chunk\n")
	for i := 0; i < n; i++ {
		v0 := 0.0
		if i >= 2 {
			v0 = -5
			if labels[i-2] == "face" {
				v0 = 5
			}
			v0 += 0.1 * float64(i%3)
		}
		fmt.Fprintf(&sb, "%g,%d\n", v0, i%7)
		fmt.Fprintf(&tb, "%s %d\n", labels[i], i/30)
	}

	scans = filepath.Join(dir, name, "scans.csv")
	targets = filepath.Join(dir, name, "targets.txt")
	if err := os.MkdirAll(filepath.Dir(scans), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(scans, []byte(sb.String()), 0600); err != nil {
		t.Fatalf("write scans: %v", err)
	}
	if err := os.WriteFile(targets, []byte(tb.String()), 0600); err != nil {
		t.Fatalf("write targets: %v", err)
	}
	return scans, targets
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRun_PrintsAccuracy(t *testing.T) {
	isolateHome(t)
	scans, targets := writeSubject(t, t.TempDir())

	out, err := execute(t, "run", scans, targets, "--delay", "2", "--window", "1", "--max-folds", "20")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out, "The accuracy is 1.0000") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "sub-01") {
		t.Errorf("expected per-subject line, got:\n%s", out)
	}
}

func TestRun_JSONResultsAndExamples(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	scans, targets := writeSubject(t, dir)
	db := filepath.Join(dir, "out", "runs.db")
	examples := filepath.Join(dir, "out", "examples.json")

	out, err := execute(t, "run", scans, targets, "--json",
		"--delay", "2", "--window", "1", "--p", "3", "--max-folds", "5",
		"--model", "knn", "--results-db", db, "--examples-out", examples)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var report runReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if report.MeanScore != 1 || report.Folds != 5 || report.Subjects != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.RunID == "" {
		t.Fatal("expected a run id")
	}

	data, err := os.ReadFile(examples)
	if err != nil {
		t.Fatalf("examples not written: %v", err)
	}
	var exs []crossval.Example
	if err := json.Unmarshal(data, &exs); err != nil {
		t.Fatalf("examples not JSON: %v", err)
	}
	if len(exs) != 1 || exs[0].Group != "sub-01" || len(exs[0].Labels) != 3 {
		t.Errorf("examples = %+v", exs)
	}
	if len(exs[0].Confidence) != 3 {
		t.Errorf("knn examples should carry confidences, got %v", exs[0].Confidence)
	}

	out, err = execute(t, "results", "list", "--db", db, "--json")
	if err != nil {
		t.Fatalf("results list failed: %v", err)
	}
	var runs []results.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("results list output not JSON: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != report.RunID || runs[0].Model != "knn" {
		t.Errorf("runs = %+v", runs)
	}

	out, err = execute(t, "results", "show", report.RunID, "--db", db)
	if err != nil {
		t.Fatalf("results show failed: %v", err)
	}
	if !strings.Contains(out, "mean=1.0000") || !strings.Contains(out, "SUBJECT") {
		t.Errorf("unexpected show output:\n%s", out)
	}

	archive := filepath.Join(dir, "out", "runs.tda")
	if _, err := execute(t, "results", "export", archive, "--db", db); err != nil {
		t.Fatalf("results export failed: %v", err)
	}
	other := filepath.Join(dir, "out", "other.db")
	out, err = execute(t, "results", "import", archive, "--db", other, "--json")
	if err != nil {
		t.Fatalf("results import failed: %v", err)
	}
	var imported struct {
		Imported int    `json:"imported"`
		Skipped  int    `json:"skipped"`
		DB       string `json:"db"`
	}
	if err := json.Unmarshal([]byte(out), &imported); err != nil {
		t.Fatalf("import output not JSON: %v", err)
	}
	if imported.Imported != 1 || imported.Skipped != 0 || imported.DB != other {
		t.Errorf("import = %+v", imported)
	}

	if _, err := execute(t, "results", "delete", report.RunID, "--db", db); err != nil {
		t.Fatalf("results delete failed: %v", err)
	}
	if _, err := execute(t, "results", "show", report.RunID, "--db", db); err == nil {
		t.Error("show after delete should fail")
	}
}

func TestRun_LeaveSessionOut(t *testing.T) {
	isolateHome(t)
	scans, targets := writeSubject(t, t.TempDir())

	out, err := execute(t, "run", scans, targets, "--json",
		"--delay", "2", "--window", "1", "--per-session",
		"--scheme", "leave-p-groups-out", "--p", "1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	var report runReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if report.Folds != 2 || report.MeanScore != 1 {
		t.Errorf("report = %+v, want 2 folds scoring 1", report)
	}
}

func TestRun_LabelFilterUnknownCategory(t *testing.T) {
	isolateHome(t)
	scans, targets := writeSubject(t, t.TempDir())

	_, err := execute(t, "run", scans, targets, "--delay", "2", "--window", "1",
		"--max-folds", "1", "--labels", "face,shoe")
	if err == nil || !strings.Contains(err.Error(), "shoe") {
		t.Errorf("expected unknown category error, got %v", err)
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	isolateHome(t)
	t.Chdir(t.TempDir())

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"one positional", []string{"run", "scans.csv"}, "expected no arguments"},
		{"no subjects", []string{"run"}, "no subjects configured"},
		{"bad window", []string{"run", "a.csv", "b.txt", "--window", "0"}, "time_window"},
		{"bad model", []string{"run", "a.csv", "b.txt", "--model", "svm"}, "invalid model"},
		{"output outside allowed dirs", []string{"run", "a.csv", "b.txt", "--examples-out", "/proc/nope/examples.json"}, "outside allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigInitAndShow(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "tdecode.yaml")

	if _, err := execute(t, "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := execute(t, "config", "init", path); err == nil {
		t.Error("second init without --force should fail")
	}
	if _, err := execute(t, "config", "init", path, "--force"); err != nil {
		t.Errorf("init --force failed: %v", err)
	}

	out, err := execute(t, "config", "show", "--config", path, "--json")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	var shown map[string]interface{}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("config show output not JSON: %v", err)
	}
	if _, ok := shown["embedding"]; !ok {
		t.Errorf("config show missing embedding section: %v", shown)
	}

	out, err = execute(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("unexpected validate output: %s", out)
	}
}

func TestResults_NoDatabase(t *testing.T) {
	isolateHome(t)
	t.Chdir(t.TempDir())

	_, err := execute(t, "results", "list")
	if err == nil || !strings.Contains(err.Error(), "no results database") {
		t.Errorf("expected missing database error, got %v", err)
	}
}

func TestVersionCmd_JSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("version output not JSON: %v", err)
	}
	if v["version"] != version {
		t.Errorf("version = %q, want %q", v["version"], version)
	}
}

func TestLabelFilter(t *testing.T) {
	got, err := labelFilter(nil, []string{"6", "7"})
	if err != nil {
		t.Fatalf("labelFilter() error = %v", err)
	}
	if len(got) != 2 || got[0] != 6 || got[1] != 7 {
		t.Errorf("labelFilter() = %v", got)
	}

	if _, err := labelFilter(nil, []string{"face"}); err == nil {
		t.Error("named filter without categories should fail")
	}

	got, err = labelFilter([]string{"cat", "face"}, []string{"face"})
	if err != nil || len(got) != 1 || got[0] != 2 {
		t.Errorf("labelFilter() = %v, %v", got, err)
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "tdecode.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_SubjectsWithoutIDs(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	writeNamedSubject(t, dir, "sub-01")
	writeNamedSubject(t, dir, "sub-02")
	cfgPath := writeConfig(t, dir, `embedding:
  delay: 2
  time_window: 1
cv:
  max_folds: 5
data:
  subjects:
    - scans: sub-01/scans.csv
      targets: sub-01/targets.txt
    - scans: sub-02/scans.csv
      targets: sub-02/targets.txt
`)
	db := filepath.Join(dir, "out", "runs.db")

	out, err := execute(t, "run", "--config", cfgPath, "--json", "--results-db", db)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	var report runReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if report.Subjects != 2 || report.Folds != 10 || report.RunID == "" {
		t.Errorf("report = %+v", report)
	}
	if len(report.GroupMeans) != 2 || report.GroupMeans[0].Group != "sub-01" || report.GroupMeans[1].Group != "sub-02" {
		t.Errorf("subject means = %+v", report.GroupMeans)
	}

	out, err = execute(t, "results", "show", report.RunID, "--db", db, "--json")
	if err != nil {
		t.Fatalf("results show failed: %v", err)
	}
	var run results.Run
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("show output not JSON: %v", err)
	}
	if len(run.Examples) != 2 {
		t.Errorf("expected one example per subject, got %d", len(run.Examples))
	}
}

func TestRun_DuplicateSubjectIDs(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	writeNamedSubject(t, dir, "sub-01")
	cfgPath := writeConfig(t, dir, `data:
  subjects:
    - id: s
      scans: sub-01/scans.csv
      targets: sub-01/targets.txt
    - id: s
      scans: sub-01/scans.csv
      targets: sub-01/targets.txt
`)

	_, err := execute(t, "run", "--config", cfgPath, "--max-folds", "1")
	if err == nil || !strings.Contains(err.Error(), `share id "s"`) {
		t.Errorf("expected duplicate id error, got %v", err)
	}
}

func TestConvert_ArrowScansRun(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	scans, targets := writeSubject(t, dir)
	arrowScans := filepath.Join(dir, "sub-01", "scans.arrow")

	out, err := execute(t, "convert", scans, arrowScans)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if !strings.Contains(out, "60 scans x 2 voxels") {
		t.Errorf("unexpected convert output: %s", out)
	}

	out, err = execute(t, "run", arrowScans, targets, "--delay", "2", "--window", "1", "--max-folds", "20")
	if err != nil {
		t.Fatalf("run on arrow scans failed: %v", err)
	}
	if !strings.Contains(out, "The accuracy is 1.0000") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestConvert_OutsideAllowedDirs(t *testing.T) {
	isolateHome(t)
	scans, _ := writeSubject(t, t.TempDir())

	if _, err := execute(t, "convert", scans, "/proc/nope/scans.arrow"); err == nil || !strings.Contains(err.Error(), "outside allowed") {
		t.Errorf("expected containment error, got %v", err)
	}
}

func TestLogFoldPlan(t *testing.T) {
	tests := []struct {
		name     string
		total    float64
		maxFolds int
		wantWarn bool
	}{
		{"small uncapped", 45, 0, false},
		{"huge capped", 1e40, 100, false},
		{"huge uncapped", 1e40, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logging.NewLogger("info", &buf)
			if got := logFoldPlan(logger, "sub-01", tt.total, tt.maxFolds); got != tt.wantWarn {
				t.Errorf("logFoldPlan() = %v, want %v", got, tt.wantWarn)
			}
			if !strings.Contains(buf.String(), "fold plan") {
				t.Errorf("missing fold plan line: %s", buf.String())
			}
			if warned := strings.Contains(buf.String(), "max_folds"); warned != tt.wantWarn {
				t.Errorf("warning logged = %v, want %v: %s", warned, tt.wantWarn, buf.String())
			}
		})
	}
}

func TestWarnSessionLeakage(t *testing.T) {
	tests := []struct {
		name       string
		scheme     string
		perSession bool
		delay      int
		window     int
		want       bool
	}{
		{"leave-p-out", config.SchemeLeavePOut, false, 3, 8, false},
		{"groups per session", config.SchemeLeavePGroupsOut, true, 3, 8, false},
		{"groups single scan", config.SchemeLeavePGroupsOut, false, 0, 1, false},
		{"groups spanning", config.SchemeLeavePGroupsOut, false, 2, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.CV.Scheme = tt.scheme
			cfg.Embedding.PerSession = tt.perSession
			cfg.Embedding.Delay = tt.delay
			cfg.Embedding.TimeWindow = tt.window
			logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
			if got := warnSessionLeakage(logger, cfg); got != tt.want {
				t.Errorf("warnSessionLeakage() = %v, want %v", got, tt.want)
			}
		})
	}
}
