package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/replicore/internal/harness"
)

// TestOptions are the flags of replicore test.
type TestOptions struct {
	*RootOptions
	Update bool
	Filter string
}

// Golden file states reported per scenario.
const (
	goldenMatch   = "match"
	goldenUpdated = "updated"
	goldenMissing = "missing"
)

// ScenarioOutcome is what one scenario file produced.
type ScenarioOutcome struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// TestReport aggregates a test run.
type TestReport struct {
	Scenarios []ScenarioOutcome `json:"scenarios"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Total     int               `json:"total"`
}

func (r *TestReport) add(o ScenarioOutcome) {
	r.Scenarios = append(r.Scenarios, o)
	r.Total++
	if o.Pass {
		r.Passed++
	} else {
		r.Failed++
	}
}

func (r TestReport) renderText(w io.Writer) {
	for _, s := range r.Scenarios {
		line := "✓ " + s.Name
		if !s.Pass {
			line = "✗ " + s.Name
		}
		if s.Golden == goldenUpdated {
			line += " (golden updated)"
		}
		fmt.Fprintln(w, line)
		for _, msg := range s.Errors {
			fmt.Fprintln(w, "  "+msg)
		}
	}
	fmt.Fprintf(w, "\nTest Summary: %d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
	if r.Total > 0 && r.Failed == 0 {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario|dir>...",
		Short: "Run convergence scenarios",
		Long: `Run harness scenarios and compare their traces with golden files.

Each argument is a scenario file or a directory searched for .yaml
and .yml files. A scenario's golden file lives at golden/<name>.golden
next to it. Scenarios without a golden file are judged by their
assertions alone.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing paths, etc.)

Examples:
  replicore test ./scenarios
  replicore test ./scenarios/add-wins.yaml --update
  replicore test ./scenarios --filter "singleton-*" --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by file name glob")

	return cmd
}

func runTests(opts *TestOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, opts.Filter)
		if err != nil {
			return formatter.Fail(ExitCommandError, CodeNotFound, "failed to find scenarios", err)
		}
		files = append(files, found...)
	}

	report := TestReport{Scenarios: []ScenarioOutcome{}}
	if len(files) == 0 && opts.Format != "json" {
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}
	for _, file := range files {
		formatter.VerboseLog("running %s", file)
		report.add(runScenario(file, opts.Update))
	}
	if report.Failed == 0 {
		return formatter.Success(report)
	}

	msg := fmt.Sprintf("%d scenario(s) failed", report.Failed)
	if opts.Format == "json" {
		resp := CLIResponse{Status: "error", Data: report, Error: &CLIError{Code: CodeTestFailed, Message: msg}}
		if err := formatter.encode(resp); err != nil {
			return err
		}
	} else {
		report.renderText(cmd.OutOrStdout())
	}
	return NewExitError(ExitFailure, msg)
}

// findScenarioFiles returns path itself when it is a file, or every
// scenario file under it when it is a directory. Golden directories are
// skipped.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && d.Name() == harness.GoldenDir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, p)
		return nil
	})
	return files, err
}

// runScenario runs one scenario file and then rewrites or checks its
// golden trace.
func runScenario(file string, update bool) ScenarioOutcome {
	out := ScenarioOutcome{Name: filepath.Base(file), File: file}
	failed := func(format string, args ...any) ScenarioOutcome {
		out.Pass = false
		out.Errors = append(out.Errors, fmt.Sprintf(format, args...))
		return out
	}

	sc, err := harness.LoadScenario(file)
	if err != nil {
		return failed("load error: %v", err)
	}
	out.Name = sc.Name

	res, err := harness.Run(sc)
	if err != nil {
		return failed("execution error: %v", err)
	}
	out.Pass, out.Errors = res.Pass, append(out.Errors, res.Errors...)

	golden := harness.GoldenPath(file, sc.Name)
	switch _, statErr := os.Stat(golden); {
	case update:
		if err := harness.WriteGolden(golden, sc.Name, res); err != nil {
			return failed("golden update error: %v", err)
		}
		out.Golden = goldenUpdated
	case errors.Is(statErr, fs.ErrNotExist):
		out.Golden = goldenMissing
	default:
		same, err := harness.CompareGolden(golden, sc.Name, res)
		if err != nil {
			return failed("golden comparison error: %v", err)
		}
		if !same {
			return failed("trace does not match %s (run with --update to regenerate)", golden)
		}
		out.Golden = goldenMatch
	}
	return out
}
