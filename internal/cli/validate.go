package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/replicore/internal/schema"
)

// EntitySummary describes one compiled entity schema.
type EntitySummary struct {
	Name        string            `json:"name"`
	Singletons  []string          `json:"singletons"`
	Collections []string          `json:"collections"`
	Kinds       map[string]string `json:"kinds"`
}

// ValidationResult lists the entities in a schema file.
type ValidationResult struct {
	File     string          `json:"file"`
	Entities []EntitySummary `json:"entities"`
}

func (r ValidationResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "✓ %s: %d entities\n", r.File, len(r.Entities))
	for _, e := range r.Entities {
		fmt.Fprintf(w, "  %s\n", e.Name)
		for _, f := range e.Singletons {
			fmt.Fprintf(w, "    %s: %s (singleton)\n", f, e.Kinds[f])
		}
		for _, f := range e.Collections {
			fmt.Fprintf(w, "    %s: [%s] (collection)\n", f, e.Kinds[f])
		}
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <schema.cue>",
		Short: "Check an entity schema file",
		Long: `Compile the entity schemas declared in a CUE file and list their
fields. Floats, duplicate fields, and empty entities are rejected.

Examples:
  replicore validate schemas.cue
  replicore validate schemas.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	defs, err := schema.LoadFile(path)
	if err != nil {
		var ce *schema.CompileError
		if errors.As(err, &ce) {
			return formatter.Fail(ExitFailure, CodeSchema, strings.TrimSpace(ce.Error()), nil)
		}
		return formatter.Fail(ExitCommandError, CodeNotFound, "cannot load schema", err)
	}

	result := ValidationResult{File: path, Entities: make([]EntitySummary, 0, len(defs))}
	for _, name := range schema.Names(defs) {
		def := defs[name]
		result.Entities = append(result.Entities, EntitySummary{
			Name:        name,
			Singletons:  def.Singletons,
			Collections: def.Collections,
			Kinds:       def.Kinds,
		})
	}
	return formatter.Success(result)
}
