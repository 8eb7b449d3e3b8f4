package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// KeysResult lists the models in a sqlite database.
type KeysResult struct {
	Models []ModelInfo `json:"models"`
}

func (r KeysResult) renderText(w io.Writer) {
	if len(r.Models) == 0 {
		fmt.Fprintln(w, "No models.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVERSION\tTOKEN")
	for _, m := range r.Models {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", m.Key, m.Version, m.Token)
	}
	tw.Flush()
}

// NewKeysCommand creates the keys command.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys <sqlite-path>",
		Short: "List models stored by the sqlite driver",
		Long: `List every storage key in a sqlite database with its version.

Examples:
  replicore keys replicore.db
  replicore keys replicore.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeys(cmd.Context(), rootOpts, args[0], cmd)
		},
	}
}

func runKeys(ctx context.Context, opts *RootOptions, dbPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := openExisting(dbPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, CodeNotFound, "cannot open database", err)
	}
	defer st.Close()

	models, err := st.ListModels(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, CodeStore, "list failed", err)
	}

	result := KeysResult{Models: make([]ModelInfo, 0, len(models))}
	for _, m := range models {
		result.Models = append(result.Models, ModelInfo{Key: m.Key, Version: m.Version, Token: m.Token})
	}
	return formatter.Success(result)
}
