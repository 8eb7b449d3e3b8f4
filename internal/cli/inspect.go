package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"github.com/roach88/replicore/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Dump    bool
	History bool
}

// ModelInfo describes one stored model.
type ModelInfo struct {
	Key     string          `json:"key"`
	Version int             `json:"version"`
	Token   string          `json:"token,omitempty"`
	Size    int             `json:"size,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	History []HistoryInfo   `json:"history,omitempty"`

	dump string
}

// HistoryInfo is one accepted write of a model.
type HistoryInfo struct {
	Version int    `json:"version"`
	Token   string `json:"token"`
	Size    int    `json:"size"`
}

func (m ModelInfo) renderText(w io.Writer) {
	fmt.Fprintf(w, "Key:     %s\n", m.Key)
	fmt.Fprintf(w, "Version: %d\n", m.Version)
	fmt.Fprintf(w, "Token:   %s\n", m.Token)
	fmt.Fprintf(w, "Size:    %d bytes\n", m.Size)
	if len(m.History) > 0 {
		fmt.Fprintln(w, "History:")
		for _, h := range m.History {
			fmt.Fprintf(w, "  v%d %s (%d bytes)\n", h.Version, h.Token, h.Size)
		}
	}
	if m.dump != "" {
		fmt.Fprintln(w, m.dump)
	}
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <sqlite-path> <key>",
		Short: "Show a model stored by the sqlite driver",
		Long: `Show the latest stored model for a storage key.

--dump decodes the model and prints it in full; --history lists every
accepted write. With --format json the raw model is included.

Examples:
  replicore inspect replicore.db sqlite://todos
  replicore inspect replicore.db sqlite://people/ada --dump --history`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Dump, "dump", false, "pretty-print the decoded model")
	cmd.Flags().BoolVar(&opts.History, "history", false, "list accepted writes")

	return cmd
}

func runInspect(ctx context.Context, opts *InspectOptions, dbPath, key string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := openExisting(dbPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, CodeNotFound, "cannot open database", err)
	}
	defer st.Close()

	m, err := st.ReadModel(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return formatter.Fail(ExitCommandError, CodeNotFound, fmt.Sprintf("no model for %s", key), nil)
	}
	if err != nil {
		return formatter.Fail(ExitCommandError, CodeStore, "read failed", err)
	}

	info := ModelInfo{Key: m.Key, Version: m.Version, Token: m.Token, Size: len(m.Data)}
	if opts.Format == "json" && len(m.Data) > 0 {
		info.Data = json.RawMessage(m.Data)
	}
	if opts.Dump && len(m.Data) > 0 {
		decoded, err := decodeModel(m.Data)
		if err != nil {
			return formatter.Fail(ExitCommandError, CodeStore, "model is not valid JSON", err)
		}
		info.dump = dumper().Sdump(decoded)
	}
	if opts.History {
		entries, err := st.History(ctx, key)
		if err != nil {
			return formatter.Fail(ExitCommandError, CodeStore, "history failed", err)
		}
		for _, e := range entries {
			info.History = append(info.History, HistoryInfo{Version: e.Version, Token: e.Token, Size: len(e.Data)})
		}
	}
	return formatter.Success(info)
}

// openExisting opens a sqlite store without creating a new database file.
func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return store.Open(path)
}

// decodeModel decodes stored model JSON keeping integers exact.
func decodeModel(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func dumper() litter.Options {
	return litter.Options{
		Compact:           false,
		StripPackageNames: true,
		HidePrivateFields: true,
		Separator:         " ",
	}
}
