package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/enroll/internal/config"
	"github.com/JonMunkholm/enroll/internal/frappe"
	"github.com/JonMunkholm/enroll/internal/importer"
	_ "github.com/JonMunkholm/enroll/internal/importer/entities" // Register all entities
	"github.com/JonMunkholm/enroll/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, importer.FormatUserError(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "importctl",
		Short:         "Validate and enroll student and instructor spreadsheets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if verbose {
				level = "debug"
			}
			logging.Setup(level, "text", cmd.ErrOrStderr())
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline details to stderr")

	rootCmd.AddCommand(
		newEntitiesCmd(),
		newValidateCmd(),
		newSubmitCmd(),
	)
	return rootCmd
}

func newEntitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List importable entities and their fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, def := range importer.All() {
				fmt.Fprintf(tw, "%s\t%s\n", def.Info.Key, def.Info.Label)
				for _, f := range def.Fields {
					req := ""
					if f.Required {
						req = "required"
					}
					fmt.Fprintf(tw, "\t%s\t%s\t%s\n", f.Name, f.Kind, req)
				}
			}
			return tw.Flush()
		},
	}
}

// importFlags are shared by validate and submit.
type importFlags struct {
	entity   string
	year     string
	class    string
	division string
	mappings []string
	asJSON   bool
}

func (f *importFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.entity, "entity", "e", "student", "Entity to import: student|instructor")
	cmd.Flags().StringVar(&f.year, "year", "", "Academic year")
	cmd.Flags().StringVar(&f.class, "class", "", "Class (program)")
	cmd.Flags().StringVar(&f.division, "division", "", "Division (student group)")
	cmd.Flags().StringArrayVarP(&f.mappings, "map", "m", nil, `Override a column binding, "Header=Field" (empty Field clears it)`)
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "Print JSON instead of a table")
}

// open parses the file into a session and applies the flag overrides.
func (f *importFlags) open(m *importer.Manager, path string) (*importer.SessionView, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	view, err := m.Create(f.entity, filepath.Base(path), "", file)
	if err != nil {
		return nil, err
	}

	for _, spec := range f.mappings {
		header, field, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --map %q: want Header=Field", spec)
		}
		idx := headerIndex(view.Headers, strings.TrimSpace(header))
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", importer.ErrColumnNotFound, header)
		}
		if view, err = m.SetMapping(view.ID, idx, importer.Field(strings.TrimSpace(field))); err != nil {
			return nil, err
		}
	}

	if f.year != "" || f.class != "" || f.division != "" {
		return m.SetContext(view.ID, importer.SessionContext{
			AcademicYear: f.year,
			Class:        f.class,
			Division:     f.division,
		})
	}
	return view, nil
}

func headerIndex(headers []string, h string) int {
	for i, x := range headers {
		if strings.EqualFold(x, h) {
			return i
		}
	}
	return -1
}

func newValidateCmd() *cobra.Command {
	var flags importFlags

	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Parse a spreadsheet, auto-map its columns and report row problems",
		Long: `Parse an .xlsx, .xls or .csv file the way the import service does and
print the column bindings and every invalid row. Nothing is sent.

Example: importctl validate students.xlsx --entity student -m "Father Mobile=Guardian Number"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := importer.NewManager(nil, nil, importer.ManagerConfig{Logger: slog.Default()})

			view, err := flags.open(m, args[0])
			if err != nil {
				return err
			}
			if flags.asJSON {
				if err := printJSON(cmd.OutOrStdout(), view); err != nil {
					return err
				}
			} else {
				printSession(cmd.OutOrStdout(), view)
			}
			if len(view.MissingMappings) > 0 {
				return &importer.MappingIncompleteError{Missing: view.MissingMappings}
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var flags importFlags

	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Enroll the valid rows of a spreadsheet",
		Long: `Validate a spreadsheet and send its valid rows to the school application.

The connection is read from the environment (or .env):
- FRAPPE_URL
- FRAPPE_API_KEY and FRAPPE_API_SECRET

Example: importctl submit students.xlsx --year 2024-25 --class "Grade 1" --division "Grade 1-A"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Frappe.APIKey == "" {
				return fmt.Errorf("FRAPPE_API_KEY and FRAPPE_API_SECRET are required for submit")
			}

			client, err := frappe.New(frappe.Config{
				BaseURL:   cfg.Frappe.URL,
				Timeout:   cfg.Frappe.Timeout,
				APIKey:    cfg.Frappe.APIKey,
				APISecret: cfg.Frappe.APISecret,
			}, slog.Default())
			if err != nil {
				return err
			}

			m := importer.NewManager(
				importer.NewOrchestrator(client, slog.Default()),
				importer.NewSubmitLimiter(1, cfg.Submit.MaxWaitTime),
				importer.ManagerConfig{RowDelay: cfg.Submit.RowDelay, Logger: slog.Default()},
			)

			view, err := flags.open(m, args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Submit.Timeout)
			defer cancel()

			result, err := m.Submit(ctx, view.ID)
			if err != nil {
				return err
			}
			if flags.asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			printResult(cmd.OutOrStdout(), result)
			if result.Failed > 0 {
				return fmt.Errorf("%d of %d rows failed", result.Failed, result.Attempted)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSession(w io.Writer, v *importer.SessionView) {
	fmt.Fprintf(w, "%s (sheet %q): %d rows", v.FileName, v.Sheet, v.Summary.Total)
	if v.Truncated {
		fmt.Fprintf(w, " of %d", v.TotalRows)
	}
	fmt.Fprintf(w, ", %d valid, %d invalid\n\n", v.Summary.Valid, v.Summary.Invalid)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tHEADER\tFIELD")
	for _, m := range v.Mappings {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Column, m.Header, m.Field)
	}
	tw.Flush()

	if len(v.MissingMappings) > 0 {
		fmt.Fprintf(w, "\nunmapped required fields: %v\n", v.MissingMappings)
	}
	for field, cols := range v.Duplicates {
		fmt.Fprintf(w, "\n%s is bound to several columns: %s (the first wins)\n", field, strings.Join(cols, ", "))
	}

	var invalid []importer.RowView
	for _, row := range v.Rows {
		if !row.Valid {
			invalid = append(invalid, row)
		}
	}
	if len(invalid) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tFIELD\tPROBLEM")
	for _, row := range invalid {
		for _, p := range row.Problems {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", row.Line, p.Field, p.Message)
		}
	}
	tw.Flush()
}

func printResult(w io.Writer, r *importer.SessionResult) {
	fmt.Fprintf(w, "%s: %s\n", r.Title, r.Message)
	fmt.Fprintf(w, "mode %s, attempted %d, succeeded %d, failed %d, skipped %d in %s\n",
		r.Mode, r.Attempted, r.Succeeded, r.Failed, r.Skipped, r.Duration.Round(1e6))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, row := range r.Rows {
		if row.Status == importer.StatusError {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", row.Line, row.Name, row.Error)
		}
	}
	tw.Flush()
}
