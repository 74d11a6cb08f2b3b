package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/render"
	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

var (
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

func newReportCmd() *cobra.Command {
	var markdownPath, htmlPath string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the clean pull requests as a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := setup(ctx, cmd, os.Stderr, false)
			if err != nil {
				return err
			}

			start := time.Now()
			rows, err := d.agg.Rows(ctx, d.cfg.Orgs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := printRows(out, rows); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s %d clean pull requests across %d orgs in %s\n",
				green("✓"), len(rows), len(d.cfg.Orgs), time.Since(start).Round(time.Millisecond))

			if markdownPath == "" && htmlPath == "" {
				return nil
			}
			rendered, err := render.New().Render(rows, time.Now())
			if err != nil {
				return err
			}
			if markdownPath != "" {
				if err := os.WriteFile(markdownPath, []byte(rendered.Markdown), 0o600); err != nil {
					return fmt.Errorf("writing markdown: %w", err)
				}
				fmt.Fprintf(out, "%s wrote %s\n", cyan("i"), markdownPath)
			}
			if htmlPath != "" {
				if err := os.WriteFile(htmlPath, rendered.HTML, 0o600); err != nil {
					return fmt.Errorf("writing html: %w", err)
				}
				fmt.Fprintf(out, "%s wrote %s\n", cyan("i"), htmlPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&markdownPath, "markdown", "", "also write the markdown report to this file")
	cmd.Flags().StringVar(&htmlPath, "html", "", "also write the HTML report to this file")
	return cmd
}

// printRows writes rows as an aligned table.
func printRows(w io.Writer, rows []types.ReportRow) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header([]string{"Org", "Repo", "PR", "Hours Open", "Title"})
	for _, row := range rows {
		if err := table.Append([]string{row.Org, row.Repo, "#" + strconv.Itoa(row.Number), ageColor(row.HoursOpen), row.Title}); err != nil {
			return fmt.Errorf("formatting row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

// ageColor colors hours open: under a day green, under a week yellow, older red.
func ageColor(hours float64) string {
	s := strconv.FormatFloat(hours, 'f', 2, 64)
	switch {
	case hours < 24:
		return green(s)
	case hours < 24*7:
		return yellow(s)
	default:
		return red(s)
	}
}
