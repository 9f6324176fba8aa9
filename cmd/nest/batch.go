package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nestline/internal/domain"
	"nestline/internal/engine"
	"nestline/internal/export"
	"nestline/internal/repo"
)

func batchCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "batch",
		Short: "Manage batches",
		Long:  "A batch is a layout of work orders in one chamber. Drafts are kept until promoted or deleted; confirm re-validates the layout and schedules its work orders.",
	}
	b.AddCommand(batchListCmd())
	b.AddCommand(batchShowCmd())
	b.AddCommand(batchCreateCmd())
	b.AddCommand(batchValidateCmd())
	b.AddCommand(batchDeleteCmd())
	b.AddCommand(batchExportCmd())
	for _, name := range engine.Commands() {
		b.AddCommand(batchCommandCmd(name))
	}
	return b
}

func batchListCmd() *cobra.Command {
	var f repo.BatchFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBatches(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printBatches(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ChamberID, "chamber", "", "chamber filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max batches")
	return cmd
}

func printBatches(items []domain.Batch) {
	tw := newTable("ID", "Chamber", "Status", "Work orders", "Weight kg", "Coverage", "Created")
	for _, b := range items {
		tw.AppendRow(table.Row{
			b.ID, b.ChamberID, b.Status, strings.Join(b.WorkOrderIDs, ","),
			b.Metrics.TotalWeightKg, fmt.Sprintf("%.1f%%", b.Metrics.CoveragePct), b.CreatedAt,
		})
	}
	tw.Render()
}

func batchShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a batch with its placements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.GetBatch(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				printBatches([]domain.Batch{b})
				tw := newTable("Work order", "Cycle", "X", "Y", "W x H", "Level", "Rotated")
				for _, p := range b.Placements {
					tw.AppendRow(table.Row{p.WorkOrderID, p.CureCycle, p.X, p.Y, fmt.Sprintf("%.0f x %.0f", p.Width, p.Height), p.Level, p.Rotated})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func batchCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <layout.json>",
		Short: "Store a layout as a draft batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lf layoutFile
			if err := readJSONFile(args[0], &lf); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateDraft(ctx, lf.batch(), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func batchCommandCmd(name string) *cobra.Command {
	use := strings.ReplaceAll(name, "_", "-")
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: fmt.Sprintf("Run %s on a batch", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				b, err := c.BatchCommand(cmd.Context(), args[0], name)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Command(ctx, args[0], name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func batchValidateCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "validate <id>",
		Short: "Re-validate a stored batch and record the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if history {
					reports, err := e.ListValidationReports(ctx, args[0])
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(reports)
					}
					tw := newTable("Report", "Created", "By", "Conflicts", "Warnings", "Ready")
					for _, r := range reports {
						tw.AppendRow(table.Row{r.ID, r.CreatedAt, r.CreatedBy, r.Result.HasConflicts, len(r.Result.Warnings), r.Result.ReadyForConfirmation})
					}
					tw.Render()
					return nil
				}
				report, err := e.ValidateBatch(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Report %s\n", report.ID)
				printValidation(report.Result)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "list stored reports instead")
	return cmd
}

func batchDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a draft or suspended batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Delete(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func batchExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write the printable batch sheet (PDF)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = "batch-" + args[0] + ".pdf"
			}
			if c := remoteClient(); c != nil {
				pdf, err := c.BatchSheet(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, pdf, 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", out)
				return nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sheet, err := e.BatchSheet(ctx, args[0])
				if err != nil {
					return err
				}
				if err := export.WriteBatchSheetFile(out, sheet); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default batch-<id>.pdf)")
	return cmd
}
