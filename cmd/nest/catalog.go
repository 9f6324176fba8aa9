package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nestline/internal/domain"
	"nestline/internal/engine"
	"nestline/internal/importer"
)

func workOrderCmd() *cobra.Command {
	wo := &cobra.Command{
		Use:     "workorder",
		Aliases: []string{"wo"},
		Short:   "Manage work orders",
		Long:    "Work orders are the parts waiting for cure. Only actionable statuses (awaiting_cure, queued by default) can be selected for a batch.",
	}
	wo.AddCommand(workOrderListCmd())
	wo.AddCommand(workOrderGetCmd())
	wo.AddCommand(workOrderUpsertCmd())
	wo.AddCommand(workOrderImportCmd())
	return wo
}

func workOrderListCmd() *cobra.Command {
	var status string
	var actionable bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.WorkOrder
					err   error
				)
				if actionable {
					items, err = e.ActionableWorkOrders(ctx)
				} else {
					items, err = e.ListWorkOrders(ctx, status)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printWorkOrders(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&actionable, "actionable", false, "only actionable work orders")
	return cmd
}

func printWorkOrders(items []domain.WorkOrder) {
	tw := newTable("ID", "Status", "Prio", "Tool", "Weight kg", "W x L mm", "Valves", "Cycle")
	for _, wo := range items {
		tw.AppendRow(table.Row{wo.ID, wo.Status, wo.Priority, wo.ToolID, wo.WeightKg, fmt.Sprintf("%.0f x %.0f", wo.WidthMM, wo.LengthMM), wo.Valves, wo.CureCycle})
	}
	tw.Render()
}

func workOrderGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wo, err := e.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	return cmd
}

func workOrderUpsertCmd() *cobra.Command {
	var wo domain.WorkOrder
	cmd := &cobra.Command{
		Use:   "upsert <id>",
		Short: "Create or replace a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wo.ID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpsertWorkOrder(ctx, wo, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&wo.Status, "status", "", "status (awaiting_cure, queued, scheduled, cured)")
	cmd.Flags().IntVar(&wo.Priority, "priority", 0, "priority (higher first)")
	cmd.Flags().StringVar(&wo.PartNumber, "part", "", "part number")
	cmd.Flags().StringVar(&wo.ToolID, "tool", "", "tool id")
	cmd.Flags().Float64Var(&wo.WeightKg, "weight", 0, "weight in kg")
	cmd.Flags().Float64Var(&wo.WidthMM, "width", 0, "tool width in mm")
	cmd.Flags().Float64Var(&wo.LengthMM, "length", 0, "tool length in mm")
	cmd.Flags().IntVar(&wo.Valves, "valves", 0, "vacuum valves required")
	cmd.Flags().StringVar(&wo.CureCycle, "cycle", "", "cure cycle")
	return cmd
}

func workOrderImportCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file.csv|file.xlsx>",
		Short: "Import work orders from a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := importer.ImportFile(args[0])
			for _, w := range res.Warnings {
				fmt.Fprintln(os.Stderr, "warning:", w)
			}
			for _, e := range res.Errors {
				fmt.Fprintln(os.Stderr, "skipped:", e)
			}
			if len(res.WorkOrders) == 0 {
				return fmt.Errorf("no work orders found in %s", args[0])
			}
			if dryRun {
				if viper.GetBool("json") {
					return printJSON(res.WorkOrders)
				}
				printWorkOrders(res.WorkOrders)
				return nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ImportWorkOrders(ctx, res.WorkOrders, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"imported": n, "skipped": len(res.Errors)})
				}
				fmt.Printf("Imported %d work orders (%d rows skipped)\n", n, len(res.Errors))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and print without storing")
	return cmd
}

func chamberCmd() *cobra.Command {
	ch := &cobra.Command{
		Use:   "chamber",
		Short: "Manage chambers",
		Long:  "Chambers are the autoclaves. Support stands lift placements to a second level.",
	}
	ch.AddCommand(chamberListCmd())
	ch.AddCommand(chamberUpsertCmd())
	ch.AddCommand(chamberStatusCmd())
	ch.AddCommand(chamberStandsCmd())
	return ch
}

func chamberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chambers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListChambers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Status", "W x L mm", "Max kg", "Lines")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Status, fmt.Sprintf("%.0f x %.0f", c.WidthMM, c.LengthMM), c.MaxLoadKg, c.VacuumLines})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func chamberUpsertCmd() *cobra.Command {
	var c domain.Chamber
	cmd := &cobra.Command{
		Use:   "upsert <id>",
		Short: "Create or replace a chamber",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.ID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpsertChamber(ctx, c, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&c.Name, "name", "", "display name")
	cmd.Flags().Float64Var(&c.WidthMM, "width", 0, "usable width in mm")
	cmd.Flags().Float64Var(&c.LengthMM, "length", 0, "usable length in mm")
	cmd.Flags().Float64Var(&c.MaxLoadKg, "max-load", 0, "max load in kg")
	cmd.Flags().IntVar(&c.VacuumLines, "lines", 0, "vacuum lines")
	cmd.Flags().StringVar(&c.Status, "status", "", "status (available, in_use, maintenance, offline)")
	return cmd
}

func chamberStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Change chamber status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SetChamberStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func chamberStandsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "stands <id>",
		Short: "Show or replace the support stands of a chamber",
		Long:  "Without --file the stands are listed. --file takes a JSON array of {x, y, width_mm, length_mm}.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				chamberID := args[0]
				var (
					stands []domain.SupportStand
					err    error
				)
				if file != "" {
					if err := readJSONFile(file, &stands); err != nil {
						return err
					}
					stands, err = e.SetStands(ctx, chamberID, stands, viper.GetString("actor-id"))
				} else {
					if _, err := e.GetChamber(ctx, chamberID); err != nil {
						return err
					}
					stands, err = e.ListStands(ctx, chamberID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stands)
				}
				tw := newTable("ID", "X", "Y", "W x L mm")
				for _, s := range stands {
					tw.AppendRow(table.Row{s.ID, s.X, s.Y, fmt.Sprintf("%.0f x %.0f", s.WidthMM, s.LengthMM)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with the new stands")
	return cmd
}

func rankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank <work-order-id>...",
		Short: "Rank chambers for a selection of work orders",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := splitIDs(strings.Join(args, ","))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sel, candidates, err := e.Rank(ctx, ids)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"selection": sel, "candidates": candidates})
				}
				fmt.Printf("Selection: %d work orders, %.1f kg, %d valves, cycles %s\n",
					len(sel.IDs), sel.TotalWeightKg, sel.TotalValves, strings.Join(sel.CureCycles, ", "))
				tw := newTable("#", "Chamber", "Status", "Score", "Notes")
				for i, c := range candidates {
					score := fmt.Sprint(c.Score)
					if c.Blocking {
						score += " (blocked)"
					}
					tw.AppendRow(table.Row{i + 1, c.Chamber.ID, c.Chamber.Status, score, strings.Join(c.Notes, "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// layoutFile is the JSON accepted by validate and batch create.
type layoutFile struct {
	ChamberID    string                   `json:"chamber_id"`
	WorkOrderIDs []string                 `json:"work_order_ids,omitempty"`
	Placements   []domain.LayoutPlacement `json:"placements"`
	Metadata     domain.LayoutMetadata    `json:"metadata,omitempty"`
}

func (l layoutFile) batch() domain.Batch {
	return domain.Batch{
		ChamberID:    l.ChamberID,
		WorkOrderIDs: l.WorkOrderIDs,
		Placements:   l.Placements,
		Metadata:     l.Metadata,
	}
}

func validateCmd() *cobra.Command {
	var chamberID string
	cmd := &cobra.Command{
		Use:   "validate <layout.json>",
		Short: "Validate a layout without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lf layoutFile
			if err := readJSONFile(args[0], &lf); err != nil {
				return err
			}
			if chamberID != "" {
				lf.ChamberID = chamberID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CheckLayout(ctx, lf.batch())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printValidation(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chamberID, "chamber", "", "chamber id (overrides the file)")
	return cmd
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
