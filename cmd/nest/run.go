package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nestline/internal/app"
	"nestline/internal/engine"
	"nestline/internal/engine/drafts"
	"nestline/internal/engine/workflow"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a batch step by step",
		Long: `Walks through selection, resource, layout, validation and confirmation.
At any prompt: 'back' returns to the previous stage, 'reset' starts over, 'quit' leaves.
Leaving while generated drafts are unsaved asks to promote them all, discard them all or stay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				e := ws.Engine()
				var placer workflow.Placer
				if client, err := ws.Placer(); err == nil {
					placer = client
				} else {
					fmt.Fprintln(os.Stderr, "warning:", err)
				}
				run := app.NewRun(e, placer, viper.GetString("actor-id"), ws.Logger)
				s := &session{
					engine: e,
					run:    run,
					in:     bufio.NewReader(os.Stdin),
					out:    os.Stdout,
				}
				return s.loop(ctx)
			})
		},
	}
	return cmd
}

// session drives one workflow run from a line-oriented terminal.
type session struct {
	engine engine.Engine
	run    *workflow.Orchestrator
	in     *bufio.Reader
	out    io.Writer
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *session) prompt(label string) (string, error) {
	s.printf("%s> ", label)
	line, err := s.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (s *session) loop(ctx context.Context) error {
	for {
		s.printf("\n[%s] %.0f%% complete\n", s.run.Stage(), s.run.Completion()*100)
		if s.run.Stage() == workflow.StageCompleted {
			c := s.run.Progress().Confirmation
			s.printf("Batch %s confirmed by %s.\n", c.BatchID, c.ActorID)
		}
		line, err := s.stagePrompt(ctx)
		if errors.Is(err, io.EOF) {
			return s.closed()
		}
		if err != nil {
			return err
		}
		switch strings.ToLower(line) {
		case "quit", "exit", "q":
			leave, err := s.exit(ctx)
			if errors.Is(err, io.EOF) {
				return s.closed()
			}
			if err != nil {
				return err
			}
			if leave {
				return nil
			}
			continue
		case "back":
			s.report(s.run.Retreat(ctx))
			continue
		case "reset":
			err := s.reset(ctx)
			if errors.Is(err, io.EOF) {
				return s.closed()
			}
			s.report(err)
			continue
		}
		out, err := s.output(line)
		if err != nil {
			s.report(err)
			continue
		}
		s.report(s.run.Advance(ctx, out))
	}
}

// stagePrompt prints what the current stage needs and reads one line.
func (s *session) stagePrompt(ctx context.Context) (string, error) {
	p := s.run.Progress()
	switch s.run.Stage() {
	case workflow.StageSelection:
		items, err := s.engine.ActionableWorkOrders(ctx)
		if err != nil {
			return "", err
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(s.out)
		tw.AppendHeader(table.Row{"ID", "Status", "Prio", "Weight kg", "W x L mm", "Valves", "Cycle"})
		for _, wo := range items {
			tw.AppendRow(table.Row{wo.ID, wo.Status, wo.Priority, wo.WeightKg, fmt.Sprintf("%.0f x %.0f", wo.WidthMM, wo.LengthMM), wo.Valves, wo.CureCycle})
		}
		tw.Render()
		return s.prompt("work order ids")
	case workflow.StageResource:
		candidates, err := s.run.Candidates(ctx)
		if err != nil {
			return "", err
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(s.out)
		tw.AppendHeader(table.Row{"#", "Chamber", "Status", "Score", "Notes"})
		for i, c := range candidates {
			score := fmt.Sprint(c.Score)
			if c.Blocking {
				score += " (blocked)"
			}
			tw.AppendRow(table.Row{i + 1, c.Chamber.ID, c.Chamber.Status, score, strings.Join(c.Notes, "; ")})
		}
		tw.Render()
		return s.prompt("chamber id or 'auto' (extra chambers after a comma)")
	case workflow.StageLayout:
		s.printf("Layout for %d work orders in %s.\n", len(p.Selection.IDs), strings.Join(p.Resource.ChamberIDs(), ", "))
		return s.prompt("optimizer parameters key=value (enter to generate)")
	case workflow.StageValidation:
		lay := p.Layout
		s.printf("Draft %s in %s: %d placements, algorithm %s.\n", lay.BatchID, lay.ChamberID, len(lay.Placements), lay.Metadata.Algorithm)
		if len(lay.Unplaced) > 0 {
			s.printf("Not placed: %s\n", strings.Join(lay.Unplaced, ", "))
		}
		if res, err := s.run.Check(nil); err == nil {
			printValidationTo(s.out, res)
		}
		return s.prompt("enter to validate")
	case workflow.StageConfirmation:
		printValidationTo(s.out, p.Validation.Result)
		return s.prompt(fmt.Sprintf("confirm batch %s as %s? (yes, or another actor id)", p.Layout.BatchID, s.run.ActorID))
	default:
		return s.prompt("'reset' to start again or 'quit'")
	}
}

// output turns the reply for the current stage into its Output.
func (s *session) output(line string) (workflow.Output, error) {
	switch s.run.Stage() {
	case workflow.StageSelection:
		return workflow.SelectionOutput{WorkOrderIDs: splitIDs(line)}, nil
	case workflow.StageResource:
		ids := splitIDs(line)
		if len(ids) == 0 {
			return workflow.ResourceOutput{}, nil
		}
		out := workflow.ResourceOutput{AdditionalChamberIDs: ids[1:]}
		if strings.EqualFold(ids[0], "auto") {
			out.Auto = true
		} else {
			out.ChamberID = ids[0]
		}
		return out, nil
	case workflow.StageLayout:
		params, err := parseParams(line)
		if err != nil {
			return nil, err
		}
		return workflow.LayoutOutput{Parameters: params}, nil
	case workflow.StageValidation:
		return workflow.ValidationOutput{}, nil
	case workflow.StageConfirmation:
		switch strings.ToLower(line) {
		case "", "n", "no":
			return nil, errors.New("confirmation cancelled")
		case "y", "yes":
			return workflow.ConfirmationOutput{ActorID: s.run.ActorID}, nil
		}
		return workflow.ConfirmationOutput{ActorID: line}, nil
	default:
		return nil, workflow.ErrCompleted
	}
}

var errDraftsLeftUnsaved = errors.New("input closed; drafts left unsaved")

// closed ends a session whose input ran out. Drafts still at risk stay in
// the store as drafts and the session fails so scripts notice.
func (s *session) closed() error {
	atRisk := s.run.Drafts().RequestExit()
	if atRisk == nil {
		return nil
	}
	var blocked drafts.ExitBlockedError
	if errors.As(atRisk, &blocked) {
		s.printf("\nInput closed. Drafts left unsaved: %s\n", strings.Join(blocked.Drafts, ", "))
		s.printf("Promote or delete them with 'nest batch'.\n")
	}
	return fmt.Errorf("%w: %w", errDraftsLeftUnsaved, atRisk)
}

// exit applies the exit guard and reports whether the session may end.
func (s *session) exit(ctx context.Context) (bool, error) {
	choice, err := s.guard()
	if err != nil || choice == "" {
		return choice == "" && err == nil, err
	}
	leave, err := s.run.Drafts().ResolveExit(ctx, choice)
	if err != nil {
		s.report(err)
	}
	return leave, nil
}

func (s *session) reset(ctx context.Context) error {
	choice, err := s.guard()
	if err != nil {
		return err
	}
	if choice == drafts.ChoiceStay {
		return nil
	}
	return s.run.Reset(ctx, choice)
}

// guard asks for an exit choice when drafts are at risk. An empty choice
// means nothing is at risk.
func (s *session) guard() (drafts.ExitChoice, error) {
	err := s.run.Drafts().RequestExit()
	var blocked drafts.ExitBlockedError
	if !errors.As(err, &blocked) {
		return "", err
	}
	s.printf("Unsaved drafts: %s\n", strings.Join(blocked.Drafts, ", "))
	for i, c := range blocked.Choices {
		s.printf("  %d) %s\n", i+1, c)
	}
	for {
		line, err := s.prompt("choice")
		if err != nil {
			return "", err
		}
		if n, convErr := strconv.Atoi(line); convErr == nil && n >= 1 && n <= len(blocked.Choices) {
			return blocked.Choices[n-1], nil
		}
		if c, parseErr := drafts.ParseChoice(line); parseErr == nil {
			return c, nil
		}
		s.printf("pick 1-%d\n", len(blocked.Choices))
	}
}

func (s *session) report(err error) {
	if err == nil {
		return
	}
	var ve workflow.ValidationError
	if errors.As(err, &ve) {
		s.printf("blocked at %s:\n", ve.Stage)
		for _, r := range ve.Reasons {
			s.printf("  - %s\n", r)
		}
		return
	}
	s.printf("error: %v\n", err)
}

// parseParams reads space separated key=value pairs. Numbers and booleans
// are converted.
func parseParams(line string) (map[string]any, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	out := map[string]any{}
	for _, field := range strings.Fields(line) {
		k, v, ok := strings.Cut(field, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", field)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out, nil
}
