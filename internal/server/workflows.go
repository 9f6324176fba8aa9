package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"

	"nestline/internal/app"
	"nestline/internal/domain"
	"nestline/internal/engine"
	"nestline/internal/engine/drafts"
	"nestline/internal/engine/workflow"
	"nestline/internal/repo"
)

// runEntry serializes access to one orchestrator.
type runEntry struct {
	mu  sync.Mutex
	run *workflow.Orchestrator
}

// runRegistry holds the open workflow runs of this process. Runs are not
// persisted; their drafts are.
type runRegistry struct {
	engine engine.Engine
	placer workflow.Placer
	logger *log.Logger

	mu   sync.Mutex
	runs map[string]*runEntry
}

func newRunRegistry(e engine.Engine, placer workflow.Placer, logger *log.Logger) *runRegistry {
	return &runRegistry{engine: e, placer: placer, logger: logger, runs: map[string]*runEntry{}}
}

func (r *runRegistry) create(actorID string) *runEntry {
	entry := &runEntry{run: app.NewRun(r.engine, r.placer, actorID, r.logger)}
	r.mu.Lock()
	r.runs[entry.run.ID] = entry
	r.mu.Unlock()
	r.logger.Printf("workflow: run=%s opened actor=%s", entry.run.ID, actorID)
	return entry
}

func (r *runRegistry) get(id string) (*runEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, repo.ErrNotFound)
	}
	return entry, nil
}

func (r *runRegistry) list() []*runEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*runEntry, 0, len(r.runs))
	for _, entry := range r.runs {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].run.ID < out[j].run.ID })
	return out
}

func (r *runRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.runs, id)
	r.mu.Unlock()
	r.logger.Printf("workflow: run=%s closed", id)
}

// with runs fn while holding the run's lock.
func (r *runRegistry) with(id string, fn func(o *workflow.Orchestrator) error) (RunResponse, error) {
	entry, err := r.get(id)
	if err != nil {
		return RunResponse{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := fn(entry.run); err != nil {
		return RunResponse{}, err
	}
	return runResponse(entry.run), nil
}

// output builds the Output for the run's current stage from a request.
func (r *runRegistry) output(o *workflow.Orchestrator, req AdvanceRequest, principal string) (workflow.Output, error) {
	switch o.Stage() {
	case workflow.StageSelection:
		return workflow.SelectionOutput{WorkOrderIDs: req.WorkOrderIDs}, nil
	case workflow.StageResource:
		return workflow.ResourceOutput{
			ChamberID:            strings.TrimSpace(req.ChamberID),
			Auto:                 req.Auto,
			AdditionalChamberIDs: req.AdditionalChamberIDs,
		}, nil
	case workflow.StageLayout:
		if r.placer == nil {
			return nil, errNoPlacer
		}
		return workflow.LayoutOutput{Parameters: req.Parameters}, nil
	case workflow.StageValidation:
		return workflow.ValidationOutput{Placements: req.Placements}, nil
	case workflow.StageConfirmation:
		actor := strings.TrimSpace(req.ActorID)
		if actor == "" {
			actor = principal
		}
		return workflow.ConfirmationOutput{ActorID: actor}, nil
	default:
		return nil, workflow.ErrCompleted
	}
}

func parseChoice(raw string) (drafts.ExitChoice, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return drafts.ParseChoice(raw)
}

type runOutput struct {
	Body RunResponse `json:"body"`
}

func registerWorkflows(api huma.API, runs *runRegistry) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Open a batch-creation workflow run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*runOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry := runs.create(actorID)
		return &runOutput{Body: runResponse(entry.run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List open workflow runs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		out := []RunResponse{}
		for _, entry := range runs.list() {
			entry.mu.Lock()
			out = append(out, runResponse(entry.run))
			entry.mu.Unlock()
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get a workflow run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*runOutput, error) {
		resp, err := runs.with(input.ID, func(*workflow.Orchestrator) error { return nil })
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/advance",
		Summary:     "Complete the current stage and move to the next",
		Description: "Only the fields of the current stage are read: work_order_ids for selection, chamber_id, auto and additional_chamber_ids for resource, parameters for layout, placements for validation and actor_id for confirmation.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AdvanceRequest `json:"body"`
	}) (*runOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp, err := runs.with(input.ID, func(o *workflow.Orchestrator) error {
			out, err := runs.output(o, input.Body, actorID)
			if err != nil {
				return err
			}
			return o.Advance(ctx, out)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retreat-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/retreat",
		Summary:     "Move back one stage, keeping the stored outputs",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*runOutput, error) {
		resp, err := runs.with(input.ID, func(o *workflow.Orchestrator) error {
			return o.Retreat(ctx)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/reset",
		Summary:     "Clear the run and start again at selection",
		Description: "Returns 409 exit_blocked while drafts are unsaved unless a choice is given.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body ExitRequest `json:"body"`
	}) (*runOutput, error) {
		choice, err := parseChoice(input.Body.Choice)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := runs.with(input.ID, func(o *workflow.Orchestrator) error {
			return o.Reset(ctx, choice)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "exit-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/exit",
		Summary:     "Close the run",
		Description: "Unsaved drafts block the exit with 409 exit_blocked. Resubmit with promote_all, discard_all or stay.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body ExitRequest `json:"body"`
	}) (*struct {
		Body ExitResponse `json:"body"`
	}, error) {
		choice, err := parseChoice(input.Body.Choice)
		if err != nil {
			return nil, handleError(err)
		}
		closed := false
		resp, err := runs.with(input.ID, func(o *workflow.Orchestrator) error {
			if err := o.Drafts().RequestExit(); err != nil {
				if choice == "" {
					return err
				}
				leave, err := o.Drafts().ResolveExit(ctx, choice)
				if err != nil {
					return err
				}
				closed = leave
				return nil
			}
			closed = true
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		if closed {
			runs.remove(input.ID)
		}
		return &struct {
			Body ExitResponse `json:"body"`
		}{Body: ExitResponse{Closed: closed, Run: resp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-candidates",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/candidates",
		Summary:     "Rank chambers against the run's selection",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []CandidateResponse `json:"body"`
	}, error) {
		var out []CandidateResponse
		_, err := runs.with(input.ID, func(o *workflow.Orchestrator) error {
			candidates, err := o.Candidates(ctx)
			if err != nil {
				return err
			}
			out = candidateResponses(candidates)
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CandidateResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-check",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/check",
		Summary:     "Validate a placement set against the run's layout without advancing",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body CheckLayoutRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		var res domain.ValidationResult
		_, err := runs.with(input.ID, func(o *workflow.Orchestrator) error {
			var err error
			res, err = o.Check(input.Body.Placements)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-run-draft",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/drafts/{batch_id}/promote",
		Summary:     "Save one draft of the run as a suspended batch",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		BatchID string `path:"batch_id"`
	}) (*runOutput, error) {
		resp, err := runs.with(input.ID, func(o *workflow.Orchestrator) error {
			_, err := o.Drafts().Promote(ctx, input.BatchID)
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "discard-run-draft",
		Method:      http.MethodDelete,
		Path:        "/runs/{id}/drafts/{batch_id}",
		Summary:     "Discard one draft of the run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		BatchID string `path:"batch_id"`
	}) (*runOutput, error) {
		resp, err := runs.with(input.ID, func(o *workflow.Orchestrator) error {
			return o.Drafts().Discard(ctx, input.BatchID)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &runOutput{Body: resp}, nil
	})
}
