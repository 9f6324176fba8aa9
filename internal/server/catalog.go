package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"nestline/internal/domain"
	"nestline/internal/engine"
)

func registerWorkOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/work-orders",
		Summary:     "List work orders",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"awaiting_cure,queued,scheduled,cured"`
		Actionable bool   `query:"actionable" doc:"Only statuses configured as actionable"`
	}) (*struct {
		Body []domain.WorkOrder `json:"body"`
	}, error) {
		var (
			items []domain.WorkOrder
			err   error
		)
		if input.Actionable {
			items, err = e.ActionableWorkOrders(ctx)
		} else {
			items, err = e.ListWorkOrders(ctx, input.Status)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkOrder `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}",
		Summary:     "Get work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		wo, err := e.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: wo}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-work-order",
		Method:      http.MethodPut,
		Path:        "/work-orders/{id}",
		Summary:     "Create or replace a work order",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpsertWorkOrderRequest `json:"body"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wo, err := e.UpsertWorkOrder(ctx, input.Body.workOrder(input.ID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: wo}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-work-orders",
		Method:      http.MethodPost,
		Path:        "/work-orders/import",
		Summary:     "Upsert a list of work orders in one transaction",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ImportWorkOrdersRequest `json:"body"`
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		orders := make([]domain.WorkOrder, 0, len(input.Body.WorkOrders))
		for _, item := range input.Body.WorkOrders {
			orders = append(orders, item.workOrder(""))
		}
		n, err := e.ImportWorkOrders(ctx, orders, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: ImportResponse{Imported: n}}, nil
	})
}

func registerChambers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-chambers",
		Method:      http.MethodGet,
		Path:        "/chambers",
		Summary:     "List chambers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Chamber `json:"body"`
	}, error) {
		items, err := e.ListChambers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Chamber `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-chamber",
		Method:      http.MethodGet,
		Path:        "/chambers/{id}",
		Summary:     "Get chamber",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Chamber `json:"body"`
	}, error) {
		ch, err := e.GetChamber(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Chamber `json:"body"`
		}{Body: ch}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-chamber",
		Method:      http.MethodPut,
		Path:        "/chambers/{id}",
		Summary:     "Create or replace a chamber",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpsertChamberRequest `json:"body"`
	}) (*struct {
		Body domain.Chamber `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ch, err := e.UpsertChamber(ctx, domain.Chamber{
			ID:          input.ID,
			Name:        input.Body.Name,
			WidthMM:     input.Body.WidthMM,
			LengthMM:    input.Body.LengthMM,
			MaxLoadKg:   input.Body.MaxLoadKg,
			VacuumLines: input.Body.VacuumLines,
			Status:      input.Body.Status,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Chamber `json:"body"`
		}{Body: ch}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-chamber-status",
		Method:      http.MethodPut,
		Path:        "/chambers/{id}/status",
		Summary:     "Change chamber status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body SetChamberStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Chamber `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ch, err := e.SetChamberStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Chamber `json:"body"`
		}{Body: ch}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stands",
		Method:      http.MethodGet,
		Path:        "/chambers/{id}/stands",
		Summary:     "List the support stands of a chamber",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.SupportStand `json:"body"`
	}, error) {
		if _, err := e.GetChamber(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		stands, err := e.ListStands(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SupportStand `json:"body"`
		}{Body: nonNilSlice(stands)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-stands",
		Method:      http.MethodPut,
		Path:        "/chambers/{id}/stands",
		Summary:     "Replace the support stands of a chamber",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStandsRequest `json:"body"`
	}) (*struct {
		Body []domain.SupportStand `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stands, err := e.SetStands(ctx, input.ID, input.Body.stands(input.ID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SupportStand `json:"body"`
		}{Body: nonNilSlice(stands)}, nil
	})
}

// registerPlanning exposes the stateless planning helpers.
func registerPlanning(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "rank-chambers",
		Method:      http.MethodPost,
		Path:        "/compatibility/rank",
		Summary:     "Rank chambers for a selection of work orders",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RankRequest `json:"body"`
	}) (*struct {
		Body RankResponse `json:"body"`
	}, error) {
		sel, candidates, err := e.Rank(ctx, input.Body.WorkOrderIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RankResponse `json:"body"`
		}{Body: RankResponse{Selection: sel, Candidates: candidateResponses(candidates)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-layout",
		Method:      http.MethodPost,
		Path:        "/layouts/validate",
		Summary:     "Validate a layout without storing it",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ValidateLayoutRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		res, err := e.CheckLayout(ctx, domain.Batch{
			ChamberID:    input.Body.ChamberID,
			WorkOrderIDs: input.Body.WorkOrderIDs,
			Placements:   input.Body.Placements,
			Metadata:     input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: res}, nil
	})
}
