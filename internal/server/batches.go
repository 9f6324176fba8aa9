package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"nestline/internal/domain"
	"nestline/internal/engine"
	"nestline/internal/export"
	"nestline/internal/repo"
)

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"draft,suspended,confirmed,loaded,curing,terminated"`
		ChamberID string `query:"chamber_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Batch `json:"body"`
	}, error) {
		items, err := e.ListBatches(ctx, repo.BatchFilter{
			Status:    input.Status,
			ChamberID: input.ChamberID,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Batch `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Store a layout as a draft batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateBatchRequest `json:"body"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateDraft(ctx, domain.Batch{
			ChamberID:    input.Body.ChamberID,
			WorkOrderIDs: input.Body.WorkOrderIDs,
			Placements:   input.Body.Placements,
			Metadata:     input.Body.Metadata,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{id}",
		Summary:     "Get batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		b, err := e.GetBatch(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-batch-placements",
		Method:      http.MethodPut,
		Path:        "/batches/{id}/placements",
		Summary:     "Replace the layout of an uncommitted batch",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdatePlacementsRequest `json:"body"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.UpdatePlacements(ctx, input.ID, input.Body.Placements, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-command",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/commands/{command}",
		Summary:     "Run a lifecycle command on a batch",
		Description: "promote saves a draft as suspended, confirm re-validates and commits the layout, load and start_cure follow the shop floor, terminate releases the chamber.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Command string `path:"command" enum:"promote,confirm,load,start_cure,terminate"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Command(ctx, input.ID, input.Command, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-batch",
		Method:        http.MethodDelete,
		Path:          "/batches/{id}",
		Summary:       "Delete an uncommitted batch",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batch-validations",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/validations",
		Summary:     "List validation reports of a batch, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.ValidationReport `json:"body"`
	}, error) {
		items, err := e.ListValidationReports(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ValidationReport `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "validate-batch",
		Method:        http.MethodPost,
		Path:          "/batches/{id}/validations",
		Summary:       "Re-validate the stored layout and record a report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ValidationReport `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.ValidateBatch(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-sheet",
		Method:      http.MethodGet,
		Path:        "/batches/{id}/sheet.pdf",
		Summary:     "Printable batch sheet",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		sheet, err := e.BatchSheet(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		var buf bytes.Buffer
		if err := export.WriteBatchSheet(&buf, sheet); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "application/pdf",
			ContentDisposition: fmt.Sprintf("inline; filename=%q", "batch-"+input.ID+".pdf"),
			Body:               buf.Bytes(),
		}, nil
	})
}
