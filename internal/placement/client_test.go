package placement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestline/internal/domain"
)

func TestGenerate(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Result{Layouts: []ChamberLayout{{
			ChamberID:  "A1",
			Placements: []domain.LayoutPlacement{{WorkOrderID: "WO1", Width: 10, Height: 20}},
			Metadata:   domain.LayoutMetadata{Algorithm: "bl", LevelCount: 1},
		}}})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", time.Second)
	res, err := c.Generate(context.Background(), Request{
		WorkOrders: []domain.WorkOrder{{ID: "WO1"}},
		Chambers:   []domain.Chamber{{ID: "A1"}},
		Parameters: map[string]any{"padding_mm": 20},
	})
	require.NoError(t, err)
	assert.Equal(t, "WO1", got.WorkOrders[0].ID)
	assert.EqualValues(t, 20, got.Parameters["padding_mm"])
	l, ok := res.For("A1")
	require.True(t, ok)
	assert.Len(t, l.Placements, 1)
	_, ok = res.For("B2")
	assert.False(t, ok)
}

func TestGenerateErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "solver timeout", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Generate(context.Background(), Request{Chambers: []domain.Chamber{{ID: "A1"}}})
	var apiErr APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "solver timeout", apiErr.Body)
}

func TestGenerateHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, 5*time.Second).Generate(ctx, Request{Chambers: []domain.Chamber{{ID: "A1"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerateRequiresChamber(t *testing.T) {
	_, err := New("http://127.0.0.1:1", time.Second).Generate(context.Background(), Request{})
	assert.Error(t, err)
}
