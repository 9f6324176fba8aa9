package importer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestDetectCSVDelimiter(t *testing.T) {
	cases := map[rune]string{
		',':  "id,weight_kg,width_mm\nWO-1,10,200\n",
		';':  "id;weight_kg;width_mm\nWO-1;10,5;200\n",
		'\t': "id\tweight_kg\twidth_mm\nWO-1\t10\t200\n",
		'|':  "id|weight_kg|width_mm\nWO-1|10|200\n",
	}
	for want, data := range cases {
		assert.Equal(t, want, DetectCSVDelimiter([]byte(data)), data)
	}
}

func TestDetectColumnsAliases(t *testing.T) {
	m, header := DetectColumns([]string{"ODL", "Peso", "Larghezza", "Lunghezza", "Valvole", "Ciclo", "Tool"})
	require.True(t, header)
	assert.Equal(t, 0, m["id"])
	assert.Equal(t, 1, m["weight_kg"])
	assert.Equal(t, 2, m["width_mm"])
	assert.Equal(t, 3, m["length_mm"])
	assert.Equal(t, 4, m["valves"])
	assert.Equal(t, 5, m["cure_cycle"])
	assert.Equal(t, 6, m["tool_id"])
	assert.Equal(t, -1, m["priority"])
}

func TestDetectColumnsPositional(t *testing.T) {
	m, header := DetectColumns([]string{"WO-1", "queued", "3"})
	assert.False(t, header)
	for i, role := range Columns {
		assert.Equal(t, i, m[role])
	}
}

func TestImportCSV(t *testing.T) {
	data := strings.Join([]string{
		"id;status;priority;weight_kg;width_mm;length_mm;valves;cure_cycle",
		"WO-1;queued;3;120,5;1000;2000;2;C180",
		"WO-2;;;80;500;800;1;",
		";;;1;1;1;1;C180",
		"WO-3;;;abc;1;1;1;C180",
		"",
		"WO-1;awaiting_cure;1;100;1000;2000;2;C180",
	}, "\n")
	res := ImportCSV(strings.NewReader(data))

	require.Len(t, res.WorkOrders, 2)
	wo := res.WorkOrders[0]
	assert.Equal(t, "WO-1", wo.ID)
	assert.Equal(t, "awaiting_cure", wo.Status)
	assert.InDelta(t, 100, wo.WeightKg, 0.001)
	assert.Equal(t, 2, wo.Valves)
	assert.Equal(t, "WO-2", res.WorkOrders[1].ID)
	assert.Equal(t, 0, res.WorkOrders[1].Priority)

	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "line 4: missing work order id")
	assert.Contains(t, res.Errors[1], "line 5: invalid weight_kg")
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "line 3: no cure cycle")
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "duplicate work order WO-1")
}

func TestImportCSVDecimalComma(t *testing.T) {
	res := ImportCSV(strings.NewReader("id;weight_kg;width_mm;length_mm\nWO-1;12,5;100;200\n"))
	require.Empty(t, res.Errors)
	require.Len(t, res.WorkOrders, 1)
	assert.InDelta(t, 12.5, res.WorkOrders[0].WeightKg, 0.001)
}

func TestImportCSVEmpty(t *testing.T) {
	res := ImportCSV(strings.NewReader("   \n"))
	assert.Equal(t, []string{"file is empty"}, res.Errors)
}

func TestImportExcel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	rows := [][]any{
		{"Work Order", "Weight", "Width", "Length", "Valves", "Cure Cycle", "Priority"},
		{"WO-10", 55.5, 600, 900, 1, "C120", 4},
		{"WO-11", 20, 300, 300, 0, "C120", 1},
	}
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cellRef, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res := ImportExcel(buf)
	require.Empty(t, res.Errors)
	require.Len(t, res.WorkOrders, 2)
	assert.Equal(t, "WO-10", res.WorkOrders[0].ID)
	assert.InDelta(t, 55.5, res.WorkOrders[0].WeightKg, 0.001)
	assert.Equal(t, 4, res.WorkOrders[0].Priority)
	assert.Equal(t, "C120", res.WorkOrders[1].CureCycle)
}

func TestImportFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	res := ImportFile(path)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "unsupported file type")
}

func TestImportFileCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,weight_kg,width_mm,length_mm,cure_cycle\nWO-1,1,2,3,C1\n"), 0o644))
	res := ImportFile(path)
	require.Empty(t, res.Errors)
	assert.Len(t, res.WorkOrders, 1)
}
