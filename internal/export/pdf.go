// Package export renders batch sheets for the shop floor.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/go-pdf/fpdf"
	qrcode "github.com/skip2/go-qrcode"

	"nestline/internal/domain"
)

type rgb struct {
	R, G, B int
}

// cycleColors are assigned to cure cycles in sorted order.
var cycleColors = []rgb{
	{R: 76, G: 175, B: 80},
	{R: 33, G: 150, B: 243},
	{R: 255, G: 152, B: 0},
	{R: 156, G: 39, B: 176},
	{R: 0, G: 188, B: 212},
	{R: 244, G: 67, B: 54},
}

// A4 landscape, mm.
const (
	pageWidth    = 297.0
	pageHeight   = 210.0
	margin       = 12.0
	headerHeight = 10.0
	qrSize       = 32.0
	tableWidth   = 95.0
	rowHeight    = 5.0
)

// Sheet is everything printed on a batch sheet.
type Sheet struct {
	Batch       domain.Batch
	Chamber     domain.Chamber
	WorkOrders  []domain.WorkOrder
	Stands      []domain.SupportStand
	Report      *domain.ValidationReport
	GeneratedAt time.Time
}

// Label is the payload encoded in the sheet's QR code.
type Label struct {
	BatchID    string   `json:"batch_id"`
	ChamberID  string   `json:"chamber_id"`
	Status     string   `json:"status"`
	WorkOrders []string `json:"work_orders"`
}

func (s Sheet) label() Label {
	return Label{
		BatchID:    s.Batch.ID,
		ChamberID:  s.Batch.ChamberID,
		Status:     s.Batch.Status,
		WorkOrders: s.Batch.WorkOrderIDs,
	}
}

// WriteBatchSheet renders the sheet as PDF to w.
func WriteBatchSheet(w io.Writer, s Sheet) error {
	if len(s.Batch.Placements) == 0 {
		return errors.New("batch has no placements")
	}
	if s.Chamber.WidthMM <= 0 || s.Chamber.LengthMM <= 0 {
		return fmt.Errorf("chamber %s has no dimensions", s.Chamber.ID)
	}
	if s.GeneratedAt.IsZero() {
		s.GeneratedAt = time.Now()
	}
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetAutoPageBreak(false, margin)
	pdf.SetTitle("Batch "+s.Batch.ID, true)
	pdf.AddPage()

	renderHeader(pdf, s)
	if err := renderQR(pdf, s.label()); err != nil {
		return err
	}
	colors := colorsByCycle(s.Batch.Placements)
	renderLayout(pdf, s, colors)
	renderTable(pdf, s, colors)
	renderValidation(pdf, s)

	if err := pdf.Error(); err != nil {
		return err
	}
	return pdf.Output(w)
}

// WriteBatchSheetFile writes the sheet to path.
func WriteBatchSheetFile(path string, s Sheet) error {
	var buf bytes.Buffer
	if err := WriteBatchSheet(&buf, s); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func renderHeader(pdf *fpdf.Fpdf, s Sheet) {
	b := s.Batch
	pdf.SetFont("Helvetica", "B", 14)
	pdf.SetXY(margin, margin)
	title := fmt.Sprintf("Batch %s - %s", b.ID, s.Chamber.Name)
	pdf.CellFormat(pageWidth-2*margin-qrSize-4, headerHeight, title, "", 0, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	pdf.SetXY(margin, margin+headerHeight)
	stats := fmt.Sprintf("Status: %s | Work orders: %d | Weight: %.1f / %.0f kg | Valves: %d / %d | Coverage: %.1f%% | Efficiency: %.1f%%",
		b.Status, b.Metrics.WorkOrderCount, b.Metrics.TotalWeightKg, s.Chamber.MaxLoadKg,
		b.Metrics.ValvesUsed, s.Chamber.VacuumLines, b.Metrics.CoveragePct, b.Metrics.EfficiencyPct)
	pdf.CellFormat(pageWidth-2*margin-qrSize-4, 5, stats, "", 0, "L", false, 0, "")

	pdf.SetXY(margin, margin+headerHeight+5)
	meta := fmt.Sprintf("Generated %s", s.GeneratedAt.UTC().Format("2006-01-02 15:04 UTC"))
	if b.Metadata.Algorithm != "" {
		meta += " | Algorithm: " + b.Metadata.Algorithm
	}
	if b.ConfirmedBy != nil {
		meta += " | Confirmed by: " + *b.ConfirmedBy
	}
	pdf.CellFormat(pageWidth-2*margin-qrSize-4, 5, meta, "", 0, "L", false, 0, "")
}

func renderQR(pdf *fpdf.Fpdf, l Label) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal label: %w", err)
	}
	png, err := qrcode.Encode(string(data), qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("generate qr code: %w", err)
	}
	name := "qr_" + l.BatchID
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(png))
	pdf.ImageOptions(name, pageWidth-margin-qrSize, margin, qrSize, qrSize, false, opts, 0, "")
	return nil
}

func colorsByCycle(placements []domain.LayoutPlacement) map[string]rgb {
	var cycles []string
	seen := map[string]bool{}
	for _, p := range placements {
		if !seen[p.CureCycle] {
			seen[p.CureCycle] = true
			cycles = append(cycles, p.CureCycle)
		}
	}
	sort.Strings(cycles)
	out := make(map[string]rgb, len(cycles))
	for i, c := range cycles {
		out[c] = cycleColors[i%len(cycleColors)]
	}
	return out
}

func levels(placements []domain.LayoutPlacement) []int {
	set := map[int]bool{0: true}
	for _, p := range placements {
		set[p.Level] = true
	}
	out := make([]int, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

// renderLayout draws the chamber once per level, side by side, left of the
// work order table.
func renderLayout(pdf *fpdf.Fpdf, s Sheet, colors map[string]rgb) {
	top := margin + qrSize + 4
	areaW := pageWidth - 2*margin - tableWidth - 6
	areaH := pageHeight - top - margin - 8
	lvls := levels(s.Batch.Placements)
	slotW := (areaW - float64(len(lvls)-1)*4) / float64(len(lvls))
	ch := s.Chamber
	scale := math.Min(slotW/ch.WidthMM, areaH/ch.LengthMM)

	for i, level := range lvls {
		ox := margin + float64(i)*(slotW+4)
		pdf.SetFont("Helvetica", "B", 9)
		pdf.SetXY(ox, top)
		pdf.CellFormat(slotW, 5, fmt.Sprintf("Level %d", level), "", 0, "L", false, 0, "")
		oy := top + 6

		pdf.SetFillColor(235, 235, 235)
		pdf.SetDrawColor(90, 90, 90)
		pdf.SetLineWidth(0.4)
		pdf.Rect(ox, oy, ch.WidthMM*scale, ch.LengthMM*scale, "FD")

		if level > 0 {
			pdf.SetDrawColor(120, 120, 120)
			pdf.SetDashPattern([]float64{1, 1}, 0)
			for _, st := range s.Stands {
				pdf.Rect(ox+st.X*scale, oy+st.Y*scale, st.WidthMM*scale, st.LengthMM*scale, "D")
			}
			pdf.SetDashPattern([]float64{}, 0)
		}

		for _, p := range s.Batch.Placements {
			if p.Level != level {
				continue
			}
			c := colors[p.CureCycle]
			px, py := ox+p.X*scale, oy+p.Y*scale
			pw, ph := p.Width*scale, p.Height*scale
			pdf.SetFillColor(c.R, c.G, c.B)
			pdf.SetDrawColor(30, 30, 30)
			pdf.SetLineWidth(0.2)
			pdf.Rect(px, py, pw, ph, "FD")
			if pw > 12 && ph > 5 {
				pdf.SetFont("Helvetica", "", 6)
				pdf.SetTextColor(0, 0, 0)
				pdf.SetXY(px, py+ph/2-2)
				pdf.CellFormat(pw, 4, p.WorkOrderID, "", 0, "C", false, 0, "")
			}
		}
	}
}

func renderTable(pdf *fpdf.Fpdf, s Sheet, colors map[string]rgb) {
	x := pageWidth - margin - tableWidth
	y := margin + qrSize + 4
	byID := make(map[string]domain.WorkOrder, len(s.WorkOrders))
	for _, wo := range s.WorkOrders {
		byID[wo.ID] = wo
	}
	cols := []struct {
		title string
		width float64
	}{{"", 4}, {"Work order", 26}, {"Tool", 20}, {"Cycle", 15}, {"kg", 14}, {"Lvl", 8}, {"Rot", 8}}

	pdf.SetFont("Helvetica", "B", 8)
	pdf.SetXY(x, y)
	for _, c := range cols {
		pdf.CellFormat(c.width, rowHeight, c.title, "B", 0, "L", false, 0, "")
	}
	pdf.SetFont("Helvetica", "", 8)
	maxRows := int((pageHeight - margin - 40 - y) / rowHeight)
	for i, p := range s.Batch.Placements {
		y += rowHeight
		if i >= maxRows {
			pdf.SetXY(x, y)
			pdf.CellFormat(tableWidth, rowHeight, fmt.Sprintf("... %d more", len(s.Batch.Placements)-i), "", 0, "L", false, 0, "")
			break
		}
		wo := byID[p.WorkOrderID]
		tool := p.ToolID
		if tool == "" {
			tool = wo.ToolID
		}
		rot := ""
		if p.Rotated {
			rot = "yes"
		}
		c := colors[p.CureCycle]
		pdf.SetFillColor(c.R, c.G, c.B)
		pdf.SetXY(x, y)
		pdf.CellFormat(cols[0].width, rowHeight, "", "", 0, "L", true, 0, "")
		for j, v := range []string{p.WorkOrderID, tool, p.CureCycle, fmt.Sprintf("%.1f", wo.WeightKg), fmt.Sprint(p.Level), rot} {
			pdf.CellFormat(cols[j+1].width, rowHeight, v, "", 0, "L", false, 0, "")
		}
	}
}

func renderValidation(pdf *fpdf.Fpdf, s Sheet) {
	if s.Report == nil {
		return
	}
	r := s.Report.Result
	x := pageWidth - margin - tableWidth
	y := pageHeight - margin - 36
	pdf.SetFont("Helvetica", "B", 8)
	pdf.SetXY(x, y)
	status := "ready for confirmation"
	switch {
	case !r.Valid():
		status = "blocked"
	case !r.ReadyForConfirmation:
		status = "valid, too many warnings"
	}
	pdf.CellFormat(tableWidth, rowHeight, fmt.Sprintf("Validation %s: %s", s.Report.CreatedAt, status), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 7)
	lines := append(append([]string{}, r.Errors...), r.Warnings...)
	for i, line := range lines {
		if i == 6 {
			break
		}
		y += 4
		pdf.SetXY(x, y)
		pdf.CellFormat(tableWidth, 4, "- "+line, "", 0, "L", false, 0, "")
	}
}
