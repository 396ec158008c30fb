package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/robolog/internal/common"
)

// SavePDF renders rep into a PDF document. When the report carries an output
// fingerprint its hash is printed and embedded as a QR code.
func SavePDF(rep Report, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Log Report", false)
	pdf.SetAuthor("robologctl", false)
	pdf.SetCreator("robologctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, "Log Report")
	addSummarySection(pdf, rep)
	if rep.Stats != nil {
		addStatsSection(pdf, rep)
	}
	addChannelSection(pdf, rep)
	if rep.Output != nil {
		if err := addOutputSection(pdf, *rep.Output); err != nil {
			return err
		}
	}

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

type item struct {
	label string
	value string
}

func addItems(pdf *gofpdf.Fpdf, heading string, items []item) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, heading)
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	for _, it := range items {
		pdf.CellFormat(50, 6, it.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, it.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addSummarySection(pdf *gofpdf.Fpdf, rep Report) {
	s := rep.Summary
	addItems(pdf, "Summary", []item{
		{"File", emptyFallback(s.Path, "-")},
		{"Format", emptyFallback(s.FormatName, "-")},
		{"Size", common.FormatBytes(s.Size)},
		{"Messages", strconv.FormatUint(s.MessageCount, 10)},
		{"Channels", strconv.Itoa(s.ChannelCount)},
		{"Chunks", strconv.Itoa(s.ChunkCount)},
		{"Indexed", yesNo(s.Indexed)},
		{"Start", formatStamp(s.StartTime)},
		{"End", formatStamp(s.EndTime)},
		{"Generated", rep.Generated.Format(time.RFC3339)},
	})
}

func addStatsSection(pdf *gofpdf.Fpdf, rep Report) {
	st := rep.Stats
	addItems(pdf, "Rewrite", []item{
		{"Run", emptyFallback(st.RunID, "-")},
		{"Written", strconv.FormatUint(st.MessageCount, 10)},
		{"Passthrough", strconv.FormatUint(st.PassthroughCount, 10)},
		{"Re-encoded", strconv.FormatUint(st.ReencodedCount, 10)},
		{"Decode failures", strconv.FormatUint(st.DecodeFailures, 10)},
		{"Encode failures", strconv.FormatUint(st.EncodeFailures, 10)},
		{"Excluded", strconv.FormatUint(st.ExcludedCount, 10)},
		{"Topics renamed", strconv.FormatUint(st.TopicsRenamed, 10)},
		{"Types renamed", strconv.FormatUint(st.TypesRenamed, 10)},
		{"Output channels", strconv.FormatUint(st.ChannelCount, 10)},
	})
}

func addChannelSection(pdf *gofpdf.Fpdf, rep Report) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Channels")
	pdf.Ln(9)

	if len(rep.Channels) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No channels recorded.", "", "L", false)
		return
	}

	headers := []string{"ID", "Topic", "Type", "Encoding", "Schema", "Messages"}
	widths := []float64{12, 50, 54, 22, 22, 20}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, ch := range rep.Channels {
		renderTableRow(pdf, widths, []string{
			strconv.FormatUint(uint64(ch.ID), 10),
			ch.Topic,
			ch.MessageType,
			ch.Encoding,
			emptyFallback(ch.SchemaEncoding, "-"),
			strconv.FormatUint(ch.MessageCount, 10),
		}, 5)
	}
	pdf.Ln(4)
}

func addOutputSection(pdf *gofpdf.Fpdf, out Output) error {
	addItems(pdf, "Output", []item{
		{"Path", out.Path},
		{"Size", common.FormatBytes(out.Size)},
	})
	pdf.SetFont("Courier", "", 8)
	pdf.MultiCell(0, 4, "SHA-256 "+out.SHA256, "", "L", false)
	pdf.Ln(2)

	png, err := HashToQR(out.SHA256, 256)
	if err != nil {
		return fmt.Errorf("output qr: %w", err)
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
	pdf.RegisterImageOptionsReader("output-qr", opts, bytes.NewReader(png))
	pdf.ImageOptions("output-qr", pdf.GetX(), pdf.GetY(), 35, 35, true, opts, 0, "")
	return nil
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// formatStamp prints a nanosecond log time as RFC 3339.
func formatStamp(ns uint64) string {
	if ns == 0 {
		return "-"
	}
	return time.Unix(0, int64(ns)).UTC().Format(time.RFC3339Nano)
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
