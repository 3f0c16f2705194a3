package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	protection "ptoc-relay/internal/protection/domain"
)

// Summary describes the relay and period a report covers.
type Summary struct {
	Relay           string
	Function        string
	PickupCurrent   float64
	TimeDelay       time.Duration
	SamplesPerCycle int
	From            time.Time
	To              time.Time
	GeneratedAt     time.Time
}

// Counts tallies events by type.
func Counts(events []protection.TripEvent) map[protection.EventType]int {
	counts := make(map[protection.EventType]int)
	for _, event := range events {
		counts[event.Type]++
	}
	return counts
}

func period(summary Summary) string {
	from := "-"
	to := "-"
	if !summary.From.IsZero() {
		from = summary.From.UTC().Format(time.RFC3339)
	}
	if !summary.To.IsZero() {
		to = summary.To.UTC().Format(time.RFC3339)
	}
	return from + " .. " + to
}

// BuildPDF renders a trip event report as PDF.
func BuildPDF(summary Summary, events []protection.TripEvent) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, fmt.Sprintf("%s Trip Event Report", summary.Function))
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Relay: %s", summary.Relay))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s", period(summary)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Pickup: %.2f A  Delay: %s  Samples/cycle: %d",
		summary.PickupCurrent, summary.TimeDelay, summary.SamplesPerCycle))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", summary.GeneratedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)

	counts := Counts(events)
	pdf.Cell(0, 6, fmt.Sprintf("Trips: %d  Pickups: %d  Dropouts: %d  Resets: %d",
		counts[protection.EventTrip], counts[protection.EventPickup], counts[protection.EventDropout], counts[protection.EventReset]))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(55, 6, "Time (UTC)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Event", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Phase", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "RMS (A)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Elapsed (ms)", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, event := range events {
		pdf.CellFormat(55, 6, event.At.UTC().Format("2006-01-02 15:04:05.000"), "1", 0, "L", false, 0, "")
		pdf.CellFormat(22, 6, string(event.Type), "1", 0, "C", false, 0, "")
		pdf.CellFormat(22, 6, event.Phase.String(), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f", event.RMS), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d", event.Elapsed.Milliseconds()), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildXLSX renders a trip event report as a workbook with summary and events sheets.
func BuildXLSX(summary Summary, events []protection.TripEvent) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	eventsSheet := "events"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(eventsSheet); err != nil {
		return nil, err
	}

	counts := Counts(events)
	_ = f.SetCellValue(summarySheet, "A1", fmt.Sprintf("%s Trip Event Report", summary.Function))
	_ = f.SetCellValue(summarySheet, "A3", "Relay")
	_ = f.SetCellValue(summarySheet, "B3", summary.Relay)
	_ = f.SetCellValue(summarySheet, "A4", "Period")
	_ = f.SetCellValue(summarySheet, "B4", period(summary))
	_ = f.SetCellValue(summarySheet, "A5", "Pickup (A)")
	_ = f.SetCellValue(summarySheet, "B5", summary.PickupCurrent)
	_ = f.SetCellValue(summarySheet, "A6", "Delay (ms)")
	_ = f.SetCellValue(summarySheet, "B6", summary.TimeDelay.Milliseconds())
	_ = f.SetCellValue(summarySheet, "A7", "Samples per cycle")
	_ = f.SetCellValue(summarySheet, "B7", summary.SamplesPerCycle)
	_ = f.SetCellValue(summarySheet, "A8", "Trips")
	_ = f.SetCellValue(summarySheet, "B8", counts[protection.EventTrip])
	_ = f.SetCellValue(summarySheet, "A9", "Pickups")
	_ = f.SetCellValue(summarySheet, "B9", counts[protection.EventPickup])
	_ = f.SetCellValue(summarySheet, "A10", "Generated")
	_ = f.SetCellValue(summarySheet, "B10", summary.GeneratedAt.UTC().Format(time.RFC3339))

	_ = f.SetCellValue(eventsSheet, "A1", "Time (UTC)")
	_ = f.SetCellValue(eventsSheet, "B1", "Event")
	_ = f.SetCellValue(eventsSheet, "C1", "Phase")
	_ = f.SetCellValue(eventsSheet, "D1", "RMS (A)")
	_ = f.SetCellValue(eventsSheet, "E1", "Elapsed (ms)")
	_ = f.SetCellValue(eventsSheet, "F1", "ID")
	for i, event := range events {
		row := i + 2
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("A%d", row), event.At.UTC().Format(time.RFC3339Nano))
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("B%d", row), string(event.Type))
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("C%d", row), event.Phase.String())
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("D%d", row), event.RMS)
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("E%d", row), event.Elapsed.Milliseconds())
		_ = f.SetCellValue(eventsSheet, fmt.Sprintf("F%d", row), event.ID)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
