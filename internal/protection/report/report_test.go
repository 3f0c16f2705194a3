package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	protection "ptoc-relay/internal/protection/domain"
)

func sampleEvents() []protection.TripEvent {
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	return []protection.TripEvent{
		{ID: "a", Function: "PTOC", Type: protection.EventPickup, Phase: protection.PhasePickup, RMS: 120, At: at},
		{ID: "b", Function: "PTOC", Type: protection.EventTrip, Phase: protection.PhaseTripped, RMS: 121.5, Elapsed: 100 * time.Millisecond, At: at.Add(100 * time.Millisecond)},
	}
}

func sampleSummary() Summary {
	return Summary{
		Relay:           "Feeder 7",
		Function:        "PTOC",
		PickupCurrent:   100,
		TimeDelay:       100 * time.Millisecond,
		SamplesPerCycle: 80,
		GeneratedAt:     time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC),
	}
}

func TestBuildPDF(t *testing.T) {
	data, err := BuildPDF(sampleSummary(), sampleEvents())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestBuildXLSX(t *testing.T) {
	data, err := BuildXLSX(sampleSummary(), sampleEvents())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	trips, err := f.GetCellValue("summary", "B8")
	require.NoError(t, err)
	assert.Equal(t, "1", trips)

	event, err := f.GetCellValue("events", "B3")
	require.NoError(t, err)
	assert.Equal(t, "trip", event)

	elapsed, err := f.GetCellValue("events", "E3")
	require.NoError(t, err)
	assert.Equal(t, "100", elapsed)
}

func TestCounts(t *testing.T) {
	counts := Counts(sampleEvents())
	assert.Equal(t, 1, counts[protection.EventTrip])
	assert.Equal(t, 0, counts[protection.EventClear])
}
