package statistics

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestRecordOutcome(t *testing.T) {
	s := NewStatistics()
	s.AddFilesFound(5)

	s.RecordOutcome(OutcomeCompressed, "JPEG", "a.jpg", 1000, 400, nil)
	s.RecordOutcome(OutcomeOriginal, "PNG", "b.png", 500, 500, nil)
	s.RecordOutcome(OutcomeValidated, "GIF", "c.gif", 300, 300, nil)
	s.RecordOutcome(OutcomeSkipped, "JPEG", "d.jpg", 800, 0, nil)
	s.RecordOutcome(OutcomeError, "", "e.webp", 0, 0, errors.New("bad signature"))

	if s.TotalFilesProcessed != 5 {
		t.Errorf("Expected 5 processed, got %d", s.TotalFilesProcessed)
	}
	if s.FilesCompressed != 1 || s.FilesKeptOriginal != 1 || s.FilesValidated != 1 ||
		s.FilesSkipped != 1 || s.FilesWithErrors != 1 {
		t.Errorf("Unexpected outcome counters: %+v", s.Snapshot())
	}
	if s.BytesBefore != 1800 || s.BytesAfter != 1200 {
		t.Errorf("Skipped files must not count toward bytes: before=%d after=%d", s.BytesBefore, s.BytesAfter)
	}
	if s.SavedBytes() != 600 {
		t.Errorf("Expected 600 saved bytes, got %d", s.SavedBytes())
	}
	if len(s.Errors) != 1 || s.Errors[0].FilePath != "e.webp" || s.Errors[0].Error != "bad signature" {
		t.Errorf("Unexpected errors: %+v", s.Errors)
	}
	if s.FormatStats["JPEG"] != 2 || s.FormatStats["GIF"] != 1 {
		t.Errorf("Unexpected format stats: %v", s.FormatStats)
	}
}

func TestSavingsRatioEmpty(t *testing.T) {
	s := NewStatistics()
	if s.SavingsRatio() != 0 || s.SavedBytes() != 0 {
		t.Error("Empty statistics must report zero savings")
	}
}

func TestConcurrentRecording(t *testing.T) {
	s := NewStatistics()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordOutcome(OutcomeCompressed, "JPEG", "x.jpg", 10, 5, nil)
		}()
	}
	wg.Wait()

	if s.FilesCompressed != 100 || s.BytesBefore != 1000 || s.FormatStats["JPEG"] != 100 {
		t.Errorf("Lost updates: %+v", s.Snapshot())
	}
}

func TestSummaries(t *testing.T) {
	s := NewStatistics()
	s.RecordOutcome(OutcomeCompressed, "PNG", "a.png", 2048, 1024, nil)
	s.IncrementWatchEvents()
	s.IncrementWatchDispatched()
	s.Finalize()

	summary := s.GetSummary()
	for _, want := range []string{"Compressed: 1", "Saved: 1.0 KB (50.0%)", "Events: 1"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
	if !strings.Contains(s.GetFormatBreakdown(), "PNG: 1") {
		t.Errorf("unexpected breakdown: %s", s.GetFormatBreakdown())
	}
	if s.GetErrorSummary() != "No errors occurred during processing" {
		t.Errorf("unexpected error summary: %s", s.GetErrorSummary())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in       int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.expected {
			t.Errorf("FormatBytes(%d) = %s, expected %s", tt.in, got, tt.expected)
		}
	}
}
