package ingest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kohlhas/recollect/internal/storage"
)

// pdfPageSeconds is the synthetic duration assigned to each page so imported
// documents get a usable timeline for time-range filters.
const pdfPageSeconds = 30.0

// FromPDF extracts page text from a PDF (OCR output, meeting notes) and
// shapes it as a transcription payload: one segment per non-empty page.
func FromPDF(path string) (Payload, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return Payload{}, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	pages := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return Payload{}, fmt.Errorf("extracting text from page %d: %w", i, err)
		}
		pages = append(pages, text)
	}

	p := payloadFromPages(pages, filepath.Base(path))
	if len(p.Segments) == 0 {
		return Payload{}, &storage.IngestionError{Field: "segments", Reason: "pdf contains no extractable text"}
	}
	return p, nil
}

// payloadFromPages builds the payload from per-page text. Empty pages are
// skipped but keep their place in the synthetic timeline.
func payloadFromPages(pages []string, source string) Payload {
	var segments []SegmentInput
	var full strings.Builder

	for i, text := range pages {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if full.Len() > 0 {
			full.WriteString("\n")
		}
		full.WriteString(text)
		segments = append(segments, SegmentInput{
			Text:       text,
			StartTime:  float64(i) * pdfPageSeconds,
			EndTime:    float64(i+1) * pdfPageSeconds,
			Confidence: 1.0,
		})
	}

	return Payload{
		Text:     full.String(),
		Segments: segments,
		SessionMetadata: SessionInput{
			SourceTool: "pdf-import",
			DeviceInfo: source,
		},
	}
}
