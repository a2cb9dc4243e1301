package ingest

import (
	"regexp"
	"strings"
)

// Source types accepted by the pipeline.
const (
	sourceTypeDoc    = "gdoc"
	sourceTypeSlides = "gslides"
	sourceTypePDF    = "gpdf"
)

// Extraction strategies recorded in the completion audit event.
const (
	strategyExportText  = "export_text"
	strategySlidesScan  = "slides_pdf_scan"
	strategyByteScan    = "pdf_byte_scan"
	strategyLLMFallback = "pdf_llm_fallback"
)

// minPrintableRun is the shortest printable-byte run worth keeping when
// scanning raw PDF bytes. Shorter runs are overwhelmingly stream noise.
const minPrintableRun = 24

// pdfPageMarker counts /Type /Page object markers, excluding the /Pages
// tree node, to estimate page count without parsing the document.
var pdfPageMarker = regexp.MustCompile(`/Type\s*/Page([^s]|$)`)

// scanPrintableRuns walks raw bytes and keeps runs of printable ASCII at
// least minRun long, whitespace-normalized and joined as paragraphs.
func scanPrintableRuns(data []byte, minRun int) string {
	var runs []string
	var current strings.Builder
	flush := func() {
		if run := normalizeWhitespace(current.String()); len(run) >= minRun {
			runs = append(runs, run)
		}
		current.Reset()
	}
	for _, b := range data {
		if b == '\n' || b == '\t' || (b >= 0x20 && b <= 0x7e) {
			current.WriteByte(b)
		} else {
			flush()
		}
	}
	flush()
	return strings.Join(runs, "\n\n")
}

// normalizeWhitespace collapses interior whitespace runs to single spaces.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// compactLength counts non-whitespace characters, the measure used for the
// low-text threshold.
func compactLength(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' && r != '\n' && r != '\t' && r != '\r' {
			n++
		}
	}
	return n
}

// estimatePDFPages counts page object markers in raw PDF bytes. It is an
// estimate for budget enforcement, not a parse.
func estimatePDFPages(data []byte) int {
	return len(pdfPageMarker.FindAll(data, -1))
}
