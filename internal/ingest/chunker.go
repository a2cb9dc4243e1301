package ingest

import "strings"

// splitChunks breaks extracted text into embedding-sized chunks. Paragraphs
// (blank-line separated) are greedily packed up to size characters; a single
// paragraph over the ceiling is split into overlapping fixed-width slices
// with stride = size - overlap. At most maxChunks chunks are produced.
func splitChunks(text string, size, overlap, maxChunks int) []string {
	if maxChunks <= 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, para := range splitParagraphs(text) {
		if len(chunks) >= maxChunks {
			break
		}
		if len(para) > size {
			flush()
			for _, slice := range sliceOversized(para, size, overlap) {
				if len(chunks) >= maxChunks {
					break
				}
				chunks = append(chunks, slice)
			}
			continue
		}
		if current.Len() > 0 && current.Len()+2+len(para) > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if len(chunks) < maxChunks {
		flush()
	}
	return chunks
}

// splitParagraphs splits on blank lines, dropping empty paragraphs.
func splitParagraphs(text string) []string {
	lines := strings.Split(text, "\n")
	var paragraphs []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			paragraphs = append(paragraphs, strings.Join(current, "\n"))
			current = current[:0]
		}
	}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		current = append(current, strings.TrimRight(line, " \t\r"))
	}
	flush()
	return paragraphs
}

// sliceOversized cuts one oversized paragraph into overlapping windows. Each
// slice is at most size characters and starts size-overlap after the
// previous one.
func sliceOversized(para string, size, overlap int) []string {
	stride := size - overlap
	if stride <= 0 {
		stride = size
	}
	var slices []string
	for start := 0; start < len(para); start += stride {
		end := start + size
		if end > len(para) {
			end = len(para)
		}
		slices = append(slices, para[start:end])
		if end == len(para) {
			break
		}
	}
	return slices
}
