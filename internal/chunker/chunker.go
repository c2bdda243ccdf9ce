// Package chunker splits long text into bounded-size pieces at semantically
// sensible boundaries. It is used both to keep dispatch requests within the
// external service's limits and to keep stored blobs within storage-slot limits.
//
// All split functions guarantee that concatenating the returned chunks
// reproduces the input byte-for-byte.
package chunker

import (
	"strings"
)

// minUtilization is the minimum fraction of maxSize a chunk must reach for a
// boundary cut to be accepted. Cutting earlier than this produces
// pathologically small chunks, so the search falls through to the next
// boundary preference instead.
const minUtilization = 0.7

// Split splits text into ordered chunks of at most maxSize bytes each.
//
// A cut is proposed at offset+maxSize and moved backward to the nearest
// paragraph break ("\n\n"), or failing that the nearest sentence end (". "),
// provided the resulting chunk still uses at least 70% of maxSize. Otherwise
// the text is cut exactly at maxSize. A single semantic unit longer than
// maxSize is hard-split at the byte boundary.
func Split(text string, maxSize int) []string {
	if maxSize <= 0 || len(text) <= maxSize {
		return []string{text}
	}

	floor := int(float64(maxSize) * minUtilization)
	var chunks []string
	offset := 0
	for len(text)-offset > maxSize {
		window := text[offset : offset+maxSize]
		cut := boundaryCut(window, floor)
		chunks = append(chunks, window[:cut])
		offset += cut
	}
	chunks = append(chunks, text[offset:])
	return chunks
}

// boundaryCut returns the cut position within window, preferring a paragraph
// break, then a sentence end, then the full window length. A boundary is only
// accepted when the cut lands at or past floor.
func boundaryCut(window string, floor int) int {
	// Paragraph break: cut after the "\n\n" so the next chunk starts clean.
	if i := strings.LastIndex(window, "\n\n"); i >= 0 && i+2 >= floor {
		return i + 2
	}
	// Sentence end: cut after the ". ".
	if i := strings.LastIndex(window, ". "); i >= 0 && i+2 >= floor {
		return i + 2
	}
	return len(window)
}

// SplitLines is the stricter, line-safe variant of Split used for content
// where a chunk boundary must never orphan a newline inconsistently (for
// example text containing fenced code blocks). Every chunk except the last
// ends with "\n" and every chunk except the first begins with "\n",
// re-padding as needed; a post-pass hard-resplits any chunk that still
// exceeds maxSize. Concatenating the result reproduces the input exactly.
func SplitLines(text string, maxSize int) []string {
	if maxSize <= 0 || len(text) <= maxSize {
		return []string{text}
	}

	lines := strings.SplitAfter(text, "\n")
	var chunks []string
	var b strings.Builder
	for _, line := range lines {
		if b.Len() > 0 && b.Len()+len(line) > maxSize {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}

	// A single line longer than maxSize survives the line pass intact;
	// resplit it into fixed-size slices as a last resort.
	chunks = hardResplit(chunks, maxSize)
	return chunks
}

// hardResplit slices any chunk exceeding maxSize into fixed-size pieces,
// preserving order and content.
func hardResplit(chunks []string, maxSize int) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		for len(c) > maxSize {
			out = append(out, c[:maxSize])
			c = c[maxSize:]
		}
		if len(c) > 0 {
			out = append(out, c)
		}
	}
	return out
}
