package research

import "strings"

// SplitFragments breaks text into overlapping fragments of at most
// chunkSize runes, preferring paragraph and sentence boundaries so a
// fragment stays readable on its own. Adjacent fragments share overlap
// runes of context.
func SplitFragments(text string, chunkSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 5
	}

	runes := []rune(text)
	if len(runes) <= chunkSize {
		return []string{text}
	}

	var fragments []string
	start := 0
	for start < len(runes) {
		end := start + chunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = snapToBoundary(runes, start, end)
		}

		fragment := strings.TrimSpace(string(runes[start:end]))
		if fragment != "" {
			fragments = append(fragments, fragment)
		}

		if end == len(runes) {
			break
		}
		start = end - overlap
	}
	return fragments
}

// snapToBoundary walks backwards from end looking for a paragraph break,
// then a sentence end, then any whitespace. Falls back to the hard cut
// when no boundary exists in the second half of the window.
func snapToBoundary(runes []rune, start, end int) int {
	min := start + (end-start)/2

	for i := end; i > min; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	for i := end; i > min; i-- {
		switch runes[i-1] {
		case '.', '!', '?', '。', '！', '？':
			return i
		}
	}
	for i := end; i > min; i-- {
		if runes[i-1] == ' ' || runes[i-1] == '\t' {
			return i
		}
	}
	return end
}
