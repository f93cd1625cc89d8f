package guideline

import (
	"strings"
	"unicode"
)

// SplitText cuts text into pieces of at most maxChars runes. Whitespace is
// collapsed first. A cut lands on the last space in the window when one exists
// in its back half, and each piece after the first starts overlap runes
// before the previous cut.
func SplitText(text string, maxChars, overlap int) []string {
	if maxChars <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = maxChars / 2
	}

	runes := []rune(strings.Join(strings.Fields(text), " "))
	n := len(runes)
	if n == 0 {
		return nil
	}

	var pieces []string
	start := 0
	for start < n {
		end := start + maxChars
		if end >= n {
			end = n
		} else if cut := lastSpace(runes[start:end]); cut > maxChars/2 {
			end = start + cut
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			pieces = append(pieces, piece)
		}
		if end >= n {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		// do not start a piece mid-word
		for next < end && next > 0 && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		start = next
	}

	return pieces
}

func lastSpace(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if unicode.IsSpace(rs[i]) {
			return i
		}
	}
	return -1
}
