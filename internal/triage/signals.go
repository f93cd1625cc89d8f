package triage

import (
	"strings"
	"unicode"
)

// Category groups critical-symptom signals by how urgent they are on their own.
type Category string

const (
	// CategoryLifeThreat signals bypass the reasoner and yield level 1.
	CategoryLifeThreat Category = "life_threat"
	// CategoryEmergent signals fall back to level 2 when the reasoner is unavailable.
	CategoryEmergent Category = "emergent"
	// CategoryUrgent signals fall back to level 3 when the reasoner is unavailable.
	CategoryUrgent Category = "urgent"
)

// Signal is a critical-symptom phrase. When Qualifiers is non-empty the
// phrase only counts if one of the qualifiers also appears in the message.
type Signal struct {
	Phrase     string
	Category   Category
	Qualifiers []string
}

// Signals is the fixed table scanned for every message, in reporting order.
var Signals = []Signal{
	{Phrase: "chest pain", Category: CategoryLifeThreat},
	{Phrase: "shortness of breath", Category: CategoryLifeThreat},
	{Phrase: "difficulty breathing", Category: CategoryLifeThreat},
	{Phrase: "can't breathe", Category: CategoryLifeThreat},
	{Phrase: "cannot breathe", Category: CategoryLifeThreat},
	{Phrase: "not breathing", Category: CategoryLifeThreat},
	{Phrase: "unconscious", Category: CategoryLifeThreat},
	{Phrase: "loss of consciousness", Category: CategoryLifeThreat},
	{Phrase: "passed out", Category: CategoryLifeThreat},
	{Phrase: "vomiting blood", Category: CategoryLifeThreat},
	{Phrase: "coughing up blood", Category: CategoryLifeThreat},
	{Phrase: "throat closing", Category: CategoryLifeThreat},
	{Phrase: "lips turning blue", Category: CategoryLifeThreat},
	{Phrase: "difficulty speaking", Category: CategoryLifeThreat},
	{Phrase: "face numbness", Category: CategoryLifeThreat},
	{Phrase: "severe bleeding", Category: CategoryLifeThreat},
	{Phrase: "won't stop bleeding", Category: CategoryLifeThreat},
	{Phrase: "suicidal thoughts", Category: CategoryLifeThreat},

	{Phrase: "severe headache", Category: CategoryEmergent},
	{Phrase: "severe abdominal pain", Category: CategoryEmergent},
	{Phrase: "allergic reaction", Category: CategoryEmergent},
	{Phrase: "severe cramping", Category: CategoryEmergent, Qualifiers: []string{"pregnant", "pregnancy"}},
	{Phrase: "stiff neck", Category: CategoryEmergent},
	{Phrase: "heart palpitations", Category: CategoryEmergent},
	{Phrase: "asthma attack", Category: CategoryEmergent},
	{Phrase: "vision loss", Category: CategoryEmergent},
	{Phrase: "severe eye pain", Category: CategoryEmergent},
	{Phrase: "sudden severe pain", Category: CategoryEmergent},
	{Phrase: "numbness and tingling", Category: CategoryEmergent, Qualifiers: []string{"arm", "face"}},
	{Phrase: "difficulty swallowing", Category: CategoryEmergent},
	{Phrase: "deep cut", Category: CategoryEmergent},

	{Phrase: "high fever", Category: CategoryUrgent},
	{Phrase: "severe swelling", Category: CategoryUrgent},
	{Phrase: "panic attacks", Category: CategoryUrgent},
	{Phrase: "red, swollen, warm", Category: CategoryUrgent, Qualifiers: []string{"skin"}},
}

// Detection is the result of scanning a message.
type Detection struct {
	Phrases    []string
	Categories map[Category]bool
}

// Has reports whether any detected signal is in c.
func (d Detection) Has(c Category) bool {
	return d.Categories[c]
}

// DetectSignals scans text for matches against Signals. A phrase must start
// on a word boundary but its last word may carry an inflected ending, so
// "chest pains" and "unconsciousness" match. Matching ignores case,
// punctuation and apostrophe style.
func DetectSignals(text string) Detection {
	norm := " " + normalize(text) + " "
	d := Detection{Categories: make(map[Category]bool)}

	for _, s := range Signals {
		if !containsPhrase(norm, s.Phrase) {
			continue
		}
		if len(s.Qualifiers) > 0 && !containsWord(norm, s.Qualifiers) {
			continue
		}
		d.Phrases = append(d.Phrases, s.Phrase)
		d.Categories[s.Category] = true
	}
	return d
}

// containsPhrase reports whether phrase occurs in padded starting at a word
// boundary, optionally followed by more letters up to the next boundary.
func containsPhrase(padded, phrase string) bool {
	needle := " " + normalize(phrase)
	for i := 0; ; {
		j := strings.Index(padded[i:], needle)
		if j < 0 {
			return false
		}
		end := i + j + len(needle)
		for end < len(padded) && padded[end] >= 'a' && padded[end] <= 'z' {
			end++
		}
		if end == len(padded) || padded[end] == ' ' {
			return true
		}
		i += j + 1
	}
}

// containsWord matches qualifiers as whole words only, so "arm" does not
// match "armchair".
func containsWord(padded string, words []string) bool {
	for _, w := range words {
		if strings.Contains(padded, " "+normalize(w)+" ") {
			return true
		}
	}
	return false
}

// normalize lowercases, folds typographic apostrophes, and turns every run
// of non-alphanumerics into a single space.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’' || r == '‘':
			// drop apostrophes so "won't" and "wont" match alike
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
