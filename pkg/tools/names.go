package tools

import (
	"strings"
	"unicode"
)

var commonWords = map[string]bool{
	"A": true, "An": true, "And": true, "Are": true, "As": true, "At": true,
	"But": true, "By": true, "For": true, "He": true, "Her": true, "His": true,
	"How": true, "I": true, "I'm": true, "I'll": true, "I've": true, "If": true, "In": true, "Is": true, "It": true,
	"Its": true, "My": true, "No": true, "Of": true, "Oh": true, "On": true,
	"Or": true, "Our": true, "She": true, "So": true, "That": true, "The": true,
	"Their": true, "Then": true, "There": true, "They": true, "This": true,
	"To": true, "We": true, "What": true, "When": true, "Where": true,
	"Who": true, "Why": true, "With": true, "Yes": true, "You": true, "Your": true,
}

// CapitalisedNames returns runs of capitalised words that are not at the
// start of a sentence, e.g. "Black Pearl" in "Board the Black Pearl."
func CapitalisedNames(text string) []string {
	var (
		names   []string
		seen    = make(map[string]bool)
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			n := strings.Join(current, " ")
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
		current = current[:0]
	}

	sentenceStart := true
	for _, raw := range strings.Fields(text) {
		word := strings.TrimFunc(raw, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
		})
		word = strings.TrimSuffix(word, "'s")
		endsSentence := strings.ContainsAny(raw[len(raw)-1:], ".!?")
		leadingPunct := len(raw) > 0 && strings.ContainsAny(raw[:1], "\"(")

		first, _ := firstRune(word)
		capitalised := word != "" && unicode.IsUpper(first)
		switch {
		case !capitalised || commonWords[word]:
			flush()
		case sentenceStart && len(current) == 0:
			// sentence openers are usually ordinary words
		default:
			if leadingPunct {
				flush()
			}
			current = append(current, word)
		}
		if endsSentence || strings.HasSuffix(raw, ",") || strings.HasSuffix(raw, ";") {
			flush()
		}
		sentenceStart = endsSentence
	}
	flush()
	return names
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}
