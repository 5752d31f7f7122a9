package memory

import (
	"math"
	"strings"
)

// Score rates how well query keywords select a document. A hit on the
// document name weighs more than one in the body: operators reference
// documents by name far more often than by phrasing from the content.
func Score(keywords []string, name, content string) float64 {
	if len(keywords) == 0 {
		return 0
	}

	nameLower := strings.ToLower(name)
	contentLower := strings.ToLower(content)
	nameSet := wordSet(tokenize(nameLower))
	contentSet := wordSet(tokenize(contentLower))

	var matched int
	var weighted float64
	for _, kw := range keywords {
		k := strings.ToLower(kw)
		switch {
		case nameSet[k]:
			matched++
			weighted += 1.0
		case contentSet[k]:
			matched++
			weighted += 0.9
		case strings.Contains(nameLower, k):
			matched++
			weighted += 0.8
		case strings.Contains(contentLower, k):
			matched++
			weighted += 0.6 // partial substring match in the body
		}
	}
	if matched == 0 {
		return 0
	}

	// The vocabulary term is log-damped so a long document is not
	// buried under its own word count when ranked against a short one.
	vocab := 1 + math.Log2(1+float64(len(nameSet)+len(contentSet)))
	overlap := float64(matched) / (float64(len(keywords)) + vocab)
	coverage := weighted / float64(len(keywords))

	return 0.4*overlap + 0.6*coverage
}

func wordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127) // keep unicode chars
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 { // skip single chars
			result = append(result, w)
		}
	}
	return result
}
