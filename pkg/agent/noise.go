package agent

import "strings"

// noiseDenylist holds recognizer artifacts that must never reach the
// completion engine. Matching is exact after trimming and lowercasing.
var noiseDenylist = map[string]struct{}{
	"thank you for watching": {},
	"thanks for watching":    {},
	".":                      {},
	"..":                     {},
	"...":                    {},
}

// IsNoise reports whether an utterance is a known transcription
// artifact or empty.
func IsNoise(utterance string) bool {
	norm := strings.ToLower(strings.TrimSpace(utterance))
	if norm == "" {
		return true
	}
	_, ok := noiseDenylist[norm]
	return ok
}
