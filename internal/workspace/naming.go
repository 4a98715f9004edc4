package workspace

import "strings"

const tabNameLimit = 30

// TabNameFromMessage derives a tab name from the first user message: the
// first non-empty line, cut at a word boundary near the limit with an
// ellipsis.
func TabNameFromMessage(message string) string {
	var line string
	for _, candidate := range strings.Split(message, "\n") {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" {
			line = candidate
			break
		}
	}
	if line == "" {
		return ""
	}

	runes := []rune(line)
	if len(runes) <= tabNameLimit {
		return line
	}

	cut := string(runes[:tabNameLimit])
	if idx := strings.LastIndexByte(cut, ' '); idx > tabNameLimit/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}
