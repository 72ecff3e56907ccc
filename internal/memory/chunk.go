package memory

import "strings"

// DefaultMaxChars is the largest piece of text sent to the embedder in one
// call. Longer messages are split and their vectors averaged.
const DefaultMaxChars = 2000

// splitForEmbedding breaks text into pieces of at most max bytes, preferring
// paragraph boundaries, then line boundaries, then a hard cut. Short text
// comes back as a single piece.
func splitForEmbedding(text string, max int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= max {
		return []string{text}
	}

	var pieces []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			pieces = append(pieces, s)
		}
		current.Reset()
	}
	add := func(block, sep string) {
		if current.Len() > 0 && current.Len()+len(sep)+len(block) > max {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(block)
	}

	for _, para := range strings.Split(text, "\n\n") {
		if len(para) <= max {
			add(para, "\n\n")
			continue
		}
		flush()
		for _, line := range strings.Split(para, "\n") {
			for len(line) > max {
				cut := cutPoint(line, max)
				add(line[:cut], "\n")
				flush()
				line = line[cut:]
			}
			add(line, "\n")
		}
		flush()
	}
	flush()
	return pieces
}

// cutPoint returns an index <= max that does not split a UTF-8 sequence,
// preferring the last space.
func cutPoint(s string, max int) int {
	if i := strings.LastIndexByte(s[:max], ' '); i > max/2 {
		return i + 1
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	if cut == 0 {
		return max
	}
	return cut
}
