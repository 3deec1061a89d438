// Package chunk converts a document into its three-level representation:
// one summary, one outline entry per heading, and overlapping content
// chunks attributed to the section they fall in.
package chunk

// Splitter cuts text into overlapping pieces. Sizes are measured in
// runes so multi-byte characters never split mid-sequence.
type Splitter struct {
	MaxChars     int
	OverlapChars int
}

// Split returns the pieces in order. Each piece after the first begins
// with the last OverlapChars runes of its predecessor, so joining the
// first piece with every later piece minus that prefix reproduces the
// input exactly.
func (s Splitter) Split(text string) []string {
	if text == "" {
		return nil
	}

	maxChars := s.MaxChars
	if maxChars <= 0 {
		maxChars = 2048
	}
	overlap := s.OverlapChars
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxChars {
		overlap = maxChars / 2
	}

	runes := []rune(text)
	if len(runes) <= maxChars {
		return []string{text}
	}

	step := maxChars - overlap
	var pieces []string
	for start := 0; ; start += step {
		end := start + maxChars
		if end >= len(runes) {
			pieces = append(pieces, string(runes[start:]))
			break
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}

// Reassemble inverts Split: the first piece joined with every later
// piece minus the overlap prefix.
func (s Splitter) Reassemble(pieces []string) string {
	if len(pieces) == 0 {
		return ""
	}
	overlap := s.OverlapChars
	if overlap < 0 {
		overlap = 0
	}
	maxChars := s.MaxChars
	if maxChars <= 0 {
		maxChars = 2048
	}
	if overlap >= maxChars {
		overlap = maxChars / 2
	}

	out := []rune(pieces[0])
	for _, piece := range pieces[1:] {
		runes := []rune(piece)
		if len(runes) > overlap {
			runes = runes[overlap:]
		} else {
			runes = nil
		}
		out = append(out, runes...)
	}
	return string(out)
}
