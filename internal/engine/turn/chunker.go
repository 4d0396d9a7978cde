package turn

import "strings"

// sentenceEnds are the characters that terminate a sentence for the purpose
// of initial-chunk collection and remaining-chunk splitting.
const sentenceEnds = ".!?"

// softBreaks are the clause-level fallback break characters for remaining
// chunks, tried only when no sentence end is present.
const softBreaks = ",;:"

// initialComplete reports whether accumulated generated text is ready to be
// cut off as the turn's initial chunk. The rules bound first-audio latency
// without cutting mid-word:
//
//   - a sentence-terminal mark is present and at least half the minimum
//     chunk size has accumulated, or
//   - the minimum chunk size is reached with a sentence end or a comma
//     present, or
//   - a hard safety cap of twice the minimum is reached regardless of
//     punctuation.
func initialComplete(s string, minChars int) bool {
	if len(s) >= 2*minChars {
		return true
	}
	hasEnd := strings.ContainsAny(s, sentenceEnds)
	if hasEnd && len(s) >= minChars/2 {
		return true
	}
	if len(s) >= minChars && (hasEnd || strings.Contains(s, ",")) {
		return true
	}
	return false
}

// splitRemaining cuts one emission-sized chunk off the front of the
// remaining-text accumulator. It returns the chunk, the leftover, and
// whether a cut was made. No cut happens until the accumulator reaches
// chunkSize; the cut lands after the last sentence end in the buffer,
// falling back to the last clause break, falling back to a hard cut at
// twice chunkSize so a punctuation-free stream cannot grow unbounded.
func splitRemaining(buf string, chunkSize int) (chunk, rest string, ok bool) {
	if len(buf) < chunkSize {
		return "", buf, false
	}
	if idx := lastIndexAny(buf, sentenceEnds+"\n"); idx >= 0 {
		return buf[:idx+1], buf[idx+1:], true
	}
	if idx := lastIndexAny(buf, softBreaks); idx >= 0 {
		return buf[:idx+1], buf[idx+1:], true
	}
	if len(buf) >= 2*chunkSize {
		return buf[:chunkSize], buf[chunkSize:], true
	}
	return "", buf, false
}

// lastIndexAny returns the index of the last byte of s present in chars,
// or -1.
func lastIndexAny(s, chars string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if strings.IndexByte(chars, s[i]) >= 0 {
			return i
		}
	}
	return -1
}

// isFillerTranscript reports whether a transcript is too empty to be worth a
// turn: blank, punctuation-only, or a short bare filler like "um" or
// "uh-huh". Such transcripts are filtered input, never an error.
func isFillerTranscript(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	if strings.Trim(s, ".!?,;:-— \t\n") == "" {
		return true
	}

	words := strings.Fields(s)
	if len(words) > 2 {
		return false
	}
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".!?,;:-"))
		switch w {
		case "um", "uh", "ah", "oh", "hm", "hmm", "mhm", "uh-huh", "mm-hmm", "":
		default:
			return false
		}
	}
	return true
}
