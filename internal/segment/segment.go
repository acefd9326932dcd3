// Package segment splits utterance text into ordered sentence-like units
// that can be synthesized independently. Splitting is deterministic: the
// same text always yields the same segments, in source order, with internal
// whitespace normalized and no spoken text dropped.
package segment

import (
	"iter"
	"strings"
)

// ignoredPuncs are characters that carry no speech on their own. A very
// short segment consisting solely of these produces no audio, so it is not
// worth a model round trip.
const ignoredPuncs = ",(){}[]`\"'"

// terminators end a sentence-like unit when followed by whitespace or the
// end of input.
func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', ';', ':', '\n':
		return true
	}
	return false
}

// All returns a lazy, restartable iteration over the segments of text.
// Ranging over it twice yields the same sequence.
func All(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		rest := text
		for len(rest) > 0 {
			raw, tail := nextBoundary(rest)
			rest = tail
			seg := normalize(raw)
			if seg == "" || silent(seg) {
				continue
			}
			if !yield(seg) {
				return
			}
		}
	}
}

// Split materializes All into a slice.
func Split(text string) []string {
	var out []string
	for seg := range All(text) {
		out = append(out, seg)
	}
	return out
}

// nextBoundary cuts the next sentence-like unit off the front of text. The
// cut is placed after a terminator run once whitespace follows it, so
// ellipses and "?!" stay inside one segment. A newline always ends the unit,
// whatever follows it.
func nextBoundary(text string) (head, tail string) {
	inTerm := false
	for i, r := range text {
		if inTerm {
			if isSpace(r) {
				return text[:i], text[i:]
			}
			if !isTerminator(r) {
				inTerm = false
			}
			continue
		}
		if r == '\n' {
			return text[:i], text[i+1:]
		}
		if isTerminator(r) {
			inTerm = true
		}
	}
	return text, ""
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// normalize collapses internal whitespace runs to single spaces and trims
// the edges.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// silent reports whether a short segment contains only ignorable
// punctuation and whitespace, i.e. nothing a voice would speak.
func silent(seg string) bool {
	if len(seg) >= 10 {
		return false
	}
	for _, r := range seg {
		if isSpace(r) || strings.ContainsRune(ignoredPuncs, r) {
			continue
		}
		return false
	}
	return true
}
