// Package similarity scores lexical similarity between error messages and
// stack traces.
//
// The score is a Dice coefficient over overlapping fixed-length substrings
// (bigrams by default):
//
//	2 * matches / (len(a) + len(b) - 2*(window-1))
//
// Clustering thresholds downstream (0.9 by default) were chosen against this
// exact normalization, so changing it changes which events cluster together.
package similarity

import "strings"

// DefaultWindow is the substring length used when Options.Window is unset
const DefaultWindow = 2

// Options controls how two strings are compared
type Options struct {
	// Window is the substring length. Values <= 0 use DefaultWindow.
	Window int
	// CaseSensitive disables lower-casing both inputs before comparison
	CaseSensitive bool
}

// DefaultOptions returns case-insensitive bigram comparison
func DefaultOptions() Options {
	return Options{Window: DefaultWindow}
}

// Similarity compares a and b with DefaultOptions.
func Similarity(a, b string) float64 {
	return Compare(a, b, DefaultOptions())
}

// Compare returns a score in [0, 1]. Either input shorter than the window
// scores 0. Lengths are measured in runes.
func Compare(a, b string, opts Options) float64 {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	if !opts.CaseSensitive {
		a = strings.ToLower(a)
		b = strings.ToLower(b)
	}

	ra, rb := []rune(a), []rune(b)
	if len(ra) < window || len(rb) < window {
		return 0
	}

	grams := make(map[string]int, len(ra)-window+1)
	for i := 0; i+window <= len(ra); i++ {
		grams[string(ra[i:i+window])]++
	}

	matches := 0
	for i := 0; i+window <= len(rb); i++ {
		g := string(rb[i : i+window])
		if grams[g] > 0 {
			grams[g]--
			matches++
		}
	}

	return 2 * float64(matches) / float64(len(ra)+len(rb)-2*(window-1))
}
