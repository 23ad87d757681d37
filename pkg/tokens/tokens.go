// Package tokens approximates token counts for billing.
package tokens

import "unicode/utf8"

// CharsPerToken is the divisor of the character heuristic.
const CharsPerToken = 4

// Estimate returns ceil(chars/4) where chars is the number of Unicode code
// points in text. Invalid UTF-8 bytes count as one character each.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// EstimateAll sums Estimate over the concatenation of parts.
func EstimateAll(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += utf8.RuneCountInString(p)
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}
