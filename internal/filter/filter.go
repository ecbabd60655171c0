// Package filter decides whether a piece of text is worth showing as a reply.
// Every check is a pure function of the input string.
package filter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Reason names the first check a text failed.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonBlacklisted  Reason = "blacklisted"
	ReasonTooShort     Reason = "too_short"
	ReasonMeaningless  Reason = "meaningless"
	ReasonLowSignal    Reason = "low_signal"
	ReasonRepeatedChar Reason = "repeated_char"
)

// Verdict is the outcome of Check.
type Verdict struct {
	OK     bool   `json:"ok"`
	Reason Reason `json:"reason,omitempty"`
}

// Only the most extreme slurs are blocked; matching is a case-insensitive
// substring test.
var blacklist = []string{
	"nigger", "fag", "retard", "whore", "slut", "cunt",
}

// Whole-string responses that carry no content.
var meaningless = map[string]bool{
	`""`: true, `''`: true, "“”": true, "‘’": true,
	"...": true, "…": true, "???": true, "!!!": true,
	"ok": true, "okay": true, "yes": true, "no": true, "yeah": true, "nah": true,
	"lol": true, "haha": true, "hehe": true,
	"idk": true, "idc": true, "tbh": true, "imo": true,
	"wtf": true, "omg": true, "lmao": true, "rofl": true,
}

var nonWord = regexp.MustCompile(`[^\w\s]`)

// IsAcceptable reports whether text passes every check.
func IsAcceptable(text string) bool {
	return Check(text).OK
}

// Check runs the checks in order and reports the first failure.
func Check(text string) Verdict {
	lower := strings.ToLower(text)
	for _, word := range blacklist {
		if strings.Contains(lower, word) {
			return Verdict{Reason: ReasonBlacklisted}
		}
	}

	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < 2 {
		return Verdict{Reason: ReasonTooShort}
	}

	if meaningless[strings.ToLower(trimmed)] {
		return Verdict{Reason: ReasonMeaningless}
	}

	residue := strings.TrimSpace(nonWord.ReplaceAllString(trimmed, ""))
	if utf8.RuneCountInString(residue) < 2 {
		return Verdict{Reason: ReasonLowSignal}
	}

	if repeatedChar(trimmed) {
		return Verdict{Reason: ReasonRepeatedChar}
	}

	return Verdict{OK: true}
}

// repeatedChar reports whether s is one character repeated three or more times.
func repeatedChar(s string) bool {
	first, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return false
	}
	count := 0
	for _, r := range s {
		if r != first {
			return false
		}
		count++
	}
	return count >= 3
}
