package repo

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// text trims s and normalizes it to NFC so equal strings typed on
// different devices compare and serialize identically.
func text(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// email normalizes an address and case-folds it.
func email(s string) string {
	return cases.Fold().String(text(s))
}

func validEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	return at > 0 && at < len(s)-1 && strings.Count(s, "@") == 1 && !strings.ContainsAny(s, " \t")
}
