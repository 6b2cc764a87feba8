package utils

import (
	"regexp"

	"github.com/sirupsen/logrus"
)

var (
	disallowedIdentifierChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
	identifierPattern         = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// SanitizeIdentifier strips every character outside [A-Za-z0-9_.-] from a
// device library identifier, pass type identifier or serial number. The
// result is the only form that may reach a store lookup.
func SanitizeIdentifier(kind, raw string) string {
	clean := disallowedIdentifierChars.ReplaceAllString(raw, "")
	if clean != raw {
		Logger.WithFields(logrus.Fields{
			"kind":      kind,
			"original":  raw,
			"sanitized": clean,
		}).Info("Sanitized identifier changed")
	}
	return clean
}

// IsValidIdentifier reports whether s is non-empty and already sanitized.
func IsValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}
