package translate

import (
	"testing"

	"golang.org/x/text/language"
)

func languageTag(t *testing.T, s string) language.Tag {
	t.Helper()
	tag, err := language.Parse(s)
	if err != nil {
		t.Fatalf("Failed to parse %q: %v", s, err)
	}
	return tag
}
