package names

import (
	"regexp"
	"testing"
)

func TestGenerate(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+-\d{2}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := Generate()
		if !pattern.MatchString(name) {
			t.Fatalf("malformed call sign %q", name)
		}
		seen[name] = true
	}
	if len(seen) < 10 {
		t.Fatalf("expected variety, got only %d unique names", len(seen))
	}
}
