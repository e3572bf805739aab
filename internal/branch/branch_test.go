package branch_test

import (
	"regexp"
	"testing"

	"github.com/google/uuid"

	"github.com/throw-if-null/catalyst/internal/branch"
)

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Fix Login Bug":          "fix-login-bug",
		"  --Hello,   World!-- ": "hello-world",
		"ÜNICODE über":           "nicode-ber",
		"___":                    "",
		"v2.0 release":           "v2-0-release",
	}
	for in, want := range cases {
		if got := branch.Slug(in); got != want {
			t.Fatalf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNameMatchesPattern(t *testing.T) {
	re := regexp.MustCompile(`^cat/[0-9a-f]{8}-fix-login$`)
	for i := 0; i < 20; i++ {
		name, err := branch.Name("cat", uuid.NewString(), "Fix login")
		if err != nil {
			t.Fatalf("name: %v", err)
		}
		if !re.MatchString(name) {
			t.Fatalf("unexpected branch name %q", name)
		}
	}
}

func TestNameDistinctForSameTitle(t *testing.T) {
	a, _ := branch.Name("cat", uuid.NewString(), "same")
	b, _ := branch.Name("cat", uuid.NewString(), "same")
	if a == b {
		t.Fatalf("expected distinct names, both %q", a)
	}
}

func TestNameEmptySlugAndDefaults(t *testing.T) {
	name, err := branch.Name("", "0123abcd-0000-0000-0000-000000000000", "!!!")
	if err != nil {
		t.Fatalf("name: %v", err)
	}
	if name != "cat/0123abcd" {
		t.Fatalf("name = %q", name)
	}
}

func TestNameRejectsBadInput(t *testing.T) {
	if _, err := branch.Name("cat", "xyz", "t"); err == nil {
		t.Fatalf("expected short id error")
	}
	if _, err := branch.Name("bad prefix", "0123abcd", "t"); err == nil {
		t.Fatalf("expected prefix error")
	}
	if _, err := branch.Name("a..b", "0123abcd", "t"); err == nil {
		t.Fatalf("expected prefix error")
	}
}
