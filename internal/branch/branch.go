// Package branch derives git branch names for task attempts.
package branch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultPrefix namespaces branches created by this daemon.
const DefaultPrefix = "cat"

const shortIDLen = 8

// maxSlugLen keeps generated branch names well under filesystem limits.
const maxSlugLen = 48

var (
	ErrShortID      = errors.New("attempt id too short")
	nonAlnum        = regexp.MustCompile(`[^a-z0-9]+`)
	hexOnly         = regexp.MustCompile(`^[0-9a-f]+$`)
	invalidPrefixRe = regexp.MustCompile(`(^/|/$|\.\.|[\s~^:?*\[\\])`)
)

// ShortID renders the first eight hex characters of a UUID-like id.
func ShortID(id string) (string, error) {
	h := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	if len(h) < shortIDLen || !hexOnly.MatchString(h[:shortIDLen]) {
		return "", fmt.Errorf("%w: %q", ErrShortID, id)
	}
	return h[:shortIDLen], nil
}

// Slug lowercases s, collapses every run of non-alphanumerics to a single
// hyphen and trims hyphens from both ends.
func Slug(s string) string {
	out := nonAlnum.ReplaceAllString(strings.ToLower(s), "-")
	out = strings.Trim(out, "-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	return out
}

// Name composes {prefix}/{short-id}-{slug}. An empty slug yields
// {prefix}/{short-id}.
func Name(prefix, attemptID, title string) (string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if invalidPrefixRe.MatchString(prefix) {
		return "", fmt.Errorf("invalid branch prefix %q", prefix)
	}
	short, err := ShortID(attemptID)
	if err != nil {
		return "", err
	}
	slug := Slug(title)
	if slug == "" {
		return prefix + "/" + short, nil
	}
	return prefix + "/" + short + "-" + slug, nil
}
