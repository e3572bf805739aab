package profiles

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/throw-if-null/catalyst/internal/api"
)

// DefaultVariant is used when a selection names no variant.
const DefaultVariant = "default"

// documentPattern matches override documents relative to the override dir.
const documentPattern = "*/*.json"

// relevantPattern matches any configuration document in a watched tree.
const relevantPattern = "**/*.json"

//go:embed defaults.json
var defaultsJSON []byte

var ErrMalformed = errors.New("malformed profile document")

// Defaults returns a fresh copy of the built-in profile tree.
func Defaults() (api.ProfileTree, error) {
	var tree api.ProfileTree
	if err := json.Unmarshal(defaultsJSON, &tree); err != nil {
		return nil, fmt.Errorf("built-in profiles: %w", err)
	}
	return tree, nil
}

// LoadBase returns the built-in defaults overlaid with the user-global YAML
// file, if one exists at userFile.
func LoadBase(userFile string) (api.ProfileTree, error) {
	base, err := Defaults()
	if err != nil {
		return nil, err
	}
	if userFile == "" {
		return base, nil
	}
	b, err := os.ReadFile(userFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return nil, fmt.Errorf("read %s: %w", userFile, err)
	}
	var doc map[string]map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, userFile, err)
	}
	user := api.ProfileTree{}
	for executor, variants := range doc {
		user[executor] = map[string]json.RawMessage{}
		for variant, blob := range variants {
			raw, err := json.Marshal(blob)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %s/%s: %v", ErrMalformed, userFile, executor, variant, err)
			}
			user[executor][variant] = raw
		}
	}
	return Merge(base, user), nil
}

// DefaultUserFile is ~/.catalyst/profiles.yaml, or empty when the home
// directory cannot be determined.
func DefaultUserFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".catalyst", "profiles.yaml")
}

// LoadOverrides reads <dir>/<executor>/<variant>.json documents. A missing
// dir yields an empty tree. Any document that is not valid JSON fails the
// whole load.
func LoadOverrides(dir string) (api.ProfileTree, error) {
	tree := api.ProfileTree{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(documentPattern, rel); !ok {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !json.Valid(b) {
			return fmt.Errorf("%w: %s", ErrMalformed, path)
		}
		executor, file := filepath.Split(rel)
		executor = strings.TrimSuffix(executor, "/")
		variant := strings.TrimSuffix(file, ".json")
		if tree[executor] == nil {
			tree[executor] = map[string]json.RawMessage{}
		}
		tree[executor][variant] = json.RawMessage(b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// Merge returns a new tree: base with every (executor, variant) entry of
// override inserted or replaced. Neither input is modified.
func Merge(base, override api.ProfileTree) api.ProfileTree {
	out := make(api.ProfileTree, len(base)+len(override))
	for executor, variants := range base {
		m := make(map[string]json.RawMessage, len(variants))
		for v, blob := range variants {
			m[v] = blob
		}
		out[executor] = m
	}
	for executor, variants := range override {
		if out[executor] == nil {
			out[executor] = make(map[string]json.RawMessage, len(variants))
		}
		for v, blob := range variants {
			out[executor][v] = blob
		}
	}
	return out
}

func isRelevantPath(path string) bool {
	ok, _ := doublestar.Match(relevantPattern, filepath.ToSlash(path))
	return ok
}
