package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/rotisserie/eris"
)

var tokenPattern = regexp.MustCompile(`@([A-Z_]+)@`)

// FilterTokens replaces every @NAME@ placeholder in content with tokens[NAME]. All placeholders without a value
// are reported in a single *UnresolvedTokenError.
func FilterTokens(content string, tokens map[string]string) (string, error) {
	missing := make(map[string]bool)

	result := tokenPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := tokens[name]
		if !ok {
			missing[name] = true
			return match
		}
		return value
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)

		return "", &UnresolvedTokenError{Tokens: names}
	}

	return result, nil
}

// ResourceSpec describes a resource processing step: everything below From is copied to Into and files matching
// one of the Filter patterns are passed through FilterTokens on the way.
type ResourceSpec struct {
	From   string
	Into   string
	Filter []string
	Tokens map[string]string
}

// Action returns a task action which processes the resources
func (res ResourceSpec) Action() Action {
	return func(ctx context.Context, build *BuildContext) error {
		return ProcessResources(ctx, build.ProjectRoot, res)
	}
}

// ProcessResources copies res.From into res.Into. Filter patterns are relative to res.From, a leading //
// refers to projectRoot.
func ProcessResources(ctx context.Context, projectRoot string, res ResourceSpec) error {
	filtered, err := resolvePatternLists(projectRoot, res.From, res.Filter)
	if err != nil {
		return err
	}

	filterSet := make(map[string]bool, len(filtered))
	for _, item := range filtered {
		filterSet[filepath.Clean(filepath.FromSlash(item))] = true
	}

	copied := 0
	err = filepath.Walk(res.From, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(res.From, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(res.Into, rel)

		if info.IsDir() {
			return os.MkdirAll(dest, 0770)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "failed to read %s", path)
		}

		if filterSet[filepath.Clean(path)] {
			result, err := FilterTokens(string(content), res.Tokens)
			if err != nil {
				if unresolved, ok := err.(*UnresolvedTokenError); ok {
					unresolved.Path = path
				}
				return err
			}
			content = []byte(result)

			log(ctx).Debug().Str("path", path).Msg("filtered")
		}

		if err := os.WriteFile(dest, content, info.Mode().Perm()); err != nil {
			return &WriteError{Path: dest, Err: err}
		}

		copied++
		return nil
	})
	if err != nil {
		return err
	}

	log(ctx).Info().Msgf("copied %d resources (%d filtered)", copied, len(filterSet))
	return nil
}
