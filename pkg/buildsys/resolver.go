package buildsys

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
)

// Resolver locates the local file for a coordinate. Implementations return a *NotFoundError if the artifact
// doesn't exist.
type Resolver interface {
	Resolve(ctx context.Context, coord Coordinate) (string, error)
}

// RepositoryResolver looks artifacts up in local repositories using the Maven directory layout:
//   <root>/<group with dots replaced by slashes>/<name>/<version>/<name>-<version>.<ext>
type RepositoryResolver struct {
	Roots []string
}

var _ Resolver = (*RepositoryResolver)(nil)

func NewRepositoryResolver(roots ...string) *RepositoryResolver {
	return &RepositoryResolver{Roots: roots}
}

func (r *RepositoryResolver) artifactPath(root string, coord Coordinate) string {
	return filepath.Join(r.moduleDir(root, coord), coord.Version,
		coord.Name+"-"+coord.Version+"."+coord.extension())
}

func (r *RepositoryResolver) moduleDir(root string, coord Coordinate) string {
	groupPath := filepath.FromSlash(strings.ReplaceAll(coord.Group, ".", "/"))
	return filepath.Join(root, groupPath, coord.Name)
}

func (r *RepositoryResolver) Resolve(ctx context.Context, coord Coordinate) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	for _, root := range r.Roots {
		path := r.artifactPath(root, coord)
		info, err := os.Stat(path)
		if err == nil && info.Mode().IsRegular() {
			return filepath.Abs(path)
		}
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", path)
		}
	}

	constraint, err := semver.NewConstraint(coord.Version)
	if err != nil {
		// not a constraint, so the exact lookup above was all we could do
		return "", &NotFoundError{Coordinate: coord}
	}

	for _, root := range r.Roots {
		versions, err := r.availableVersions(root, coord)
		if err != nil {
			return "", err
		}

		for idx := len(versions) - 1; idx >= 0; idx-- {
			if !constraint.Check(versions[idx]) {
				continue
			}

			pinned := coord.WithVersion(versions[idx].Original())
			path := r.artifactPath(root, pinned)
			if _, err := os.Stat(path); err == nil {
				log(ctx).Debug().
					Str("coordinate", coord.String()).
					Msgf("picked version %s", pinned.Version)
				return filepath.Abs(path)
			}
		}
	}

	return "", &NotFoundError{Coordinate: coord, Reason: "no version matches the constraint"}
}

// availableVersions returns the parseable versions found in the module directory in ascending order
func (r *RepositoryResolver) availableVersions(root string, coord Coordinate) (semver.Collection, error) {
	dir := r.moduleDir(root, coord)
	items, err := os.ReadDir(dir)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "failed to list %s", dir)
	}

	versions := make(semver.Collection, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}

		version, err := semver.NewVersion(item.Name())
		if err != nil {
			continue
		}
		versions = append(versions, version)
	}

	sort.Sort(versions)
	return versions, nil
}

// FileResolver maps coordinates to fixed paths
type FileResolver map[string]string

var _ Resolver = FileResolver(nil)

func (r FileResolver) Resolve(ctx context.Context, coord Coordinate) (string, error) {
	path, ok := r[coord.String()]
	if !ok {
		return "", &NotFoundError{Coordinate: coord}
	}
	return path, nil
}

// ChainResolver asks each resolver in turn and returns the first match
type ChainResolver []Resolver

var _ Resolver = ChainResolver(nil)

func (r ChainResolver) Resolve(ctx context.Context, coord Coordinate) (string, error) {
	for _, resolver := range r {
		path, err := resolver.Resolve(ctx, coord)
		if err == nil {
			return path, nil
		}

		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			return "", err
		}
	}

	return "", &NotFoundError{Coordinate: coord}
}
