package buildsys

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCoordinate(t *testing.T) {
	tests := []struct {
		notation string
		want     Coordinate
		str      string
	}{
		{"junit:junit:4.13.2", Coordinate{"junit", "junit", "4.13.2", "jar"}, "junit:junit:4.13.2"},
		{"org.example:native:1.0@so", Coordinate{"org.example", "native", "1.0", "so"}, "org.example:native:1.0@so"},
		{" org.example:lib:~1.2 ", Coordinate{"org.example", "lib", "~1.2", "jar"}, "org.example:lib:~1.2"},
	}

	for _, tt := range tests {
		t.Run(tt.notation, func(t *testing.T) {
			coord, err := ParseCoordinate(tt.notation)
			require.NoError(t, err)
			assert.Equal(t, tt.want, coord)
			assert.Equal(t, tt.str, coord.String())
		})
	}
}

func TestParseCoordinateInvalid(t *testing.T) {
	for _, notation := range []string{"", "junit", "junit:junit", "a:b:c:d", "a::1.0"} {
		_, err := ParseCoordinate(notation)
		assert.Error(t, err, notation)
	}

	assert.Panics(t, func() { MustParseCoordinate("broken") })
}

func writeArtifact(t *testing.T, root, group, name, version string) string {
	t.Helper()

	dir := filepath.Join(root, filepath.FromSlash(group), name, version)
	require.NoError(t, os.MkdirAll(dir, 0770))

	path := filepath.Join(dir, name+"-"+version+".jar")
	require.NoError(t, os.WriteFile(path, []byte("jar"), 0660))
	return path
}

func TestRepositoryResolverExact(t *testing.T) {
	root := t.TempDir()
	want := writeArtifact(t, root, "org/example", "lib", "1.2.0")

	resolver := NewRepositoryResolver(filepath.Join(root, "empty"), root)
	path, err := resolver.Resolve(context.Background(), MustParseCoordinate("org.example:lib:1.2.0"))
	require.NoError(t, err)
	assert.Equal(t, want, path)
}

func TestRepositoryResolverConstraint(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "org/example", "lib", "1.2.0")
	want := writeArtifact(t, root, "org/example", "lib", "1.2.5")
	writeArtifact(t, root, "org/example", "lib", "2.0.0")

	resolver := NewRepositoryResolver(root)
	path, err := resolver.Resolve(context.Background(), MustParseCoordinate("org.example:lib:~1.2"))
	require.NoError(t, err)
	assert.Equal(t, want, path)

	_, err = resolver.Resolve(context.Background(), MustParseCoordinate("org.example:lib:>=3.0"))
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, ">=3.0", notFound.Coordinate.Version)
}

func TestRepositoryResolverMissing(t *testing.T) {
	resolver := NewRepositoryResolver(t.TempDir())

	_, err := resolver.Resolve(context.Background(), MustParseCoordinate("org.example:lib:1.0.0"))
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestRepositoryResolverCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRepositoryResolver(t.TempDir()).Resolve(ctx, MustParseCoordinate("a:b:1.0"))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestChainResolver(t *testing.T) {
	chain := ChainResolver{
		FileResolver{"a:first:1.0": "/first.jar"},
		FileResolver{"a:first:1.0": "/shadowed.jar", "a:second:1.0": "/second.jar"},
	}

	path, err := chain.Resolve(context.Background(), MustParseCoordinate("a:first:1.0"))
	require.NoError(t, err)
	assert.Equal(t, "/first.jar", path)

	path, err = chain.Resolve(context.Background(), MustParseCoordinate("a:second:1.0"))
	require.NoError(t, err)
	assert.Equal(t, "/second.jar", path)

	_, err = chain.Resolve(context.Background(), MustParseCoordinate("a:third:1.0"))
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
}
