package buildsys

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
}

func TestWriteClasspath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "resources", "test")
	first := filepath.FromSlash("/a/b.jar")
	second := filepath.FromSlash("/c/d.jar")
	if runtime.GOOS == "windows" {
		first = `C:\a\b.jar`
		second = `C:\c\d.jar`
	}

	require.NoError(t, WriteClasspath([]string{first, second}, dir, "cfg-compile-classpath.txt"))
	assert.Equal(t, []string{first, second}, readLines(t, filepath.Join(dir, "cfg-compile-classpath.txt")))

	// rewriting replaces the previous content completely
	require.NoError(t, WriteClasspath([]string{second}, dir, "cfg-compile-classpath.txt"))
	assert.Equal(t, []string{second}, readLines(t, filepath.Join(dir, "cfg-compile-classpath.txt")))

	items, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, items, 1, "temporary files must not be left behind")
}

func TestWriteClasspathMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not supported on Windows")
	}

	dir := t.TempDir()
	require.NoError(t, WriteClasspath([]string{"/a.jar"}, dir, "cp.txt"))

	info, err := os.Stat(filepath.Join(dir, "cp.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestWriteClasspathRelativeEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteClasspath([]string{"lib/x.jar"}, dir, "cp.txt"))

	lines := readLines(t, filepath.Join(dir, "cp.txt"))
	require.Len(t, lines, 1)
	assert.True(t, filepath.IsAbs(lines[0]))
}

func TestWriteClasspathEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteClasspath(nil, dir, "cp.txt"))

	content, err := os.ReadFile(filepath.Join(dir, "cp.txt"))
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestWriteClasspathUnwritable(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0660))

	err := WriteClasspath([]string{"/a.jar"}, filepath.Join(blocker, "out"), "cp.txt")
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, filepath.Join(blocker, "out", "cp.txt"), writeErr.Path)
}

func TestClasspathSpecAction(t *testing.T) {
	root := t.TempDir()
	build, err := NewBuildContext(root, "", FileResolver{"org.example:x:1.0": filepath.Join(root, "x.jar")})
	require.NoError(t, err)

	_, err = build.Configurations.Create("integrationTestCompile", "")
	require.NoError(t, err)
	require.NoError(t, build.Configurations.AddDependency("integrationTestCompile",
		MustParseCoordinate("org.example:x:1.0")))

	cp := ClasspathSpec{
		Configuration: "integrationTestCompile",
		Files:         []string{"//build/classes"},
	}
	require.NoError(t, cp.Action()(context.Background(), build))

	manifest := filepath.Join(root, "build", "resources", "test", "integrationTestCompile-compile-classpath.txt")
	assert.Equal(t, []string{
		filepath.Join(root, "x.jar"),
		filepath.Join(root, "build", "classes"),
	}, readLines(t, manifest))
}

func TestClasspathTask(t *testing.T) {
	root := t.TempDir()
	build, err := NewBuildContext(root, "", FileResolver{"org.example:y:2.0": filepath.Join(root, "y.jar")})
	require.NoError(t, err)

	_, err = build.Configurations.Create("functionalTest", "")
	require.NoError(t, err)
	require.NoError(t, build.Configurations.AddDependency("functionalTest", MustParseCoordinate("org.example:y:2.0")))

	out := filepath.Join(root, "out")
	require.NoError(t, ClasspathTask("functionalTest", out, "")(context.Background(), build))
	assert.Equal(t, []string{filepath.Join(root, "y.jar")},
		readLines(t, filepath.Join(out, "functionalTest-compile-classpath.txt")))

	err = ClasspathTask("missing", out, "")(context.Background(), build)
	var notFound *ConfigurationNotFoundError
	require.True(t, errors.As(err, &notFound))
}
