package buildsys

import (
	"path/filepath"

	"github.com/rotisserie/eris"
)

// BuildContext holds everything a single build invocation works on. It's created before the build script runs
// and closed once the build is done.
type BuildContext struct {
	ProjectRoot    string
	BuildDir       string
	Graph          *TaskGraph
	Configurations *ConfigurationSet
	Resolver       Resolver
	// Props are read-only values available to scripts through prop(), i.e. dependency versions
	Props map[string]string

	closed bool
}

// NewBuildContext creates an empty build. buildDir defaults to <projectRoot>/build.
func NewBuildContext(projectRoot, buildDir string, resolver Resolver) (*BuildContext, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve project root")
	}

	if buildDir == "" {
		buildDir = "build"
	}
	buildDir = joinProjectPath(projectRoot, projectRoot, buildDir)

	return &BuildContext{
		ProjectRoot:    projectRoot,
		BuildDir:       buildDir,
		Graph:          NewTaskGraph(),
		Configurations: NewConfigurationSet(resolver),
		Resolver:       resolver,
		Props:          make(map[string]string),
	}, nil
}

// Prop returns the named property or an error if it isn't set
func (b *BuildContext) Prop(name string) (string, error) {
	value, ok := b.Props[name]
	if !ok {
		return "", eris.Errorf("property %s is not defined", name)
	}
	return value, nil
}

// Close ends the build. Cached resolution results are dropped and the task graph can't be changed anymore.
func (b *BuildContext) Close() error {
	if b.closed {
		return eris.New("build context already closed")
	}

	b.closed = true
	b.Graph.Freeze()
	b.Configurations.Reset()
	return nil
}

func (b *BuildContext) Closed() bool {
	return b.closed
}
