package buildsys

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// Configuration is a named dependency bucket which is resolved independently of every other configuration
type Configuration struct {
	Name        string
	Description string

	coords  []Coordinate
	seen    map[string]bool
	extends []string
}

// Coordinates returns the coordinates declared directly on this configuration
func (c *Configuration) Coordinates() []Coordinate {
	return append([]Coordinate(nil), c.coords...)
}

func (c *Configuration) String() string {
	return fmt.Sprintf("<Configuration %s>", c.Name)
}

func (c *Configuration) Type() string {
	return "configuration"
}

func (c *Configuration) Freeze() {}

func (c *Configuration) Truth() starlark.Bool {
	return starlark.True
}

func (c *Configuration) Hash() (uint32, error) {
	return starlark.String(c.Name).Hash()
}

// ConfigurationSet owns all configurations of a build and caches their resolution results
type ConfigurationSet struct {
	resolver Resolver
	configs  map[string]*Configuration
	order    []*Configuration

	lock     sync.Mutex
	resolved map[string][]string
}

func NewConfigurationSet(resolver Resolver) *ConfigurationSet {
	return &ConfigurationSet{
		resolver: resolver,
		configs:  make(map[string]*Configuration),
		resolved: make(map[string][]string),
	}
}

func (s *ConfigurationSet) Create(name, description string) (*Configuration, error) {
	if name == "" {
		return nil, eris.New("configurations need a name")
	}

	if _, present := s.configs[name]; present {
		return nil, &DuplicateConfigurationError{Name: name}
	}

	config := &Configuration{
		Name:        name,
		Description: description,
		seen:        make(map[string]bool),
	}
	s.configs[name] = config
	s.order = append(s.order, config)

	return config, nil
}

func (s *ConfigurationSet) Get(name string) (*Configuration, error) {
	config, ok := s.configs[name]
	if !ok {
		return nil, &ConfigurationNotFoundError{Name: name}
	}
	return config, nil
}

// All returns every configuration in creation order
func (s *ConfigurationSet) All() []*Configuration {
	return append([]*Configuration(nil), s.order...)
}

// AddDependency appends coord to the named configuration. Coordinates which are already present are ignored.
func (s *ConfigurationSet) AddDependency(name string, coord Coordinate) error {
	config, err := s.Get(name)
	if err != nil {
		return err
	}

	key := coord.String()
	if config.seen[key] {
		return nil
	}

	config.seen[key] = true
	config.coords = append(config.coords, coord)
	s.invalidate()
	return nil
}

// Extend makes the named configuration inherit all dependencies of parent. Inherited entries come first.
func (s *ConfigurationSet) Extend(name, parent string) error {
	config, err := s.Get(name)
	if err != nil {
		return err
	}

	if _, err := s.Get(parent); err != nil {
		return err
	}

	config.extends = appendUnique(config.extends, parent)
	s.invalidate()
	return nil
}

func (s *ConfigurationSet) invalidate() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.resolved = make(map[string][]string)
}

// Dependencies returns the deduplicated coordinates of the named configuration including inherited ones
func (s *ConfigurationSet) Dependencies(name string) ([]Coordinate, error) {
	result := make([]Coordinate, 0)
	seen := make(map[string]bool)

	var collect func(name string, path []string) error
	collect = func(name string, path []string) error {
		for _, item := range path {
			if item == name {
				return &CyclicDependencyError{Path: append(path, name)}
			}
		}
		path = append(path, name)

		config, err := s.Get(name)
		if err != nil {
			return err
		}

		for _, parent := range config.extends {
			if err := collect(parent, path); err != nil {
				return err
			}
		}

		for _, coord := range config.coords {
			key := coord.String()
			if !seen[key] {
				seen[key] = true
				result = append(result, coord)
			}
		}
		return nil
	}

	if err := collect(name, nil); err != nil {
		return nil, err
	}
	return result, nil
}

// Resolve returns the files of the named configuration in declaration order. The result is cached until the
// configuration changes or Reset is called.
func (s *ConfigurationSet) Resolve(ctx context.Context, name string) ([]string, error) {
	coords, err := s.Dependencies(name)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if cached, ok := s.resolved[name]; ok {
		return append([]string(nil), cached...), nil
	}

	if s.resolver == nil && len(coords) > 0 {
		return nil, eris.Errorf("configuration %s has dependencies but no resolver is configured", name)
	}

	paths := make([]string, 0, len(coords))
	seenPaths := make(map[string]bool)
	missing := make([]Coordinate, 0)

	for _, coord := range coords {
		path, err := s.resolver.Resolve(ctx, coord)
		if err != nil {
			var notFound *NotFoundError
			if errors.As(err, &notFound) {
				missing = append(missing, coord)
				continue
			}
			return nil, eris.Wrapf(err, "failed to resolve %s for configuration %s", coord, name)
		}

		if !seenPaths[path] {
			seenPaths[path] = true
			paths = append(paths, path)
		}
	}

	if len(missing) > 0 {
		return nil, &UnresolvedDependencyError{Configuration: name, Coordinates: missing}
	}

	log(ctx).Debug().
		Str("configuration", name).
		Msgf("resolved %d files", len(paths))

	s.resolved[name] = paths
	return append([]string(nil), paths...), nil
}

// Reset drops all cached resolution results
func (s *ConfigurationSet) Reset() {
	s.invalidate()
}
