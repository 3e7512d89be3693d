package buildsys

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrGraphFrozen is returned when a task or edge is added after scheduling began
var ErrGraphFrozen = eris.New("the task graph can't be modified once scheduling has started")

type DuplicateTaskError struct {
	Name string
}

var _ error = (*DuplicateTaskError)(nil)

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s is already registered", e.Name)
}

type TaskNotFoundError struct {
	Name string
	// Ref is the task that referenced the missing one, empty for direct lookups
	Ref string
}

var _ error = (*TaskNotFoundError)(nil)

func (e *TaskNotFoundError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("task %s (referenced by %s) not found", e.Name, e.Ref)
	}
	return fmt.Sprintf("task %s not found", e.Name)
}

type CyclicDependencyError struct {
	Path []string
}

var _ error = (*CyclicDependencyError)(nil)

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Path, " -> "))
}

type DuplicateConfigurationError struct {
	Name string
}

var _ error = (*DuplicateConfigurationError)(nil)

func (e *DuplicateConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s already exists", e.Name)
}

type ConfigurationNotFoundError struct {
	Name string
}

var _ error = (*ConfigurationNotFoundError)(nil)

func (e *ConfigurationNotFoundError) Error() string {
	return fmt.Sprintf("configuration %s not found", e.Name)
}

type UnresolvedDependencyError struct {
	Configuration string
	Coordinates   []Coordinate
}

var _ error = (*UnresolvedDependencyError)(nil)

func (e *UnresolvedDependencyError) Error() string {
	names := make([]string, len(e.Coordinates))
	for idx, coord := range e.Coordinates {
		names[idx] = coord.String()
	}

	return fmt.Sprintf("could not resolve %d dependencies of configuration %s: %s", len(names), e.Configuration,
		strings.Join(names, ", "))
}

// NotFoundError is returned by a Resolver that can't locate a coordinate
type NotFoundError struct {
	Coordinate Coordinate
	Reason     string
}

var _ error = (*NotFoundError)(nil)

func (e *NotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("artifact %s not found", e.Coordinate)
	}
	return fmt.Sprintf("artifact %s not found: %s", e.Coordinate, e.Reason)
}

type UnresolvedTokenError struct {
	Tokens []string
	// Path is the filtered file, if known
	Path string
}

var _ error = (*UnresolvedTokenError)(nil)

func (e *UnresolvedTokenError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("no value for token(s) %s in %s", strings.Join(e.Tokens, ", "), e.Path)
	}
	return fmt.Sprintf("no value for token(s) %s", strings.Join(e.Tokens, ", "))
}

// WriteError is returned when a generated file can't be written. The destination is left untouched.
type WriteError struct {
	Path string
	Err  error
}

var _ error = (*WriteError)(nil)

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

type TaskFailedError struct {
	Task string
	Err  error
}

var _ error = (*TaskFailedError)(nil)

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *TaskFailedError) Unwrap() error {
	return e.Err
}

// BuildFailedError collects every task failure of a single build
type BuildFailedError struct {
	Failures []*TaskFailedError
}

var _ error = (*BuildFailedError)(nil)

func (e *BuildFailedError) Error() string {
	if len(e.Failures) == 1 {
		return e.Failures[0].Error()
	}

	msgs := make([]string, len(e.Failures))
	for idx, failure := range e.Failures {
		msgs[idx] = failure.Error()
	}
	return fmt.Sprintf("%d tasks failed:\n  %s", len(msgs), strings.Join(msgs, "\n  "))
}

// Unwrap returns the first failure so errors.As finds a *TaskFailedError
func (e *BuildFailedError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[0]
}
