// Package buildsys implements a small task-graph build engine.
//
// Builds are declared in Starlark (build.star). The script registers tasks and dependency configurations on a
// BuildContext, TaskGraph.Schedule turns the requested targets into a Plan and the Executor runs that plan,
// executing shell commands through mvdan.cc/sh so that scripts behave the same on every platform.
//
// Dependency configurations are resolved against local Maven-style repositories and can be written to
// classpath manifests (one absolute path per line) for tools that need them at runtime.
package buildsys
