package buildsys

import (
	"bufio"
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// WriteClasspath writes one absolute path per line to outputDir/fileName.
//
// The content is written to a temporary file next to the destination which then replaces it. An existing manifest
// is therefore either fully overwritten or left untouched.
func WriteClasspath(entries []string, outputDir, fileName string) (err error) {
	dest := filepath.Join(outputDir, fileName)

	if err := os.MkdirAll(outputDir, 0770); err != nil {
		return &WriteError{Path: dest, Err: err}
	}

	handle, err := os.CreateTemp(outputDir, "."+fileName+".*.tmp")
	if err != nil {
		return &WriteError{Path: dest, Err: err}
	}

	closed := false
	defer func() {
		if !closed {
			handle.Close()
		}

		if err != nil {
			os.Remove(handle.Name())
		}
	}()

	writer := bufio.NewWriter(handle)
	for _, entry := range entries {
		absEntry, err := filepath.Abs(entry)
		if err != nil {
			return &WriteError{Path: dest, Err: eris.Wrapf(err, "invalid classpath entry %s", entry)}
		}

		if _, err := writer.WriteString(absEntry + "\n"); err != nil {
			return &WriteError{Path: dest, Err: err}
		}
	}

	if err := writer.Flush(); err != nil {
		return &WriteError{Path: dest, Err: err}
	}

	// CreateTemp uses 0600
	if err := handle.Chmod(0644); err != nil {
		return &WriteError{Path: dest, Err: err}
	}

	if err := handle.Sync(); err != nil {
		return &WriteError{Path: dest, Err: err}
	}

	closed = true
	if err := handle.Close(); err != nil {
		return &WriteError{Path: dest, Err: err}
	}

	if err := os.Rename(handle.Name(), dest); err != nil {
		return &WriteError{Path: dest, Err: err}
	}

	return nil
}

// ClasspathTask returns an action writing the resolved configuration to outputDir. Empty arguments fall back to
// <build>/resources/test and ClasspathFileName(configuration).
func ClasspathTask(configuration, outputDir, fileName string) Action {
	return ClasspathSpec{Configuration: configuration, OutputDir: outputDir, FileName: fileName}.Action()
}

// ClasspathSpec describes a manifest task. Either Configuration or Files (or both) provide the entries.
type ClasspathSpec struct {
	Configuration string
	Files         []string
	OutputDir     string
	FileName      string
}

// Entries returns the manifest content in order: the resolved configuration followed by the extra files
func (manifest ClasspathSpec) Entries(ctx context.Context, build *BuildContext) ([]string, error) {
	entries := make([]string, 0)
	if manifest.Configuration != "" {
		resolved, err := build.Configurations.Resolve(ctx, manifest.Configuration)
		if err != nil {
			return nil, err
		}
		entries = append(entries, resolved...)
	}

	for _, item := range manifest.Files {
		entries = append(entries, joinProjectPath(build.ProjectRoot, build.ProjectRoot, item))
	}

	return entries, nil
}

// Action returns a task action which writes the manifest
func (manifest ClasspathSpec) Action() Action {
	return func(ctx context.Context, build *BuildContext) error {
		entries, err := manifest.Entries(ctx, build)
		if err != nil {
			return err
		}

		outputDir := manifest.OutputDir
		if outputDir == "" {
			outputDir = filepath.Join(build.BuildDir, "resources", "test")
		}

		fileName := manifest.FileName
		if fileName == "" {
			fileName = ClasspathFileName(manifest.Configuration)
		}

		err = WriteClasspath(entries, outputDir, fileName)
		if err != nil {
			return err
		}

		log(ctx).Info().
			Str("path", filepath.Join(outputDir, fileName)).
			Msgf("wrote %d classpath entries", len(entries))
		return nil
	}
}
