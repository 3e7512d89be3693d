package pkg

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by FindUp if none of the parent directories contains the requested file
var ErrNotFound = eris.New("file not found")

// FindUp looks for fileName in start and all of its parents and returns the first match
func FindUp(start, fileName string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", eris.Wrap(err, "Failed to resolve start directory")
	}

	for {
		candidate := filepath.Join(dir, fileName)
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}

		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "Failed to check %s", candidate)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", eris.Wrapf(ErrNotFound, "no %s found in %s or its parents", fileName, start)
}

func PrintTask(msg string) {
	colorstring.Printf("[blue][bold]==>[default] %s\n", msg)
}

func PrintSubtask(msg string) {
	colorstring.Printf("[green][bold]  ->[reset] %s\n", msg)
}

func PrintError(msg string) {
	colorstring.Printf("[red][bold]  ->[reset] %s\n", msg)
}
