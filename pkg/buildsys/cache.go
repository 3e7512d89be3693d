package buildsys

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// OptionsCacheName is the file below the build directory which stores the options passed to "configure"
const OptionsCacheName = ".buildgraph-options"

// WriteOptionsCache stores the script options so later builds can reuse them without passing them again
func WriteOptionsCache(file string, options map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(file), 0770); err != nil {
		return eris.Wrapf(err, "failed to create %s", filepath.Dir(file))
	}

	handle, err := os.Create(file)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", file)
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	return encoder.Encode(options)
}

// ReadOptionsCache loads the options stored by WriteOptionsCache. A missing cache yields an empty map.
func ReadOptionsCache(file string) (map[string]string, error) {
	handle, err := os.Open(file)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, eris.Wrapf(err, "failed to open %s", file)
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var options map[string]string
	err = decoder.Decode(&options)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", file)
	}

	if options == nil {
		options = map[string]string{}
	}
	return options, nil
}
