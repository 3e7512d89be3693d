package buildsys

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Coordinate identifies an artifact: group, name and version plus the file extension (jar by default).
// The version may also be a semver constraint like "3.2.x" which is resolved by the Resolver.
type Coordinate struct {
	Group   string
	Name    string
	Version string
	Ext     string
}

// ParseCoordinate parses the notation group:name:version[@ext]
func ParseCoordinate(notation string) (Coordinate, error) {
	var coord Coordinate

	rest := strings.TrimSpace(notation)
	if pos := strings.LastIndex(rest, "@"); pos > -1 {
		coord.Ext = rest[pos+1:]
		rest = rest[:pos]
	}

	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return coord, eris.Errorf("invalid dependency notation %q, expected group:name:version", notation)
	}

	for _, part := range parts {
		if part == "" {
			return coord, eris.Errorf("invalid dependency notation %q, found empty part", notation)
		}
	}

	coord.Group = parts[0]
	coord.Name = parts[1]
	coord.Version = parts[2]
	if coord.Ext == "" {
		coord.Ext = "jar"
	}

	return coord, nil
}

// MustParseCoordinate is like ParseCoordinate but panics on invalid input
func MustParseCoordinate(notation string) Coordinate {
	coord, err := ParseCoordinate(notation)
	if err != nil {
		panic(err)
	}
	return coord
}

func (c Coordinate) String() string {
	result := fmt.Sprintf("%s:%s:%s", c.Group, c.Name, c.Version)
	if c.Ext != "" && c.Ext != "jar" {
		result += "@" + c.Ext
	}
	return result
}

// WithVersion returns a copy of c pinned to the given version
func (c Coordinate) WithVersion(version string) Coordinate {
	c.Version = version
	return c
}

func (c Coordinate) extension() string {
	if c.Ext == "" {
		return "jar"
	}
	return c.Ext
}
