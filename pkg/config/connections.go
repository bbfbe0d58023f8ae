package config

import (
	"os"
	"path/filepath"
	"sort"

	goyaml "gopkg.in/yaml.v3"
)

// SavedConnections maps alias to a stored database config. Persisted at
// ~/.dbrheo/connections.yaml so aliases survive across sessions.
type SavedConnections map[string]*DatabaseConfig

// LoadConnections reads the saved-connections file. A missing file yields an
// empty map.
func LoadConnections(path string) (SavedConnections, error) {
	if path == "" {
		path = ConnectionsPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SavedConnections{}, nil
		}
		return nil, WrapConfigError("failed to read connections file", err)
	}

	conns := SavedConnections{}
	if err := goyaml.Unmarshal(data, &conns); err != nil {
		return nil, WrapConfigError("failed to parse connections file", err)
	}
	for _, c := range conns {
		if c != nil {
			c.SetDefaults()
		}
	}
	return conns, nil
}

// SaveConnections writes the map back. Passwords are stored as-is in this
// version.
func SaveConnections(path string, conns SavedConnections) error {
	if path == "" {
		path = ConnectionsPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return WrapConfigError("failed to create connections directory", err)
	}
	data, err := goyaml.Marshal(conns)
	if err != nil {
		return WrapConfigError("failed to marshal connections", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return WrapConfigError("failed to write connections file", err)
	}
	return nil
}

// Aliases returns the saved aliases in lexicographic order.
func (s SavedConnections) Aliases() []string {
	out := make([]string, 0, len(s))
	for alias := range s {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
