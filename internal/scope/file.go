package scope

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/donnahq/donna/pkg/models"
)

// scopeFile is the on-disk shape of a scope override file.
type scopeFile struct {
	Archetypes map[string][]string `yaml:"archetypes"`
	Reserved   []string            `yaml:"reserved"`
}

// LoadFile builds a registry from a YAML scope file. Archetypes absent from
// the file keep their built-in scope; a reserved list in the file replaces
// the built-in reserved set.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scope file: %w", err)
	}

	var f scopeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scope file: %w", err)
	}

	base := make(map[models.Archetype][]string, len(DefaultBaseScopes))
	for archetype, tools := range DefaultBaseScopes {
		base[archetype] = append([]string(nil), tools...)
	}
	for name, tools := range f.Archetypes {
		archetype := models.Archetype(name)
		if !archetype.Valid() {
			return nil, fmt.Errorf("unknown archetype %q in scope file", name)
		}
		base[archetype] = append([]string(nil), tools...)
	}

	reserved := f.Reserved
	if reserved == nil {
		reserved = DefaultReservedTools
	}

	return NewRegistryWith(base, reserved), nil
}
