package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/kapeta-config/pkg/provider"
)

const (
	// ManifestFile is the block manifest expected in the base directory.
	ManifestFile = "kapeta.yml"

	localRefSuffix = ":local"
)

type manifest struct {
	Metadata struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
}

// BlockRefFromManifest derives the block ref of a block checked out in
// baseDir: its declared name with a ":local" version.
func BlockRefFromManifest(baseDir string) (string, error) {
	path := filepath.Join(baseDir, ManifestFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s not found in %s, run from the block directory or set %s",
			provider.ErrConfiguration, ManifestFile, baseDir, EnvBaseDir)
	}
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", provider.ErrConfiguration, path, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", provider.ErrConfiguration, path, err)
	}
	name := strings.TrimSpace(m.Metadata.Name)
	if name == "" {
		return "", fmt.Errorf("%w: %s has no metadata.name", provider.ErrConfiguration, path)
	}
	return name + localRefSuffix, nil
}
