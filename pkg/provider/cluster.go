package provider

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/eugenenazirov/kapeta-config/pkg/env"
	"github.com/eugenenazirov/kapeta-config/pkg/flatten"
)

const (
	// ClusterConfigFile is the daemon settings file, relative to the home
	// directory.
	ClusterConfigFile = ".kapeta/cluster-service.yml"

	DefaultClusterHost = "127.0.0.1"
	DefaultClusterPort = "35100"

	EnvLocalClusterHost = "KAPETA_LOCAL_CLUSTER_HOST"
	EnvLocalClusterPort = "KAPETA_LOCAL_CLUSTER_PORT"

	clusterHostKey = "cluster.host"
	clusterPortKey = "cluster.port"
)

// ClusterServiceURL resolves the base URL of the discovery daemon. The
// settings file is optional; environment variables override it.
func ClusterServiceURL(homeDir string, lookup env.Lookup) (string, error) {
	props, err := readClusterConfig(filepath.Join(homeDir, ClusterConfigFile), lookup)
	if err != nil {
		return "", err
	}

	host := DefaultClusterHost
	if v, ok := props.Get(clusterHostKey); ok && v != "" {
		host = v
	}
	port := DefaultClusterPort
	if v, ok := props.Get(clusterPortKey); ok && v != "" {
		port = v
	}

	if v, ok := lookup.NonEmpty(EnvLocalClusterHost); ok {
		host = v
	}
	if v, ok := lookup.NonEmpty(EnvLocalClusterPort); ok {
		port = v
	}

	return fmt.Sprintf("http://%s:%s", host, port), nil
}

func readClusterConfig(path string, lookup env.Lookup) (*flatten.Properties, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return flatten.NewProperties(), nil
	}
	if err != nil {
		return nil, configError("open %s: %v", path, err)
	}
	defer f.Close()

	docs, err := flatten.ParseAll(f)
	if err != nil {
		return nil, configError("read %s: %v", path, err)
	}

	props := flatten.NewProperties()
	for _, doc := range docs {
		props.Merge(flatten.Flatten(doc, lookup))
	}
	return props, nil
}

func userHomeDir(configured string) string {
	if configured != "" {
		return configured
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
