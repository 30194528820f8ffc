// Package config resolves the bootstrap settings of a block process (system
// type, identity, base directory, serving options) from multiple sources
// (YAML files, environment variables, CLI flags) with precedence: CLI flags >
// YAML config > Environment variables > Defaults. When no block ref is given
// it is derived from the kapeta.yml manifest in the base directory.
package config
