// Package application wires a block process together. It selects the
// configuration provider for the bootstrap system type, loads the merged
// property space, builds the block's HTTP surface and registers the instance
// with the provider, keeping the main package focused on CLI parsing and
// signal handling.
package application
