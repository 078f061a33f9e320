// Package cmd implements the command-line interface for the wbKV write-behind
// caching engine.
//
// The package is organized into several subpackages:
//
//   - bench: Commands for benchmarking the engine against a backing store
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See wbkv -help for a list of all commands.
package cmd
