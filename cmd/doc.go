// Package cmd implements the command-line interface of the cache servers.
//
// The package is organized into several subpackages:
//
//   - serve: the segcache, pingserver and proxy commands
//   - util: flag setup and configuration loading (internal use)
//
// See pelikan --help for a list of all commands.
package cmd
