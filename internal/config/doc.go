// Package config loads the JSON configuration of the ChainHost daemon and
// resolves relative paths against the directory of the configuration file.
package config
