// Package config loads the daemon configuration from built-in defaults, an
// optional YAML file and AGENTFORGE_ prefixed environment variables, in that
// order of precedence.
package config
