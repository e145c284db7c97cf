// Package config loads the agent configuration from hpcagent.yaml, HPCAGENT_*
// environment variables and bound command-line flags, in increasing order
// of precedence.
package config
