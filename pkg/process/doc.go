// Package process runs one task command line in its own process group
// and reports its exit code, resource usage and captured output.
package process
