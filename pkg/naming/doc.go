// Package naming resolves service names to locations through the
// cluster's naming endpoints. A lookup GETs <endpoint><name> and expects a
// JSON string; answers are cached until InvalidateCache. Failed lookups
// rotate through the endpoints with exponential backoff until the caller's
// context is done.
package naming
