// Package server hosts the Fiber HTTP transport: content requests resolved
// through the engine, store administration backed by the registry, request
// IDs, panic recovery and the Prometheus scrape endpoint. Diagnostics under
// /-/ live in the routes subpackage. Handlers depend on narrow interfaces so
// tests can inject fakes.
package server
