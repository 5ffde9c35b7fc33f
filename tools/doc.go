// Package tools groups the concrete tool handlers. Each subpackage owns one
// tool: its manifest, operation router, remote client and tests. Handlers
// implement dispatch.Handler and are registered on a dispatch.Registry by
// the embedding application.
package tools
