// Package testutil provides in-memory implementations of the repository and
// object store interfaces for tests.
package testutil
