// Package testing provides a reusable test suite for ICache implementations.
//
// The suite runs every implementation against the same behavioral contract:
// immediate visibility, per-key coalescing, admission policies, retry and
// terminal disposition, drain semantics and construction validation. It is
// driven by a factory function so alternative engine implementations can be
// verified without duplicating the tests.
package testing
