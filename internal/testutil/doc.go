// Package testutil provides fixtures shared by the package tests: a
// controllable clock, cached key material, a token codec and a seeded
// in-memory repository.
package testutil
