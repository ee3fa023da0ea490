// Package util holds small helpers shared by the server, storage and HTTP
// packages: scope string handling, log-safe truncation and redirect URI
// checks.
package util
