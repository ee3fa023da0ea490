// Package redis provides a Redis-backed implementation of every storage role,
// for deployments running more than one server instance.
//
// Records are JSON values under a configurable key prefix and expire with the
// codes and tokens they describe. Authorization codes are consumed through a
// Lua script that sets a consumed marker with SET NX; refresh tokens are
// consumed with GETDEL. Either way exactly one concurrent caller succeeds.
package redis
