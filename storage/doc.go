// Package storage defines the repository contracts consumed by the authorization
// and resource servers.
//
// Each contract corresponds to a Role (client, scope, auth_code, access_token,
// refresh_token, user, identity). A Registry binds a concrete store to every
// role the server needs, so one deployment can serve clients from sqlite and
// tokens from redis.
//
// The entities in this package are protocol-level types. Adapters keep their
// own row or document shapes and map to and from these types explicitly.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/redis: Redis-backed storage for multi-instance deployments
//   - storage/sqlite: SQLite-backed storage with an embedded schema
//
// Revocation follows delete semantics: a token or code whose record is missing
// is reported as revoked.
package storage
