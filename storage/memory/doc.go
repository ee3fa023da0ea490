// Package memory provides an in-memory implementation of every storage role.
//
// A single Store satisfies the client, scope, auth_code, access_token,
// refresh_token, user and identity roles, so it can be bound with
// Registry.BindAll. All state lives behind one RWMutex; the consume operations
// take the write lock, which gives the exactly-once guarantee for codes and
// refresh tokens within one process.
//
// A background goroutine removes expired codes and tokens. Call Stop when the
// store is no longer needed.
//
// Data does not survive a restart and is not shared between instances. Use
// storage/redis or storage/sqlite for that.
package memory
