// Package token encodes and decodes the tokens the authorization server
// hands out.
//
// Access tokens and ID tokens are JWTs signed with the server's asymmetric
// key and can be verified by anyone holding the published JWK Set.
// Authorization codes and refresh tokens are opaque to clients: they are
// JWE compact serializations encrypted with the server's symmetric key,
// carrying the identifier and grant context the server needs to redeem
// them.
//
// The codec does not consult storage. Revocation and single use are
// enforced by the caller against the repositories.
package token
