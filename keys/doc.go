// Package keys loads the server's key material: the asymmetric key pair that
// signs access and ID tokens, and the 32 byte symmetric key that encrypts
// authorization codes and refresh tokens.
//
// RSA keys sign with RS256 and P-256 keys with ES256. The key id is the
// RFC 7638 thumbprint of the public key, so it is stable across restarts.
package keys
