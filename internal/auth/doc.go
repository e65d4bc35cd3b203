// Package auth verifies bearer tokens issued by the wallet identity provider.
// Tokens are RS256 JWTs whose signing keys are published as a JWKS document;
// the verified wallet address becomes the request caller.
package auth
