// Package session owns the sync exchange around the record stream.
//
// Ownership boundary:
// - SyncRequest / SyncResult packet codecs and page splitting
// - Session lifecycle: Unauthenticated -> Authenticating -> Authenticated -> Expired
// - login (Authenticator) and its AuthError taxonomy
// - retry/backoff primitives used by the orchestrator
//
// The login is an auth-only SyncRequest; its SyncResult carries the token that
// every later request presents. Passwords never leave this package except
// inside the encoded login request.
package session
