// Package auth provides authentication for the taskbridge control API.
//
// # Authentication Method
//
// Control API clients authenticate with JWT bearer tokens signed with HS256
// using the configured jwt_secret. The token's "sub" claim identifies the
// principal.
//
// Agents do not use this package: they authenticate in-band on the bridge
// via the Register frame's auth token.
//
// # Middleware
//
// RequireAuth wraps control API handlers. On success the principal is
// attached to the request context and retrievable with FromContext. Every
// decision, allow or deny, is appended to the audit trail with the actor IP
// and target path; an audit write failure is logged but never turned into an
// authentication failure.
//
// # Token Management
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("admin", 30*24*time.Hour)
//	principalID, err := verifier.Verify(token)
package auth
