// Package auth turns bearer tokens into the caller scope the automation
// engine acts on.
//
// Tokens are HS256 JWTs signed with the shared secret from
// security.jwt.secret. The subject is the user ID; org_id and startup_id
// narrow the scope. Token issuance belongs to the identity provider in
// front of the engine. GenerateToken exists for the CLI and tests.
//
// Two roles exist. A user token acts only on its own scope. A service
// token may act on any scope named in the request, which is how back-end
// jobs emit events for users.
package auth
