// Package storage persists the local side of tokfresh: the deployment history
// and, for the local keep-alive runner, a small key/value store holding the
// current refresh token.
//
// Deployment records never contain credentials.
package storage
