// Package remote is the HTTPS transport to the e-invoicing service.
//
// This package contains:
//
//   - client.go: bearer-token JSON client and status mapping
//   - batch.go: batch session endpoints
//   - export.go: export and part download endpoints
//   - keys.go: public key certificate endpoint
//
// Every failure is returned as a domain error so the retry policy in the
// service layer can classify it: 429 as RateLimited, 5xx and transport
// failures as RemoteUnavailable, other 4xx as RemoteRejected.
package remote
