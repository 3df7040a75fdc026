// Package client contains the client-side building blocks that talk to the
// application server and own the local database.
//
// # Overview
//
// The package provides:
//  1. The FormClient contract and its HTTP implementation, which obtains a
//     signed, single-use upload authorization (policy, credential, object
//     key, bucket) for an outgoing attachment.
//  2. Local persistence bootstrap (InitDatabase, RunMigrations, DSN) that
//     opens the SQLite database and applies the embedded goose migrations.
//
// # Error Handling
//
// Failures are reported with the sentinels of internal/common and can be
// matched with errors.Is: ErrMalformedForm for a response that violates the
// contract (also used for 4xx answers), ErrUnauthorized for 401/403,
// ErrTransientNetwork for 5xx, timeouts and connection errors, and
// ErrCancelled when the caller's context was cancelled.
//
// Concurrency & Contexts
//
// HTTPFormClient is safe for concurrent use. All operations accept
// context.Context and honor cancellation.
package client
