// Package services drives the attachment lifecycle.
//
// Manager is the single owner of state transitions: it encrypts outgoing
// content, uploads it under a signed form, downloads and verifies inbound
// pointers and writes every outcome back to the store. Work runs on a
// bounded pool of background workers and at most one transfer per
// attachment id is in flight; concurrent requests for the same id share it
// through reference-counted futures.
package services
