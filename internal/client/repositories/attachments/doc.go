// Package attachments provides the client-side persistence layer for
// attachment records and their plaintext blobs.
//
// # Overview
//
// Records live in the attachments table of the client SQLite database (see
// internal/client/migrations). Plaintext of materialized streams lives in a
// blob directory, one file per record, named by the store. SQLiteRepository
// holds the row-level queries over a dbx.DBTX; Store couples rows and blobs
// and serializes every write.
//
// # Consistency
//
// All writes go through a single mutex and run inside dbx.WithTx. Reads do
// not take the mutex; SQLite transactions guarantee they observe a record
// either before or after a write, never in between.
//
// Creating a stream writes the blob before inserting the row and removes
// the blob if the transaction rolls back. Deleting removes the row first and
// the blob only after commit. A crash can therefore leave an orphan blob but
// never a stream row without its blob; Reconcile cleans up both directions
// at startup.
//
// Key Types
//
//   - type Store            : blob+row coupling, used by services
//   - type SQLiteRepository : SQLite implementation over dbx.DBTX
//   - type ReconcileReport  : outcome of the startup consistency pass
package attachments
