// Package ledger defines the auction ledger the operator talks to: opening an
// auction per subtask, reading its state while it is open, and streaming bid
// submissions for visualizers. The ethereum subpackage binds the auction
// contract over JSON-RPC; MemoryLedger is an in-process auction house used
// for local development and tests.
package ledger
