// Package app wires the settlement layer's services: the licensing
// agreement registry, the decryption request coordinator, the confidential
// bidding engine, the royalty verification engine, and the refund ledger.
//
// The application is invoked synchronously, one external call at a time. The
// only asynchrony is across calls: the confidential-compute oracle answers
// decryption requests at arbitrary future times, or never. Every flow that
// escrows funds therefore has a companion refund path reachable purely from
// request state once the timeout elapses.
package app
