// Package ledger implements the tenant-scoped hash-chain ledger that certifies
// governance actions.
//
// Every tenant scope owns an independent chain. Entry 0 links to GenesisDigest;
// every later entry records the EntryDigest of its predecessor, and its own
// EntryDigest is Link(PayloadDigest, PreviousDigest, Seq, Scope). Any edit,
// deletion or reordering of a committed entry is reported by the Verifier.
//
// Writers go through a Coordinator, which serialises appends per scope and
// commits through the Store's compare-and-append primitive, AppendIfTip.
// Three Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for multi-process production deployments.
//   - SQLiteStore: durable, for single-node deployments.
package ledger
