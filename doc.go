/*
Package atomicswap is the kernel of the cross-chain atomic swap engine.

It declares the types shared by all modules: POSIX time based timelocks,
addresses and conditions, the ledger adapter interface that encapsulates all
ledger specific transaction construction, and the domain events that ledger
watchers emit.

The engine itself is split into modules living in the x/ directory. The
commitment scheme is implemented by the commitment package, escrow lock
semantics by x/lock, chain observation by x/watcher and the cross ledger
sequencing by x/orchestrator.
*/
package atomicswap
