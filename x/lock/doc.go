/*
Package lock models hash/time-locked escrows with semantics that are
identical on every hosting ledger.

A lock escrows value bound to a commitment and an absolute timelock. It can
be claimed by the beneficiary before the timelock by revealing the
commitment's preimage, or refunded to the depositor after the timelock. The
two resolutions are mutually exclusive by construction: state transitions are
persisted before any value moves, so whichever operation commits first wins
and the other fails with ErrAlreadyResolved forever.

The Controller executes transitions against a local store and is what an
in-process ledger host runs. RemoteLocks constructs the equivalent
transactions for a remote ledger through the adapter interface and holds only
references, never authoritative state.
*/
package lock
