/*
Package orchestrator coordinates cross-ledger atomic swaps.

For every swap the orchestrator owns one record and one goroutine. The flow
for a single swap is: observe the counterparty's source lock, convert the
amount, bridge liquidity to the destination ledger, create the mirrored
destination lock under the same commitment, wait for the counterparty to
claim it and relay the revealed secret into a claim of the source lock.

Every state transition is persisted before the next step runs, with a version
counter guarding against out-of-order writes. After a crash the orchestrator
reloads all non-terminal records and resumes them without re-executing side
effects for swaps that already created their destination lock.
*/
package orchestrator
