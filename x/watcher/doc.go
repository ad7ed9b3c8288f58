/*
Package watcher turns raw ledger blocks into a deduplicatable stream of lock
events.

A Watcher scans one ledger through its block source, trailing the chain head
by a confirmation depth so that only settled blocks are processed. Progress
is checkpointed together with the hashes of recently confirmed blocks; when a
rescan finds a recorded hash replaced, the watcher rewinds, emits a
retraction for every event of the orphaned blocks and scans the replacing
branch. Delivery is therefore at-least-once and consumers deduplicate by
event key.

For locks registered with Track the watcher additionally synthesizes a
LockExpired event once the confirmed chain time passes the lock's timelock
without a claim.
*/
package watcher
