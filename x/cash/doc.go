/*
Package cash keeps per address balances and moves value between them. It is
the value-transfer primitive that the lock state machine calls when escrowing,
releasing or refunding funds on an in-process ledger.
*/
package cash
