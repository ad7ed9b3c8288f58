/*
Package swaptest provides test helpers for the swap engine.

The centerpiece is Ledger, an in-memory hosting ledger running the real lock
state machine over a real key-value store. Tests control its clock and block
production directly, inject submission faults and fork the chain to exercise
reorganisation handling, without ever sleeping.
*/
package swaptest
