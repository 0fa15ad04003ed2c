// Package txn defines the identifiers, manager states, participant votes and
// error taxonomy shared by every layer of the coordinator.
package txn
