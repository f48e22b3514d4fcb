// Package memory provides the in-process reference stores. Every store is
// safe for concurrent use and assigns identifiers from its own counter.
//
// Individual operations are atomic, but there is no rollback: pair these
// stores with txn.Inline.
package memory
