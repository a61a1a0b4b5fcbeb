// Package catalog defines the sharding data model: namespaces, key
// patterns, chunks and their versions, and the loosely-typed documents
// that flow between members. It has no dependencies on the wire or
// storage layers; everything above builds on these types.
package catalog
