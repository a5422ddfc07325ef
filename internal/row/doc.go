// Package row defines the storage-level value types shared by the row store,
// the query compiler and the cluster invalidation coordinator.
//
// A document is spread over several fragment tables. Each table holds at most
// one Row per document id:
//
//   - simple fragments map keys to scalar values (Row.Values)
//   - collection fragments hold an ordered sequence (Row.Items), always
//     replaced as a whole
//
// RowID addresses one row and is the unit of cache invalidation. Writes
// report what they touched as Invalidations, which travel unchanged from the
// row store to local caches and, through the cluster log, to other nodes.
package row
