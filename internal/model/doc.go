// Package model describes how logical document properties map onto fragment
// tables and columns.
//
// The Model interface is the boundary to the external type registry. The
// storage core only asks it questions:
//
//   - which fragment and column hold property P
//   - which concrete types are subtypes of T
//   - is table X a collection fragment, and how are its elements coerced
//   - which types carry mixin M
//
// Schema is a static, immutable Model built from a Definition. Definitions
// are loaded from CUE (LoadCUE) or YAML (LoadYAML) files, or assembled in
// code for tests.
//
// # Column descriptors
//
// Each fragment carries an ordered list of Column descriptors
// (logical key, physical column, type). Statements are generated from these
// descriptors once, and values pass through Column.Encode/Decode, so an
// unknown key is a lookup miss at prepare time instead of a runtime fault
// deep in SQL assembly.
//
// # Standard fragments
//
// Every Schema contains the fragments the core itself relies on:
//
//	hierarchy  id, parentid, pos, name, isproperty, primarytype, mixintypes, isversion
//	           (mixintypes holds instance mixins as "|A|B|", see EncodeMixins)
//	proxies    id, targetid, versionableid
//	locks      id, owner, created
//	acls       id, pos, name, grant, permission, principal   (collection of ACE)
//	read_acls  id, pos, principal                           (collection of string)
//	fulltext   id, fulltext
package model
