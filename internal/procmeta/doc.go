// Package procmeta manages process metadata for span attributes.
//
// ProcSource reads comm, command line and environment of a thread group
// through procfs. Manager puts a bounded, expiring cache in front of it:
//
//   - Get(tgid) loads on miss and caches the result or the error
//   - Set(tgid, md) stores metadata supplied by the caller
//   - Delete(tgid) drops an entry
//
// Manager is safe for concurrent use.
package procmeta
