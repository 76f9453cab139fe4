// Package primitives defines the small set of identifiers shared by every
// layer of the concurrency core: transaction ids, page ids, frame ids, and
// record ids. None of these types carry behavior beyond identity and
// ordering; the subsystems that use them (buffer pool, B+Tree, lock
// manager) own all of the interesting logic.
package primitives
