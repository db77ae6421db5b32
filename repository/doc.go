// Package repository provides the Session shared by a unit of work and the
// generic Repository built on Bun. Writes are staged in the session and
// applied when it is flushed; reads compose include, tracking, filter and
// order into lazy queries.
package repository
