// Package database provides connection management, schema bootstrap, foreign
// key handling, configuration types, query hooks, health checks and related
// utilities built on top of Bun.
package database
