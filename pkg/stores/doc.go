// Package stores holds the local execution journal: a SQLite database that
// records every submitted experiment document and the distinct statuses seen
// while polling it. Consecutive identical polls collapse into one
// observation, so the journal stays small during long waits.
//
// The schema is embedded and applied with golang-migrate. ":memory:" is
// supported for tests and runs on a single connection.
package stores
