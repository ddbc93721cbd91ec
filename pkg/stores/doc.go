// Package stores provides the agent state database. It keeps run records,
// persistent classes and promise locks in SQLite (WAL mode, embedded
// migrations) and guards the working directory with an exclusive file lock
// so that only one agent evaluates policy at a time.
package stores
