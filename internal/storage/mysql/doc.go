// Package mysql provides the MySQL persistence layer: connection pooling,
// embedded schema migrations, and the workflow run repository that keeps
// workflow snapshots queryable after the process restarts.
package mysql
