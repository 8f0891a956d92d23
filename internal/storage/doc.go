// Package storage persists the bot's durable state: the schedule registry,
// pending quizzes, named marks (watermarks, dedup state) and the audit log.
//
// Drivers:
//   - "file": snapshot + fsync'd journal, no external dependencies
//   - "sqlite": modernc.org/sqlite through sqlx, darwin migrations
//   - "postgres": lib/pq through sqlx, darwin migrations
//   - "badger": embedded key-value store; path ":memory:" keeps it in RAM
//
// Every mutating call returns only after the change is durable.
package storage
