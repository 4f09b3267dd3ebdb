package storage

// Package storage persists chronos, runs, functions and channels.
//
// Drivers:
//   - sqlite: modernc.org/sqlite, migrations applied with goose on open
//   - postgres: pgx pool exposed through database/sql, same migrations
//   - memory: in-process maps for tests and local runs
