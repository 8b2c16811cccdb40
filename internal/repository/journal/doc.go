// Package journal persists dispatch outcomes.
//
// SQLiteRepository keeps them in a SQLite database through sqlx. Disabled is
// used when no database is configured: it drops writes and refuses reads with
// ErrDisabled so the HTTP layer can answer 404.
package journal
