// Package cost tracks per-session and daily USD spend derived from token
// usage, enforces configurable budget limits, and fires warnings as spend
// approaches a limit. Daily totals roll over at UTC midnight; warnings fire
// at most once per session and once per day.
package cost
