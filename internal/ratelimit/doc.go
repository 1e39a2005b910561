// Package ratelimit provides a sliding-window rate limiter with two
// independent keyspaces, agent id and client IP. A request is admitted only
// when both dimensions allow it, and a rejected request consumes neither
// bucket.
package ratelimit
