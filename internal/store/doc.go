// Package store provides SQLite-backed durable storage for the presence
// engine.
//
// The store keeps two tables:
//   - events: append-only log of confirmed join/leave/location/moderation/
//     avatar-change/video-play events, one row per engine Persist effect
//   - moderation: the last known block/mute state each remote user holds
//     against the local user, diffed by the lobby state machine
//
// # Identity and Ordering
//
// Event ids are content-addressed (see EventID): replaying the same session
// log against the same database inserts nothing new, because writes use
// ON CONFLICT(id) DO NOTHING.
//
// Reads order by created_at, then seq, then id, so results are identical
// across replays.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
