// Package engine is the single-writer event loop that correlates the
// session-log and protocol streams into one presence model.
//
// # Processing Model
//
// Every input (log record, protocol frame, timer tick, feed advance, async
// lookup result) is handled to completion before the next one starts. No
// two handlers run concurrently, so the components it owns need no locks:
//
//   - Enqueue(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Process()/Drain(): synchronous, for replay and tests; never together
//     with Run
//
// # Instances and Generations
//
// All per-instance state (roster, lobby actors, pending moderation, video
// playback, the timeout loop) lives in one session value. A location
// change builds a new session and bumps the generation. Timer ticks and
// lookup results carry the generation they were armed under and are
// dropped when it no longer matches, so a stale loop never survives a
// location change.
//
// # Effects
//
// Components return effect values; the engine applies them in order:
// feed entries go to the aggregator buffers, confirmed events to the
// EventLog (one call per event), lookups to goroutines whose results
// re-enter as inputs. A user lookup already in flight for the current
// generation is not started again.
package engine
