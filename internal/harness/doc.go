// Package harness runs YAML scenarios against the real engine.
//
// Each run gets a fake wall clock, a manual timer scheduler, synchronous
// identity lookups and a fresh in-memory store, so the same scenario
// always produces the same trace.
//
// # Scenario Format
//
//	name: friend_visit
//	description: "What this scenario validates"
//	self: {user_id: usr_me, display_name: Me}
//	users:
//	  - {id: usr_alice, display_name: Alice, friend: true}
//	steps:
//	  - at: 0s
//	    record: {type: location, location: "wrld_1:1", worldName: "World"}
//	  - at: 10s
//	    frame: {opcode: 255, parameters: {254: 2}}
//	  - at: 2m
//	    advance: true
//	assertions:
//	  - type: trace_count
//	    kind: alert
//	    entry_type: OnPlayerJoined
//	    count: 1
//	  - type: final_state
//	    table: events
//	    where: {type: OnPlayerJoined}
//	    expect: {display_name: Alice}
//
// Records, frames, pings and source entries use the bridge's JSON field
// names; a missing timestamp is taken from the step offset. Before each
// step every timer due up to its offset fires, so presence ticks and the
// video recomputation run as they would live.
//
// # Trace
//
// The trace interleaves scenario inputs with what the engine produced:
// input, event (persisted), feed (published ambient feed), alert, hud and
// drop (input rejected with a runtime error code). Golden files store it
// one event per line.
//
// # Assertion Types
//
//   - trace_contains: an event of the given kind matches type and fields
//   - trace_order: types occur in the given order, gaps allowed
//   - trace_count: matching events occur exactly N times
//   - final_state: a row of a store table (events, moderation) matches
//   - snapshot: the final engine state matches, and the roster names
//   - hud: the last published HUD names exactly the given timeouts
package harness
