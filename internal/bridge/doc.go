// Package bridge is the websocket surface of the companion.
//
// Upstream collaborators push one JSON message per websocket text frame:
//
//	/records  session-log records from the log tailer
//	/frames   protocol frames from the protocol bridge
//	/sources  external source entries and presence pings
//
// Malformed messages are logged and dropped; the connection stays open.
// Clients of /feed receive the ambient feed, alerts and HUD updates.
package bridge
