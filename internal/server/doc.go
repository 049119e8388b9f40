// Package server is the HTTP boundary of the orchestrator: a chi router
// exposing session management over REST and the event stream over SSE and
// WebSocket.
//
// # REST surface
//
// Sessions live under /session:
//
//	GET    /session                                 list sessions
//	POST   /session                                 create a session
//	GET    /session/{sessionID}                     session summary
//	PATCH  /session/{sessionID}                     rename
//	DELETE /session/{sessionID}                     close session and backend
//	POST   /session/{sessionID}/input               submit user input
//	POST   /session/{sessionID}/permissions/{id}    approve or deny a request
//	GET    /session/{sessionID}/history             archived event history
//	POST   /session/{sessionID}/subscribers         subscribe the caller
//	DELETE /session/{sessionID}/subscribers         unsubscribe the caller
//	POST   /session/{sessionID}/owner               transfer ownership
//
// Callers identify themselves with the X-Client-ID header; requests without
// one act as the "local" client. Errors come back as a JSON envelope
// {"error":{"code":"...","message":"..."}} with the HTTP status carrying the
// error class (404 unknown session, 409 busy, 410 finished, 502 backend
// failure).
//
// # Event streaming
//
// GET /event serves the live bus over SSE: a "connected" preamble carrying
// the current sequence number, then every envelope as a "message" event,
// with heartbeat comments while the stream is quiet. ?sessionID= narrows
// the stream to one session. The stream is live-only; clients reconcile
// missed history through GET /event/replay?from=seq, which returns every
// logged envelope with a sequence strictly above from.
//
// GET /ws upgrades to a WebSocket speaking JSON frames. Clients subscribe
// to sessions explicitly and receive nothing for the rest:
//
//	{"type":"subscribe","session_ids":["s1"],"catch_up":true}
//
// With catch_up the server answers one "ack" frame holding the sessions'
// full history in publish order, then delivers strictly later events; the
// hand-off is exact, with no duplicate and no gap. Without catch_up there
// is no ack and only events published after the subscribe arrive.
// "unsubscribe" and "input" frames complete the dialect.
package server
