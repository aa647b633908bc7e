// Package gateway is the front door of agentgate.
//
// Front.SubmitTurn is the in-process API: it mints a conversation identity
// when none is given, queues the turn on that conversation's lane, runs it
// through the recovery coordinator and records the transcript. Server puts
// the same operation, plus a few session and agent queries, behind JSON-RPC
// on /rpc and /ws and broadcasts turn lifecycle events to WebSocket clients.
package gateway
