// Package cluster holds the wire-level vocabulary shared by every Morphus
// process: endpoints, the JSON command envelope, the closed set of error
// codes, and the request/reply documents for all control operations.
//
// Every control operation in Morphus is a self-describing command document
// POSTed to a process's /command endpoint:
//
//	{"isMaster": 1}
//	{"replSetStepDown": 60, "force": false}
//	{"moveData": "db.coll", "from": "10.0.0.2:8081", ...}
//
// Replies carry {"ok": 1, ...} on success, or {"ok": 0, "errmsg": "...",
// "code": "..."} on failure. The code field is one of the Code constants
// below and survives the round-trip, so a caller can classify a remote
// failure with IsCode exactly as it would a local one.
//
// Both the client side (internal/repl, internal/reshard) and the server
// side (internal/replnode, internal/coordinator) import this package; it
// imports nothing above the data model.
package cluster
