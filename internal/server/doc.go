// Package server hosts relay replicas over HTTP.
//
// Every room is a full replica: a Document Store, a Mux and a sync
// engine created on first use. Clients connect with a websocket upgrade
// on /rooms/{room}; the room's engine syncs them and relays their
// updates and presence to every other client of the room.
//
// Routes:
//
//	GET /rooms/{room}  websocket upgrade into the room
//	GET /rooms         JSON list of open rooms and their sessions
//	GET /metrics       Prometheus exposition
//	GET /healthz       liveness
package server
