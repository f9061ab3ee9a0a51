// Package server exposes the agent runtime over HTTP.
//
// Endpoints:
//
//	GET    /                 liveness banner
//	GET    /health           health status
//	GET    /metrics          Prometheus metrics
//	POST   /chat             one turn, answered with the session thread
//	POST   /chat/stream      one turn as server-sent events
//	GET    /ws               streamed turns over a websocket
//	DELETE /chat/{user_id}   drop the session's in-memory agents
//
// The request intent selects the answering role: "code" maps to the coder,
// a served role name selects that role, and an empty intent is classified
// by the router role when one is configured.
//
// Usage:
//
//	srv, err := server.New(server.Options{Port: 8000, Roles: roles}, registry, factory)
//	if err != nil {
//	    return err
//	}
//	go srv.Start()
//	defer srv.Stop(ctx)
package server
