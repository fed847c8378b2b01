/*
Package domain contains the core entities and interfaces of the agent.

The agent sits between HAProxy and a fleet of gRPC backends: HAProxy sends
one agent-check request line per poll, the agent runs a bounded
grpc.health.v1.Health/Check against the named backend and answers with a
single verdict line.

Key components:

CheckRequest:
An immutable, validated description of one health check - which backend to
dial, whether the transport is TLS, and which authority (virtual host) to
present on the call. Construction is the single validation gate; a
CheckRequest that exists is well-formed.

Verdict:
The three-valued check outcome (Up, Down, Maintenance) that maps one-to-one
onto the wire responses "up", "down" and "maint".

ChannelKey:
The identity of a reusable backend transport. Requests that differ only in
authority share a key and therefore share a cached channel.

Interfaces:
HealthChecker and Metrics decouple the session layer from the gRPC checking
logic and from the metrics backend, keeping both swappable in tests.
*/
package domain
