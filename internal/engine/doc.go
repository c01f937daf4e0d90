/*
Package engine declares AgentEngine, the boundary interface between the
Session Supervisor and the actual LLM tool-calling loop — explicitly out
of scope for the core per spec §1. Stub is a deterministic reference
implementation: it starts a turn, asks permission for one synthetic tool
call via the supplied PermissionFunc, and emits a fixed event sequence. It
exists for tests and local demos, not as a real model integration.
*/
package engine
