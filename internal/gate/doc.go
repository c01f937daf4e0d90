/*
Package gate implements the Permission Gate (spec §4.2): one instance per
session, sitting between the agent engine's tool-call sites and the Policy
Engine. Intercept blocks the calling goroutine until a deny/allow verdict
is reached — either immediately from policy, or after suspending on a
PermissionRequest that the client resolves via Respond.

Grounded on the teacher's internal/permission.Checker: the single-use
completion channel per pending request and the mutex-guarded pending map
are carried over almost unchanged. What's new is the explicit Request
record (for displaying PermissionRequest.state per spec §3), the
fail-closed noClientWatcher (spec §4.2 step 5, which the teacher's Checker
has no equivalent of — it assumes a client is always attached), and
StopSession, which resolves every outstanding request as deny on session
teardown rather than leaving them to leak.
*/
package gate
