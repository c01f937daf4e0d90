// Package config loads the server's tunable knobs — Session Supervisor
// idle timeout, Permission Gate timeouts, Event Fan-out retention, Stream
// Multiplexer connection limits, and the static tool-class risk registry —
// from layered JSONC files, and persists learned workspace/global policy
// rules to disk with hot-reload on external edits.
//
// # Loading
//
// Load merges, in priority order:
//
//  1. Global config (~/.config/oppi/oppi.jsonc)
//  2. Project config (<directory>/.oppi/oppi.jsonc)
//  3. Environment variable overrides (OPPI_*)
//
// Later sources win scalar fields outright; maps are merged key by key.
//
// # Format
//
// Config files are JSONC — ordinary JSON plus // and /* */ comments,
// stripped with tidwall/jsonc before unmarshalling.
//
// # Policy persistence
//
// Workspace and global learned policy rules are written through
// *PolicyFile, a policy.Persister backed by one JSONC file per workspace
// plus one global file under the config directory. WatchPolicyFiles uses
// fsnotify to reload a rule file into a policy.Store when it changes on
// disk, so a rule edited by hand (or by another process) takes effect
// without a restart — this resolves the "should learned workspace/global
// rules survive a restart" open question in favor of yes, for
// workspace/global scope; session-scoped rules remain in-memory only, per
// policy.Store.
package config
