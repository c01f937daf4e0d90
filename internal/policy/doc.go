/*
Package policy classifies a tool call as allow, deny, or ask per spec
§4.1: first the immutable hard-deny list, then learned rules scoped
session → workspace → global, then a static per-tool default.

Hard-deny matching is structural, not textual: bash commands are parsed
with mvdan.cc/sh/v3 into their constituent invocations so that quoting and
spacing cannot smuggle a raw-socket tool or a pipe-to-shell past a naive
substring check, and filesystem write targets are matched against
protected-directory globs with bmatcuk/doublestar/v4.

Learned rules live in Store, a copy-on-write snapshot per spec §5 and §9:
writers replace the whole slice for the scope they touch under a mutex;
readers receive a plain slice with no lock held during the match scan.
*/
package policy
