package policy

import (
	"fmt"
)

// ToolClass is the static default-risk classification for a tool that no
// rule matches, per spec §4.1 step 5.
type ToolClass struct {
	DefaultAction Action
	DefaultRisk   Risk
}

// DefaultClassifier is the built-in registry of tool name -> class. A
// deployment can override it via Engine.SetClassifier; spec §9's open
// question explicitly says built-in risk tiers "should be expressed as
// configuration, not hard-coded in the gate" — this map is that
// configuration's in-process default, not a requirement that it stay
// literal Go source forever.
func DefaultClassifier() map[string]ToolClass {
	return map[string]ToolClass{
		"read_file":    {ActionAllow, RiskLow},
		"list_dir":     {ActionAllow, RiskLow},
		"glob":         {ActionAllow, RiskLow},
		"grep":         {ActionAllow, RiskLow},
		"search":       {ActionAllow, RiskLow},
		"compute":      {ActionAllow, RiskLow},

		"write_file":   {ActionAsk, RiskMedium},
		"edit_file":    {ActionAsk, RiskMedium},
		"delete_file":  {ActionAsk, RiskHigh},
		"move_file":    {ActionAsk, RiskMedium},
		"bash":         {ActionAsk, RiskMedium},
		"webfetch":     {ActionAsk, RiskMedium},
		"install":      {ActionAsk, RiskHigh},
		"network":      {ActionAsk, RiskHigh},
	}
}

// fallbackClass is used for any tool name absent from the classifier,
// matching spec §4.1's "writes/deletes/network/installs default to ask"
// guidance for the unrecognized case: treat the unknown as medium-risk ask
// rather than silently allowing it.
var fallbackClass = ToolClass{ActionAsk, RiskMedium}

// Engine evaluates tool calls against the hard-deny list, learned rules
// from Store, and the static ToolClass registry, per spec §4.1's five-step
// algorithm. It never panics and never returns an error from Evaluate: a
// malformed call is itself a policy verdict (deny/critical), per spec's
// "never throws" contract.
type Engine struct {
	store      *Store
	classifier map[string]ToolClass
	hardDeny   []Rule // immutable, synthesized once; present for MatchedRule reporting only
}

// NewEngine builds an Engine backed by store, using DefaultClassifier.
func NewEngine(store *Store) *Engine {
	return &Engine{
		store:      store,
		classifier: DefaultClassifier(),
		hardDeny:   builtinHardDenyRules(),
	}
}

// SetClassifier replaces the static default-risk registry.
func (e *Engine) SetClassifier(classifier map[string]ToolClass) {
	e.classifier = classifier
}

// HardDenyRules returns the immutable built-in rule descriptions, for
// display in a policy-inspection CLI; they are never consulted directly by
// Evaluate, which re-derives the same verdicts structurally in
// evaluateHardDeny so that hard denial cannot be defeated by editing this
// list.
func (e *Engine) HardDenyRules() []Rule {
	out := make([]Rule, len(e.hardDeny))
	copy(out, e.hardDeny)
	return out
}

func builtinHardDenyRules() []Rule {
	return []Rule{
		{ID: "hard-deny-rm-root-home", Pattern: "rm -rf /|~", Action: ActionDeny, Scope: ScopeGlobal, Risk: RiskCritical, Reason: "recursive deletion of filesystem root or home", Immutable: true},
		{ID: "hard-deny-system-write", Pattern: "write:/etc/**,/usr/**,...", Action: ActionDeny, Scope: ScopeGlobal, Risk: RiskCritical, Reason: "write under protected system directory", Immutable: true},
		{ID: "hard-deny-raw-socket", Pattern: "nc|ncat|socat|telnet", Action: ActionDeny, Scope: ScopeGlobal, Risk: RiskCritical, Reason: "raw-socket tool", Immutable: true},
		{ID: "hard-deny-pipe-to-shell", Pattern: "* | sh", Action: ActionDeny, Scope: ScopeGlobal, Risk: RiskCritical, Reason: "pipe to shell interpreter", Immutable: true},
		{ID: "hard-deny-credential-probe", Pattern: "$(env-like credential read)", Action: ActionDeny, Scope: ScopeGlobal, Risk: RiskCritical, Reason: "command substitution probing credential environment variables", Immutable: true},
	}
}

// Evaluate implements the Policy Engine contract from spec §4.1.
func (e *Engine) Evaluate(call Call) Decision {
	if call.Tool == "" {
		return Decision{Action: ActionDeny, Reason: "malformed", Risk: RiskCritical}
	}

	// Step 1: immutable hard-deny list.
	if d, ok := e.evaluateHardDeny(call); ok {
		return d
	}

	// Steps 2-4: learned rules, most specific scope first.
	for _, scoped := range []struct {
		scope Scope
		rules []Rule
	}{
		{ScopeSession, e.store.SessionRules(call.SessionID)},
		{ScopeWorkspace, e.store.WorkspaceRules(call.WorkspaceID)},
		{ScopeGlobal, e.store.GlobalRules()},
	} {
		if d, ok := matchLearnedRules(scoped.rules, call); ok {
			return d
		}
	}

	// Step 5: static default classification.
	class, ok := e.classifier[call.Tool]
	if !ok {
		class = fallbackClass
	}
	return Decision{Action: class.DefaultAction, Reason: "default classification for tool class", Risk: class.DefaultRisk}
}

// Learn records a remembered decision at the given scope. Called by the
// Permission Gate after a client resolves an `ask` with scope != once.
func (e *Engine) Learn(call Call, action Action, scope Scope, risk Risk) {
	if scope == ScopeOnce {
		return
	}
	pattern := call.Tool
	if call.Tool == "bash" {
		if cmds, err := parseBashCommands(commandString(call.Input)); err == nil && len(cmds) == 1 {
			pattern = buildBashPattern(cmds[0])
		}
	}
	rule := Rule{
		ID:      fmt.Sprintf("learned-%s-%s", scope, pattern),
		Pattern: pattern,
		Action:  action,
		Scope:   scope,
		Risk:    risk,
		Reason:  "learned from user approval",
	}
	e.store.Learn(call.SessionID, call.WorkspaceID, rule)
}

func matchLearnedRules(rules []Rule, call Call) (Decision, bool) {
	for _, r := range rules {
		if ruleMatchesCall(r, call) {
			return Decision{Action: r.Action, Reason: r.Reason, Risk: r.Risk, MatchedRule: r.ID}, true
		}
	}
	return Decision{}, false
}

func ruleMatchesCall(r Rule, call Call) bool {
	if call.Tool == "bash" {
		cmds, err := parseBashCommands(commandString(call.Input))
		if err != nil || len(cmds) == 0 {
			return false
		}
		for _, cmd := range cmds {
			if !matchBashPattern(r.Pattern, cmd) {
				return false
			}
		}
		return true
	}
	return r.Pattern == call.Tool
}

func (e *Engine) evaluateHardDeny(call Call) (Decision, bool) {
	if call.Tool == "bash" {
		cmd := commandString(call.Input)
		if r := checkBashHardDeny(cmd); r != nil {
			return Decision{Action: ActionDeny, Reason: r.reason, Risk: RiskCritical, MatchedRule: "hard-deny"}, true
		}
		return Decision{}, false
	}
	if isWriteTool(call.Tool) {
		if path := writeTargetPath(call.Input); path != "" {
			if r := checkSystemDirWrite(path); r != nil {
				return Decision{Action: ActionDeny, Reason: r.reason, Risk: RiskCritical, MatchedRule: "hard-deny"}, true
			}
		}
	}
	return Decision{}, false
}

func isWriteTool(tool string) bool {
	switch tool {
	case "write_file", "edit_file", "delete_file", "move_file":
		return true
	default:
		return false
	}
}

// commandString and writeTargetPath extract conventional fields from the
// opaque Call.Input per spec §3 ("input (opaque structured value)"). The
// agent engine is expected to pass a map with these keys for the built-in
// tool names; any other shape is treated as unmatched rather than an error.
func commandString(input any) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m["command"].(string)
	return s
}

func writeTargetPath(input any) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	if p, ok := m["path"].(string); ok {
		return p
	}
	if p, ok := m["target"].(string); ok {
		return p
	}
	return ""
}
