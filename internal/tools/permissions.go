// Package tools provides the tool registry, argument validation, permission
// enforcement, and execution for CodeCrew participants.
//
// Tools come from two sources: built-in Go functions ([RegisterBuiltins]) and
// external Model Context Protocol servers ([RegisterMCPServer]). Both end up
// in the same [Registry] and are executed uniformly by [Executor].
//
// All exported types are safe for concurrent use.
package tools

import "sync"

// Level classifies how risky a tool is. It drives the approval flow:
// SAFE runs without asking, CAUTIOUS and DANGEROUS may require user approval,
// BLOCKED never runs.
type Level string

const (
	LevelSafe      Level = "SAFE"
	LevelCautious  Level = "CAUTIOUS"
	LevelDangerous Level = "DANGEROUS"
	LevelBlocked   Level = "BLOCKED"
)

// IsValid reports whether l is a recognised permission level.
func (l Level) IsValid() bool {
	switch l {
	case LevelSafe, LevelCautious, LevelDangerous, LevelBlocked:
		return true
	}
	return false
}

// Decision is the outcome of a permission check.
type Decision string

const (
	// DecisionApprove allows the execution without prompting.
	DecisionApprove Decision = "approve"

	// DecisionDeny rejects the execution without prompting.
	DecisionDeny Decision = "deny"

	// DecisionAsk requires an interactive approval from the user.
	DecisionAsk Decision = "ask"
)

// PermissionManager decides whether a tool invocation may proceed. It applies
// configured per-tool level overrides, the auto-approval policy, and
// remembered per-session grants.
type PermissionManager struct {
	mu              sync.RWMutex
	approveCautious bool
	overrides       map[string]Level
	grants          map[string]map[string]bool // session id → tool name → allowed
}

// NewPermissionManager creates a manager. overrides replaces registered levels
// per tool name; approveCautious auto-approves CAUTIOUS tools.
func NewPermissionManager(approveCautious bool, overrides map[string]Level) *PermissionManager {
	ov := make(map[string]Level, len(overrides))
	for k, v := range overrides {
		ov[k] = v
	}
	return &PermissionManager{
		approveCautious: approveCautious,
		overrides:       ov,
		grants:          map[string]map[string]bool{},
	}
}

// EffectiveLevel returns the level that applies to the named tool, taking
// configured overrides into account.
func (p *PermissionManager) EffectiveLevel(name string, registered Level) Level {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if lvl, ok := p.overrides[name]; ok {
		return lvl
	}
	return registered
}

// Check returns the decision for running the named tool in the given session.
// registered is the level the tool was registered with; overrides win.
//
// BLOCKED always denies. SAFE always approves. CAUTIOUS approves when the
// auto-approval policy is on or a session grant was recorded, and asks
// otherwise. DANGEROUS asks on every call; grants are never cached for it.
func (p *PermissionManager) Check(sessionID, name string, registered Level) Decision {
	level := p.EffectiveLevel(name, registered)

	switch level {
	case LevelBlocked:
		return DecisionDeny
	case LevelSafe:
		return DecisionApprove
	case LevelDangerous:
		return DecisionAsk
	}

	if p.approveCautious {
		return DecisionApprove
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if allowed, ok := p.grants[sessionID][name]; ok {
		if allowed {
			return DecisionApprove
		}
		return DecisionDeny
	}
	return DecisionAsk
}

// Record remembers the user's decision for the rest of the session. Only
// CAUTIOUS tools consult recorded grants.
func (p *PermissionManager) Record(sessionID, name string, allow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.grants[sessionID] == nil {
		p.grants[sessionID] = map[string]bool{}
	}
	p.grants[sessionID][name] = allow
}

// Forget drops all remembered grants for a session.
func (p *PermissionManager) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.grants, sessionID)
}
