package registry

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ScopeKind tags the mutual-exclusion domain of a task.
type ScopeKind int

const (
	ScopeDevice ScopeKind = iota
	ScopeGlobal
	ScopeGroup
	ScopeRepair
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeDevice:
		return "device"
	case ScopeGlobal:
		return "global"
	case ScopeGroup:
		return "group"
	case ScopeRepair:
		return "repair"
	default:
		return "unknown"
	}
}

const (
	globalToken = "global"
	groupToken  = "group"
	repairToken = "repair"
)

// Scope is the tagged union Device(serial) | Global | Group(name) | Repair.
type Scope struct {
	Kind ScopeKind
	Name string
}

// Device scopes a task to one device.
func Device(serial string) Scope { return Scope{Kind: ScopeDevice, Name: strings.TrimSpace(serial)} }

// Global scopes a task to every device.
func Global() Scope { return Scope{Kind: ScopeGlobal} }

// Group scopes a task to a named set of devices. Groups are currently fully
// exclusive with every other non-repair scope, including other groups.
func Group(name string) Scope { return Scope{Kind: ScopeGroup, Name: strings.TrimSpace(name)} }

// Repair is the connectivity-repair scope owned by the preemption controller.
func Repair() Scope { return Scope{Kind: ScopeRepair} }

// Broad reports whether the scope spans more than one device.
func (s Scope) Broad() bool {
	return s.Kind == ScopeGlobal || s.Kind == ScopeGroup
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeDevice:
		return s.Name
	case ScopeGlobal:
		return globalToken
	case ScopeGroup:
		if s.Name == "" {
			return groupToken
		}
		return groupToken + "/" + s.Name
	case ScopeRepair:
		return repairToken
	default:
		return "unknown"
	}
}

// Conflicts reports whether tasks in scopes a and b may not run together.
// Equal scopes conflict; broad scopes conflict with everything except the
// repair scope, which ordinary starts never cancel.
func Conflicts(a, b Scope) bool {
	if a.Kind == ScopeRepair || b.Kind == ScopeRepair {
		return a == b
	}
	if a.Broad() || b.Broad() {
		return true
	}
	return a == b
}

// Key identifies one registration: a scope plus the task qualifier.
type Key struct {
	Scope Scope
	Task  string
}

// NewKey builds a key, trimming the task name.
func NewKey(scope Scope, task string) Key {
	return Key{Scope: scope, Task: strings.TrimSpace(task)}
}

// String renders the key as "<scope>:<qualifier>".
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Scope, k.Task)
}

// ParseKey parses "<scope>:<qualifier>". The split happens at the last colon
// because device serials such as "127.0.0.1:5555" contain colons themselves.
func ParseKey(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return Key{}, errors.Wrapf(ErrInvalidKey, "%q: want <scope>:<qualifier>", raw)
	}
	scopePart, task := raw[:idx], raw[idx+1:]
	switch {
	case scopePart == globalToken:
		return NewKey(Global(), task), nil
	case scopePart == groupToken:
		return NewKey(Group(""), task), nil
	case strings.HasPrefix(scopePart, groupToken+"/"):
		return NewKey(Group(strings.TrimPrefix(scopePart, groupToken+"/")), task), nil
	case scopePart == repairToken:
		return NewKey(Repair(), task), nil
	default:
		return NewKey(Device(scopePart), task), nil
	}
}
