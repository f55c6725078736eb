// Package action validates and tracks what happens to a message after it is delivered.
package action

import (
	"strings"

	"github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// Action is the post-processing state of a message.
type Action string

const (
	None     Action = "NONE"
	Flagged  Action = "FLAGGED"
	Seen     Action = "SEEN"
	Answered Action = "ANSWERED"
	Delete   Action = "DELETE"
	Move     Action = "MOVE"
)

// Store kinds.
const (
	StoreIMAP = "imap"
	StorePOP3 = "pop3"
)

var known = map[Action]bool{None: true, Flagged: true, Seen: true, Answered: true, Delete: true, Move: true}

// Parse reads an action name, case-insensitively. Blank means NONE.
func Parse(s string) (Action, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return None, nil
	}
	a := Action(s)
	if !known[a] {
		return "", mailerr.Configurationf("unknown action %q, expected one of NONE, FLAGGED, SEEN, ANSWERED, DELETE, MOVE", s)
	}
	return a, nil
}

// Flag is the IMAP system flag the action sets, if any.
func (a Action) Flag() (imap.Flag, bool) {
	switch a {
	case Flagged:
		return imap.FlagFlagged, true
	case Seen:
		return imap.FlagSeen, true
	case Answered:
		return imap.FlagAnswered, true
	case Delete:
		return imap.FlagDeleted, true
	default:
		return "", false
	}
}

// Policy is a validated action for one source.
type Policy struct {
	Action Action
	Store  string
	Folder string
	Target string
}

// NewPolicy validates action against the store type and folders. Harmless
// oddities are logged instead of rejected.
func NewPolicy(store string, a Action, folder, target string, logger *zap.Logger) (Policy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store = strings.ToLower(strings.TrimSpace(store))
	target = strings.TrimSpace(target)
	p := Policy{Action: a, Store: store, Folder: folder}

	switch store {
	case StorePOP3:
		if a != Delete {
			return Policy{}, mailerr.Configurationf("action %s is not supported by pop3, only DELETE is", a)
		}
	case StoreIMAP:
	default:
		return Policy{}, mailerr.Configurationf("unknown store %q, expected imap or pop3", store)
	}

	if a != Move {
		if target != "" {
			logger.Warn("folder.to.move ignored because the action is not MOVE",
				zap.String("action", string(a)), zap.String("folder_to_move", target))
		}
		return p, nil
	}
	if target == "" {
		return Policy{}, mailerr.Configurationf("action MOVE requires folder.to.move")
	}
	if strings.EqualFold(target, folder) {
		logger.Warn("folder.to.move equals the polled folder, messages will stay in place",
			zap.String("folder", folder))
	}
	p.Target = target
	return p, nil
}

// NoOp reports whether applying the policy leaves messages untouched.
func (p Policy) NoOp() bool {
	return p.Action == None || (p.Action == Move && strings.EqualFold(p.Target, p.Folder))
}

// Exclude is the flag whose presence means a message was already handled.
// Enumeration skips such messages on later cycles.
func (p Policy) Exclude() (imap.Flag, bool) {
	if p.Store != StoreIMAP {
		return "", false
	}
	switch p.Action {
	case Flagged, Seen, Answered, Delete:
		return p.Action.Flag()
	default:
		return "", false
	}
}

// Mutator applies actions to messages in the open folder, addressed by id.
type Mutator interface {
	SetFlag(id string, flag imap.Flag) error
	Delete(id string) error
	Move(id, target string) error
}

// Tracker records which messages reached a terminal state this cycle.
// A message is acted on at most once per cycle.
type Tracker struct {
	policy Policy
	done   map[string]Action
}

// NewTracker starts a cycle.
func NewTracker(p Policy) *Tracker {
	return &Tracker{policy: p, done: make(map[string]Action)}
}

// Apply moves id to its terminal state. A repeat call for the same id is a
// no-op; the returned bool tells whether anything changed.
func (t *Tracker) Apply(m Mutator, id string) (bool, error) {
	if _, ok := t.done[id]; ok {
		return false, nil
	}
	var err error
	switch {
	case t.policy.NoOp():
	case t.policy.Action == Delete:
		err = m.Delete(id)
	case t.policy.Action == Move:
		err = m.Move(id, t.policy.Target)
	default:
		flag, _ := t.policy.Action.Flag()
		err = m.SetFlag(id, flag)
	}
	if err != nil {
		return false, err
	}
	t.done[id] = t.policy.Action
	return !t.policy.NoOp(), nil
}

// Done is the number of messages that reached a terminal state.
func (t *Tracker) Done() int { return len(t.done) }

// State returns the terminal state recorded for id, or NONE.
func (t *Tracker) State(id string) Action {
	if a, ok := t.done[id]; ok {
		return a
	}
	return None
}
