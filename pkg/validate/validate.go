// Package validate enforces the structural invariants of the channel
// directory: the parent relation stays acyclic and no membership is made
// redundant by a membership on an ancestor.
//
// The graph functions (CheckParentEdge, CheckRedundancy, IsAdmin) are pure and
// run inside directory transactions. The Validator runs offline over a full
// snapshot and reports findings, with optional repairs.
package validate

import (
	"fmt"
	"sort"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// Category classifies the type of finding.
type Category int

const (
	CatCycle              Category = iota // Channel sits on a parent cycle
	CatDanglingParent                     // Parent id does not exist
	CatDanglingMembership                 // Membership on a missing channel
	CatRedundantMembership                // Covered by an ancestor membership
	CatNoAdmin                            // Root channel nobody administers
)

func (c Category) String() string {
	switch c {
	case CatCycle:
		return "cycle"
	case CatDanglingParent:
		return "dangling-parent"
	case CatDanglingMembership:
		return "dangling-membership"
	case CatRedundantMembership:
		return "redundant-membership"
	case CatNoAdmin:
		return "no-admin"
	default:
		return "unknown"
	}
}

// Severity indicates how serious a finding is.
type Severity int

const (
	SevError   Severity = iota // Breaks an invariant
	SevWarning                 // Should be reviewed
	SevInfo                    // Informational only
)

func (s Severity) String() string {
	switch s {
	case SevError:
		return "error"
	case SevWarning:
		return "warning"
	case SevInfo:
		return "info"
	default:
		return "unknown"
	}
}

// Finding represents a single invariant violation in a snapshot.
type Finding struct {
	ID          string           `json:"id"`
	Category    Category         `json:"category"`
	Severity    Severity         `json:"severity"`
	ChannelID   chandb.ChannelID `json:"channel_id"`
	UserID      chandb.UserID    `json:"user_id,omitempty"`
	Description string           `json:"description"`
	Fixable     bool             `json:"fixable"`
	Fixed       bool             `json:"fixed"`
	repair      func(tx chandb.Tx) error
}

// Checker is the interface that each validation check implements.
type Checker interface {
	Name() string
	Check(snap chandb.Snapshot) []Finding
}

// Validator orchestrates running all checkers against a snapshot.
type Validator struct {
	checkers []Checker
	snap     chandb.Snapshot
	findings []Finding
}

// New creates a Validator with all built-in checkers registered.
func New(snap chandb.Snapshot) *Validator {
	return &Validator{
		snap: snap,
		checkers: []Checker{
			&IntegrityChecker{},
			&RedundancyChecker{},
		},
	}
}

// Run executes all checkers and returns findings sorted by channel then user.
func (v *Validator) Run() []Finding {
	v.findings = nil
	for _, c := range v.checkers {
		v.findings = append(v.findings, c.Check(v.snap)...)
	}
	sort.SliceStable(v.findings, func(i, j int) bool {
		if v.findings[i].ChannelID != v.findings[j].ChannelID {
			return v.findings[i].ChannelID < v.findings[j].ChannelID
		}
		return v.findings[i].UserID < v.findings[j].UserID
	})
	return v.findings
}

// Findings returns the current findings (after Run has been called).
func (v *Validator) Findings() []Finding {
	return v.findings
}

// ApplyFix repairs a single finding inside tx.
func (v *Validator) ApplyFix(tx chandb.Tx, id string) error {
	for i := range v.findings {
		f := &v.findings[i]
		if f.ID != id {
			continue
		}
		if !f.Fixable || f.repair == nil {
			return fmt.Errorf("finding %s is not fixable", id)
		}
		if f.Fixed {
			return fmt.Errorf("finding %s is already fixed", id)
		}
		if err := f.repair(tx); err != nil {
			return fmt.Errorf("fix %s: %w", id, err)
		}
		f.Fixed = true
		return nil
	}
	return fmt.Errorf("finding %s not found", id)
}

// ApplyAll repairs every fixable finding in the category and returns the
// number applied.
func (v *Validator) ApplyAll(tx chandb.Tx, cat Category) (int, error) {
	count := 0
	for i := range v.findings {
		f := &v.findings[i]
		if f.Category != cat || !f.Fixable || f.Fixed || f.repair == nil {
			continue
		}
		if err := f.repair(tx); err != nil {
			return count, fmt.Errorf("fix %s: %w", f.ID, err)
		}
		f.Fixed = true
		count++
	}
	return count, nil
}

// Summary returns counts of findings per category.
func (v *Validator) Summary() map[Category]int {
	m := make(map[Category]int)
	for _, f := range v.findings {
		m[f.Category]++
	}
	return m
}
