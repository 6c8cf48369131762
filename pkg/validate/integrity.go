package validate

import (
	"fmt"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// IntegrityChecker checks referential integrity and acyclicity of a snapshot.
type IntegrityChecker struct{}

func (c *IntegrityChecker) Name() string { return "integrity" }

func (c *IntegrityChecker) Check(snap chandb.Snapshot) []Finding {
	var findings []Finding
	seq := 0
	mkID := func() string {
		id := fmt.Sprintf("integrity-%d", seq)
		seq++
		return id
	}

	byID := make(map[chandb.ChannelID]chandb.Channel, len(snap.Channels))
	for _, ch := range snap.Channels {
		byID[ch.ID] = ch
	}

	for _, ch := range snap.Channels {
		if ch.IsRoot() {
			continue
		}
		if _, ok := byID[ch.ParentID]; !ok {
			ch := ch
			findings = append(findings, Finding{
				ID:          mkID(),
				Category:    CatDanglingParent,
				Severity:    SevError,
				ChannelID:   ch.ID,
				Description: fmt.Sprintf("%s parent %s does not exist", ch.ID, ch.ParentID),
				Fixable:     true,
				repair: func(tx chandb.Tx) error {
					ch.ParentID = chandb.NoChannel
					return tx.PutChannel(ch)
				},
			})
		}
	}

	g := GraphFromSnapshot(snap)
	for _, id := range g.CycleMembers() {
		findings = append(findings, Finding{
			ID:          mkID(),
			Category:    CatCycle,
			Severity:    SevError,
			ChannelID:   id,
			Description: fmt.Sprintf("%s is on a parent cycle", id),
		})
	}

	admins := make(map[chandb.ChannelID]bool)
	for _, m := range snap.Memberships {
		if _, ok := byID[m.ChannelID]; !ok {
			m := m
			findings = append(findings, Finding{
				ID:          mkID(),
				Category:    CatDanglingMembership,
				Severity:    SevError,
				ChannelID:   m.ChannelID,
				UserID:      m.UserID,
				Description: fmt.Sprintf("%s has a %s record on missing channel %s", m.UserID, m.State, m.ChannelID),
				Fixable:     true,
				repair: func(tx chandb.Tx) error {
					return tx.DeleteMembership(m.UserID, m.ChannelID)
				},
			})
			continue
		}
		if m.IsMember() && m.Admin {
			admins[m.ChannelID] = true
		}
	}

	for _, ch := range snap.Channels {
		if ch.IsRoot() && !admins[ch.ID] {
			findings = append(findings, Finding{
				ID:          mkID(),
				Category:    CatNoAdmin,
				Severity:    SevWarning,
				ChannelID:   ch.ID,
				Description: fmt.Sprintf("root channel %s (%q) has no admin member", ch.ID, ch.Name),
			})
		}
	}
	return findings
}

// RedundancyChecker reports memberships covered by a membership of the same
// user on an ancestor channel.
type RedundancyChecker struct{}

func (c *RedundancyChecker) Name() string { return "redundancy" }

func (c *RedundancyChecker) Check(snap chandb.Snapshot) []Finding {
	var findings []Finding
	g := GraphFromSnapshot(snap)
	seq := 0
	for _, m := range snap.Memberships {
		if !g.Has(m.ChannelID) {
			continue
		}
		cover, ok, _ := CoveringMembership(g, m.UserID, m.ChannelID, m.Admin)
		if !ok {
			continue
		}
		m := m
		findings = append(findings, Finding{
			ID:        fmt.Sprintf("redundancy-%d", seq),
			Category:  CatRedundantMembership,
			Severity:  SevWarning,
			ChannelID: m.ChannelID,
			UserID:    m.UserID,
			Description: fmt.Sprintf("%s %s record on %s is covered by membership on %s",
				m.UserID, m.State, m.ChannelID, cover.ChannelID),
			Fixable: true,
			repair: func(tx chandb.Tx) error {
				return tx.DeleteMembership(m.UserID, m.ChannelID)
			},
		})
		seq++
	}
	return findings
}
