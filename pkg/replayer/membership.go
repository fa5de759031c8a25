package replayer

import (
	"sync"

	"github.com/fr3shw3b/flowsession/pkg/session"
)

type NetworkType string

const (
	NetworkTypeCorda4 NetworkType = "CORDA_4"
	NetworkTypeCorda5 NetworkType = "CORDA_5"
)

// MemberInfo describes how a counterparty can be reached.
type MemberInfo struct {
	Identity session.Identity
	// NodeID is the id the counterparty's link registers with.
	NodeID string
}

type GroupInfo struct {
	GroupID     string
	NetworkType NetworkType
}

// MemberLookup resolves the destination of a replay as seen by source.
// A nil result means the member is not known.
type MemberLookup interface {
	MemberInfo(source, destination session.Identity) *MemberInfo
}

// GroupLookup resolves the group policy of the sending identity.
// A nil result means the group is not known.
type GroupLookup interface {
	GroupInfo(source session.Identity) *GroupInfo
}

// Directory is an in-memory MemberLookup and GroupLookup.
type Directory struct {
	mu      sync.RWMutex
	members map[session.Identity]MemberInfo
	groups  map[string]GroupInfo
}

func NewDirectory() *Directory {
	return &Directory{
		members: map[session.Identity]MemberInfo{},
		groups:  map[string]GroupInfo{},
	}
}

func (d *Directory) AddMember(member MemberInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[member.Identity] = member
}

func (d *Directory) RemoveMember(identity session.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members, identity)
}

func (d *Directory) AddGroup(group GroupInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[group.GroupID] = group
}

// MemberInfo only resolves members of the source's own group.
func (d *Directory) MemberInfo(source, destination session.Identity) *MemberInfo {
	if source.GroupID != destination.GroupID {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	member, exists := d.members[destination]
	if !exists {
		return nil
	}
	return &member
}

func (d *Directory) GroupInfo(source session.Identity) *GroupInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	group, exists := d.groups[source.GroupID]
	if !exists {
		return nil
	}
	return &group
}
