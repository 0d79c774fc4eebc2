// Package groups enforces membership rules on top of full-list group updates.
//
// Every change is a read-modify-write against the ledger with no version
// check. Two members editing the same group concurrently can lose an update;
// the last submission wins.
package groups

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ledgerchat/address"
	"ledgerchat/ledger"
	"ledgerchat/models"
)

var (
	ErrNotFound            = errors.New("groups: group not found")
	ErrNotAuthorized       = errors.New("groups: not authorized")
	ErrAlreadyMember       = errors.New("groups: already a member")
	ErrNotMember           = errors.New("groups: not a member")
	ErrLastMemberViolation = errors.New("groups: cannot remove the last member")
)

// Store is the slice of the record repository the manager needs.
type Store interface {
	Identity() address.PublicKey
	GetGroup(ctx context.Context, id string) (models.Group, bool, error)
	ReplaceParticipants(ctx context.Context, group models.Group, participants []address.PublicKey) (ledger.Signature, error)
}

type Manager struct {
	store Store
	log   *zap.SugaredLogger
}

func NewManager(store Store, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{store: store, log: logger}
}

// AddMember appends identity to the group's participants.
func (m *Manager) AddMember(ctx context.Context, groupID string, identity address.PublicKey) (models.Group, ledger.Signature, error) {
	if identity.IsZero() {
		return models.Group{}, ledger.Signature{}, fmt.Errorf("%w: empty identity", ErrNotMember)
	}
	group, err := m.authorizedGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, ledger.Signature{}, err
	}
	if group.HasParticipant(identity) {
		return models.Group{}, ledger.Signature{}, fmt.Errorf("%w: %s in %s", ErrAlreadyMember, identity, groupID)
	}

	next := make([]address.PublicKey, 0, len(group.Participants)+1)
	next = append(next, group.Participants...)
	next = append(next, identity)
	return m.commit(ctx, group, next, "added", identity)
}

// RemoveMember drops identity from the group. Any member may be removed,
// including the creator, as long as one participant remains.
func (m *Manager) RemoveMember(ctx context.Context, groupID string, identity address.PublicKey) (models.Group, ledger.Signature, error) {
	group, err := m.authorizedGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, ledger.Signature{}, err
	}
	if !group.HasParticipant(identity) {
		return models.Group{}, ledger.Signature{}, fmt.Errorf("%w: %s in %s", ErrNotMember, identity, groupID)
	}

	next := make([]address.PublicKey, 0, len(group.Participants))
	for _, p := range group.Participants {
		if p != identity {
			next = append(next, p)
		}
	}
	if len(next) == 0 {
		return models.Group{}, ledger.Signature{}, fmt.Errorf("%w: %s", ErrLastMemberViolation, groupID)
	}
	return m.commit(ctx, group, next, "removed", identity)
}

func (m *Manager) authorizedGroup(ctx context.Context, groupID string) (models.Group, error) {
	group, ok, err := m.store.GetGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, fmt.Errorf("load group %s: %w", groupID, err)
	}
	if !ok {
		return models.Group{}, fmt.Errorf("%w: %s", ErrNotFound, groupID)
	}
	caller := m.store.Identity()
	if !group.HasParticipant(caller) {
		return models.Group{}, fmt.Errorf("%w: %s is not in %s", ErrNotAuthorized, caller, groupID)
	}
	return group, nil
}

func (m *Manager) commit(ctx context.Context, group models.Group, participants []address.PublicKey, verb string, identity address.PublicKey) (models.Group, ledger.Signature, error) {
	sig, err := m.store.ReplaceParticipants(ctx, group, participants)
	if err != nil {
		return models.Group{}, ledger.Signature{}, err
	}
	group.Participants = participants
	m.log.Infow("groups: member "+verb, "group_id", group.ID, "member", identity.String(), "participants", len(participants))
	return group, sig, nil
}
