package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ledgerchat/address"
	"ledgerchat/ledger"
	"ledgerchat/models"
	"ledgerchat/protocol"
)

// CreateGroup registers a new group. The wallet is always the first
// participant; duplicates are dropped while keeping first-seen order.
func (r *Repository) CreateGroup(ctx context.Context, name string, participants []address.PublicKey) (models.Group, ledger.Signature, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Group{}, ledger.Signature{}, validationError("group name is empty")
	}
	for i, p := range participants {
		if p.IsZero() {
			return models.Group{}, ledger.Signature{}, validationError("participant %d is empty", i)
		}
	}

	members := dedupParticipants(append([]address.PublicKey{r.identity}, participants...))
	createdAt := r.nowMillis()
	id := protocol.GroupID(r.identity, createdAt)
	groupAddr, _, err := address.GroupAddress(r.programID, id)
	if err != nil {
		return models.Group{}, ledger.Signature{}, fmt.Errorf("derive group address: %w", err)
	}

	sig, err := r.submit(ctx, r.groupInstruction(groupAddr, name, members))
	if err != nil {
		return models.Group{}, ledger.Signature{}, err
	}

	group := models.Group{
		Address:      groupAddr,
		ID:           id,
		Name:         name,
		Participants: members,
		CreatedAt:    createdAt,
		Creator:      r.identity,
	}
	r.log.Infow("repository: group created", "group_id", id, "participants", len(members), "signature", sig.String())
	return group, sig, nil
}

// ReplaceParticipants submits a full participant list for an existing group.
// There is no version check: the last submission wins.
func (r *Repository) ReplaceParticipants(ctx context.Context, group models.Group, participants []address.PublicKey) (ledger.Signature, error) {
	if group.ID == "" {
		return ledger.Signature{}, validationError("group id is empty")
	}
	if len(participants) == 0 {
		return ledger.Signature{}, validationError("participant list is empty")
	}
	for i, p := range participants {
		if p.IsZero() {
			return ledger.Signature{}, validationError("participant %d is empty", i)
		}
	}

	groupAddr := group.Address
	if groupAddr.IsZero() {
		var err error
		groupAddr, _, err = address.GroupAddress(r.programID, group.ID)
		if err != nil {
			return ledger.Signature{}, fmt.Errorf("%w: group id %q: %v", ErrValidation, group.ID, err)
		}
	}

	sig, err := r.submit(ctx, r.groupInstruction(groupAddr, group.ID, participants))
	if err != nil {
		return ledger.Signature{}, err
	}
	r.log.Infow("repository: group participants replaced", "group_id", group.ID, "participants", len(participants), "signature", sig.String())
	return sig, nil
}

func (r *Repository) groupInstruction(groupAddr address.PublicKey, name string, participants []address.PublicKey) ledger.Instruction {
	return ledger.Instruction{
		ProgramID: r.programID,
		Accounts: []ledger.AccountMeta{
			{PublicKey: r.identity, IsSigner: true},
			{PublicKey: groupAddr, IsWritable: true},
			{PublicKey: address.SystemProgramID},
			{PublicKey: address.RentSysvarID},
		},
		Data: protocol.EncodeInstruction(protocol.CreateGroup{Name: name, Participants: participants}),
	}
}

// GetGroup fetches one group by id.
func (r *Repository) GetGroup(ctx context.Context, id string) (models.Group, bool, error) {
	if id == "" {
		return models.Group{}, false, validationError("group id is empty")
	}
	groupAddr, _, err := address.GroupAddress(r.programID, id)
	if err != nil {
		return models.Group{}, false, fmt.Errorf("%w: group id %q: %v", ErrValidation, id, err)
	}

	data, ok, err := r.gateway.FetchAccount(ctx, groupAddr)
	if err != nil {
		return models.Group{}, false, fmt.Errorf("fetch group %s: %w", id, err)
	}
	if !ok {
		return models.Group{}, false, nil
	}

	decoded, err := protocol.DecodeGroupAccount(data)
	if err != nil {
		return models.Group{}, false, fmt.Errorf("group %s: %w", id, err)
	}
	if !decoded.IsInitialized {
		return models.Group{}, false, nil
	}
	return groupFromAccount(groupAddr, decoded), true, nil
}

// ScanGroups decodes every program account that looks like a group, with
// the same skip-and-continue handling as ScanMessages.
func (r *Repository) ScanGroups(ctx context.Context) ([]models.Group, ScanReport, error) {
	accounts, err := r.gateway.ScanProgramAccounts(ctx, GroupSizeHint)
	if err != nil {
		return nil, ScanReport{}, fmt.Errorf("scan group accounts: %w", err)
	}

	report := ScanReport{Accounts: len(accounts)}
	groups := make([]models.Group, 0)
	for _, account := range accounts {
		if len(account.Data) < protocol.MinGroupAccountSize {
			report.Filtered++
			continue
		}
		decoded, err := protocol.DecodeGroupAccount(account.Data)
		if err != nil {
			report.Skipped++
			r.log.Debugw("repository: skipped undecodable group account", "address", account.Address.String(), "error", err)
			continue
		}
		if !decoded.IsInitialized {
			report.Uninitialized++
			continue
		}
		report.Decoded++
		groups = append(groups, groupFromAccount(account.Address, decoded))
	}
	return groups, report, nil
}

// ListGroups returns every group whose participants include identity,
// newest first.
func (r *Repository) ListGroups(ctx context.Context, identity address.PublicKey) ([]models.Group, error) {
	if identity.IsZero() {
		return nil, validationError("identity is empty")
	}
	scanned, _, err := r.ScanGroups(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.Group, 0, len(scanned))
	for _, g := range scanned {
		if g.HasParticipant(identity) {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func groupFromAccount(addr address.PublicKey, account protocol.GroupAccount) models.Group {
	return models.Group{
		Address:      addr,
		ID:           account.ID,
		Name:         account.Name,
		Participants: account.Participants,
		CreatedAt:    account.CreatedAt,
		Creator:      account.Creator,
	}
}

func dedupParticipants(keys []address.PublicKey) []address.PublicKey {
	seen := make(map[address.PublicKey]struct{}, len(keys))
	out := make([]address.PublicKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
