package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"ledgerchat/address"
	"ledgerchat/models"
)

// SaveGroups replaces the cached group list.
func (s *Store) SaveGroups(groups []models.Group) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin group snapshot: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM cached_groups`); err != nil {
		return fmt.Errorf("clear cached groups: %w", err)
	}

	cachedAt := nowUnixMilli()
	for _, g := range groups {
		if g.ID == "" {
			return errors.New("group_id is required")
		}
		if _, err := tx.Exec(
			`INSERT INTO cached_groups (group_id, address, name, creator, created_at, cached_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			g.ID,
			g.Address.String(),
			g.Name,
			g.Creator.String(),
			int64(g.CreatedAt),
			cachedAt,
		); err != nil {
			return fmt.Errorf("insert cached group %q: %w", g.ID, err)
		}
		for i, member := range g.Participants {
			if _, err := tx.Exec(
				`INSERT INTO group_members (group_id, position, member) VALUES (?, ?, ?)`,
				g.ID,
				i,
				member.String(),
			); err != nil {
				return fmt.Errorf("insert member %d of group %q: %w", i, g.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group snapshot: %w", err)
	}
	return nil
}

// GetGroup returns one cached group with its participants in stored order.
func (s *Store) GetGroup(id string) (models.Group, error) {
	row := s.db.QueryRow(
		`SELECT group_id, address, name, creator, created_at FROM cached_groups WHERE group_id = ?`,
		id,
	)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrNotFound
	}
	if err != nil {
		return models.Group{}, fmt.Errorf("get cached group %q: %w", id, err)
	}
	if group.Participants, err = s.groupMembers(id); err != nil {
		return models.Group{}, err
	}
	return group, nil
}

// ListGroups returns cached groups, newest first.
func (s *Store) ListGroups() ([]models.Group, error) {
	rows, err := s.db.Query(
		`SELECT group_id, address, name, creator, created_at
		FROM cached_groups
		ORDER BY created_at DESC, group_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list cached groups: %w", err)
	}

	groups := make([]models.Group, 0)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan cached group row: %w", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate cached group rows: %w", err)
	}
	_ = rows.Close()

	for i := range groups {
		members, err := s.groupMembers(groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Participants = members
	}
	return groups, nil
}

func (s *Store) groupMembers(id string) ([]address.PublicKey, error) {
	rows, err := s.db.Query(
		`SELECT member FROM group_members WHERE group_id = ? ORDER BY position ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("get members of group %q: %w", id, err)
	}
	defer rows.Close()

	var members []address.PublicKey
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		key, err := parseKey("member", text)
		if err != nil {
			return nil, err
		}
		members = append(members, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}
	return members, nil
}

func scanGroup(scanner rowScanner) (models.Group, error) {
	var (
		g             models.Group
		addr, creator string
		createdAt     int64
	)
	if err := scanner.Scan(&g.ID, &addr, &g.Name, &creator, &createdAt); err != nil {
		return models.Group{}, err
	}
	var err error
	if g.Address, err = parseKey("address", addr); err != nil {
		return models.Group{}, err
	}
	if g.Creator, err = parseKey("creator", creator); err != nil {
		return models.Group{}, err
	}
	g.CreatedAt = uint64(createdAt)
	return g, nil
}
