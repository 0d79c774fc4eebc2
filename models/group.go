package models

import (
	"ledgerchat/address"
)

// Group represents a group chat and its current membership.
type Group struct {
	Address      address.PublicKey   `json:"address"`
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Participants []address.PublicKey `json:"participants"`
	CreatedAt    uint64              `json:"created_at"`
	Creator      address.PublicKey   `json:"creator"`
}

func (g Group) HasParticipant(identity address.PublicKey) bool {
	for _, p := range g.Participants {
		if p == identity {
			return true
		}
	}
	return false
}
