package protocol

import (
	"strconv"

	"ledgerchat/address"
)

// groupIDCreatorPrefix is how many base58 characters of the creator key the id keeps.
const groupIDCreatorPrefix = 8

// GroupID builds the identifier of a group created by creator at createdAt
// (epoch milliseconds): group_<createdAt>_<first 8 chars of creator>.
func GroupID(creator address.PublicKey, createdAt uint64) string {
	text := creator.String()
	if len(text) > groupIDCreatorPrefix {
		text = text[:groupIDCreatorPrefix]
	}
	return "group_" + strconv.FormatUint(createdAt, 10) + "_" + text
}
