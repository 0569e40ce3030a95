package store

import (
	"encoding/json"

	"gorm.io/gorm"
)

// ChannelRecord is the persisted row backing one ephemeral channel. Admin
// and ban lists are stored JSON-encoded, one row per channel per guild.
type ChannelRecord struct {
	gorm.Model
	GuildID   string `gorm:"uniqueIndex:idx_guild_channel;not null"`
	ChannelID string `gorm:"uniqueIndex:idx_guild_channel;not null"`
	AdminList string `gorm:"not null;default:'[]'"`
	BanList   string `gorm:"not null;default:'[]'"`
	Claimable bool   `gorm:"not null;default:false"`
	LastOwner string `gorm:"default:''"`
}

// Record is the decoded view handed to callers.
type Record struct {
	GuildID   string
	ChannelID string
	Admins    []string
	Bans      []string
	Claimable bool
	LastOwner string
}

func (r *ChannelRecord) decode() (Record, error) {
	rec := Record{
		GuildID:   r.GuildID,
		ChannelID: r.ChannelID,
		Claimable: r.Claimable,
		LastOwner: r.LastOwner,
	}
	if err := json.Unmarshal([]byte(r.AdminList), &rec.Admins); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(r.BanList), &rec.Bans); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func encodeList(users []string) string {
	if users == nil {
		users = []string{}
	}
	data, _ := json.Marshal(users)
	return string(data)
}

func decodeList(data string) []string {
	var users []string
	if err := json.Unmarshal([]byte(data), &users); err != nil {
		return []string{}
	}
	return users
}

// IsAdmin reports whether userID appears in the record's admin set.
func (r Record) IsAdmin(userID string) bool {
	for _, u := range r.Admins {
		if u == userID {
			return true
		}
	}
	return false
}

// IsBanned reports whether userID appears in the record's ban set.
func (r Record) IsBanned(userID string) bool {
	for _, u := range r.Bans {
		if u == userID {
			return true
		}
	}
	return false
}
