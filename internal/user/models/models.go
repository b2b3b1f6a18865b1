// Package models defines the user-facing identity and settings records.
package models

import "time"

// ProviderClaude is the only agent provider the platform currently ships.
const ProviderClaude = "claude"

// User is one registered account.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Tier         string    `db:"tier" json:"tier"`
	IsAdmin      bool      `db:"is_admin" json:"isAdmin"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Settings is a user's per-provider agent configuration. The tool lists
// feed straight into the agent argv.
type Settings struct {
	UserID          int64     `json:"userId"`
	Provider        string    `json:"provider"`
	AllowedTools    []string  `json:"allowed_tools"`
	DisallowedTools []string  `json:"disallowed_tools"`
	SkipPermissions bool      `json:"skip_permissions"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DefaultSettings is what a user gets before ever saving settings.
func DefaultSettings(userID int64, provider string) *Settings {
	return &Settings{
		UserID:          userID,
		Provider:        provider,
		AllowedTools:    []string{},
		DisallowedTools: []string{},
		SkipPermissions: false,
	}
}

// KnownProvider reports whether the provider name is recognised.
func KnownProvider(provider string) bool {
	return provider == ProviderClaude
}
