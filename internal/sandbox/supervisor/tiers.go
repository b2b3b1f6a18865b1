package supervisor

import (
	"time"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
)

// Tier fixes the resource envelope of one subscription level. The values
// are contractual; anything outside the table is rejected.
type Tier struct {
	Name          string
	NanoCPUs      int64
	MemoryBytes   int64
	DiskBytes     int64
	PidsLimit     int64
	IdleTimeout   time.Duration
	MaxContainers int
}

const (
	gib         = int64(1) << 30
	nanoPerCore = int64(1e9)
)

var tierTable = map[string]Tier{
	"free": {
		Name:          "free",
		NanoCPUs:      nanoPerCore / 2,
		MemoryBytes:   1 * gib,
		DiskBytes:     5 * gib,
		PidsLimit:     100,
		IdleTimeout:   30 * time.Minute,
		MaxContainers: 1,
	},
	"pro": {
		Name:          "pro",
		NanoCPUs:      2 * nanoPerCore,
		MemoryBytes:   4 * gib,
		DiskBytes:     20 * gib,
		PidsLimit:     500,
		IdleTimeout:   60 * time.Minute,
		MaxContainers: 3,
	},
	"enterprise": {
		Name:          "enterprise",
		NanoCPUs:      4 * nanoPerCore,
		MemoryBytes:   8 * gib,
		DiskBytes:     50 * gib,
		PidsLimit:     1000,
		IdleTimeout:   120 * time.Minute,
		MaxContainers: 10,
	},
}

// TierFor resolves a tier name, rejecting anything outside the fixed table.
func TierFor(name string) (Tier, error) {
	tier, ok := tierTable[name]
	if !ok {
		return Tier{}, apperrors.UnknownTier(name)
	}
	return tier, nil
}

// DefaultTier is assigned to users registering without an explicit tier.
const DefaultTier = "free"
