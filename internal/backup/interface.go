// Package backup coordinates backup sessions on top of the backup
// hierarchy: choosing the active set, streaming payloads into it and
// reading them back for restore.
package backup

import (
	"context"

	"github.com/imedwei/docprovider-backup/internal/config"
)

// Settings persists the active backup-set token.
type Settings interface {
	// ActiveToken returns the active token, or zero if none was set.
	ActiveToken(ctx context.Context) (uint64, error)

	// SetActiveToken persists token as the active set.
	SetActiveToken(ctx context.Context, token uint64) error
}

// Relocator switches the storage location.
type Relocator interface {
	// Change points storage at cfg and marks the location as changed.
	Change(ctx context.Context, cfg *config.Config) error
}

// PayloadType identifies the directory a payload belongs to.
type PayloadType string

const (
	// PayloadKV is a key-value backup payload.
	PayloadKV PayloadType = "kv"
	// PayloadFull is a full backup payload.
	PayloadFull PayloadType = "full"
)
