// Package mirror defines the port for the optional write-through RDBMS copy
// of project state. JSON files on disk remain authoritative; mirror failures
// are logged and ignored, and startup always reconciles from JSON.
package mirror

import (
	"context"

	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/domain/usage"
)

// Mirror receives best-effort copies of every state and usage write.
type Mirror interface {
	// UpsertProject mirrors the full project state row.
	UpsertProject(ctx context.Context, state *project.State) error

	// InsertUsage mirrors a single usage record.
	InsertUsage(ctx context.Context, projectName string, rec usage.Record) error

	// DeleteProject removes a project's mirrored rows.
	DeleteProject(ctx context.Context, projectName string) error
}
