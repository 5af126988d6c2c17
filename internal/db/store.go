package db

import (
	"context"

	"github.com/rawblock/cellar-engine/internal/engine"
	"github.com/rawblock/cellar-engine/pkg/models"
)

// Store is the full persistence surface: the engine's narrow Repository
// contract plus the administrative and read primitives the API layer uses.
// The engine core only ever sees the Repository subset.
type Store interface {
	engine.Repository

	CreateContainer(ctx context.Context, c *models.Container) error
	GetOperation(ctx context.Context, id string) (*models.WineryOperation, error)

	// History returns every state of a container (newest first) together
	// with all flow edges touching those states.
	History(ctx context.Context, containerID string) ([]*models.ContainerState, []*models.FlowEdge, error)

	AddGroupMember(ctx context.Context, groupID, barrelID string) error
	RemoveGroupMember(ctx context.Context, groupID, barrelID string) error
}
