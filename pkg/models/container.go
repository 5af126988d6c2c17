package models

import (
	"math/big"
	"time"
)

// ContainerType identifies what kind of vessel (or sink/source) a container is.
type ContainerType string

const (
	TypeTank        ContainerType = "tank"
	TypeBarrel      ContainerType = "barrel"
	TypeBottle      ContainerType = "bottle"
	TypeLoss        ContainerType = "loss"
	TypeGain        ContainerType = "gain"
	TypeWeighTag    ContainerType = "weighTag"
	TypeBarrelGroup ContainerType = "barrel-group"
)

// ValidContainerType reports whether t is a member of the closed type set.
func ValidContainerType(t ContainerType) bool {
	switch t {
	case TypeTank, TypeBarrel, TypeBottle, TypeLoss, TypeGain, TypeWeighTag, TypeBarrelGroup:
		return true
	}
	return false
}

// Container is a physical or virtual vessel. Created once, never mutated;
// its contents live in the chain of ContainerStates.
type Container struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenantId"`
	Name      string        `json:"name"`
	Type      ContainerType `json:"type"`
	Capacity  *big.Int      `json:"capacity,omitempty"` // h-units, advisory
	CreatedAt time.Time     `json:"createdAt"`
}

// IsLoss reports whether the container is a loss sink. Flows into a loss
// container carry physical and cost attributes but skip value.
func (c *Container) IsLoss() bool { return c.Type == TypeLoss }

// IsGain reports whether the container is a gain source/sink. Flows into a
// gain container carry physical and value attributes but skip cost.
func (c *Container) IsGain() bool { return c.Type == TypeGain }

// IsGroup reports whether the container is a barrel-group virtualization.
func (c *Container) IsGroup() bool { return c.Type == TypeBarrelGroup }

// IsWeighTag reports whether the container is a weigh tag (pound-denominated).
func (c *Container) IsWeighTag() bool { return c.Type == TypeWeighTag }

// ContainerState is an immutable snapshot of a container's contents at a
// point in time. Exactly one state per container is the head (CURRENT_STATE);
// historical states form a DAG via flow edges and are never garbage-collected.
type ContainerState struct {
	ID          string                `json:"id"`
	ContainerID string                `json:"containerId"`
	Composition QuantifiedComposition `json:"composition"`
	Timestamp   time.Time             `json:"timestamp"`
	IsHead      bool                  `json:"isHead"`

	// SnapshotMembers holds the member barrel container ids materialized onto
	// a barrel-group state at commit time. Nil for non-group states.
	SnapshotMembers []string `json:"snapshotMembers,omitempty"`
}

// FlowEdge is a directed, signed-quantity link between two states, created by
// exactly one operation. Its properties form a composition whose qty matches
// the declared flow quantity; qty may be negative (pre-gain / post-loss
// corrections within a single operation).
type FlowEdge struct {
	FromStateID string                `json:"fromStateId"`
	ToStateID   string                `json:"toStateId"`
	Properties  QuantifiedComposition `json:"properties"`
}

// OperationType is the closed set of cellar transformations.
type OperationType string

const (
	OpTransfer   OperationType = "transfer"
	OpBlend      OperationType = "blend"
	OpBottle     OperationType = "bottle"
	OpLoss       OperationType = "loss"
	OpAdjustment OperationType = "adjustment"
	OpPress      OperationType = "press"
	OpTopping    OperationType = "topping"
	OpGain       OperationType = "gain"
)

// ValidOperationType reports whether t is a member of the closed op-type set.
func ValidOperationType(t OperationType) bool {
	switch t {
	case OpTransfer, OpBlend, OpBottle, OpLoss, OpAdjustment, OpPress, OpTopping, OpGain:
		return true
	}
	return false
}

// WineryOperation is the transactional unit: the input states it consumed,
// the output states it produced, and the signed flow edges connecting them.
// A committed operation has passed the full invariant battery.
type WineryOperation struct {
	ID          string        `json:"id"`
	Type        OperationType `json:"type"`
	TenantID    string        `json:"tenantId"`
	CreatedAt   time.Time     `json:"createdAt"`
	Description string        `json:"description,omitempty"`

	InputStates  []*ContainerState `json:"inputStates"`
	OutputStates []*ContainerState `json:"outputStates"`
	Flows        []*FlowEdge       `json:"flows"`
}

// InputByID returns the input state with the given id, or nil.
func (op *WineryOperation) InputByID(id string) *ContainerState {
	for _, s := range op.InputStates {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// OutputByContainer returns the output state for a container, or nil.
func (op *WineryOperation) OutputByContainer(containerID string) *ContainerState {
	for _, s := range op.OutputStates {
		if s.ContainerID == containerID {
			return s
		}
	}
	return nil
}
