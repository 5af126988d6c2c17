package models

import (
	"math/big"
	"time"
)

// FlowQuantity declares one explicit flow of the request: a signed quantity
// from an input state into the output state of the target container. The
// output state ids do not exist until the builder runs, so the destination is
// addressed by container. FromStateID may instead name the containerId of a
// declared SourceState, whose state id is likewise generated at build time.
type FlowQuantity struct {
	FromStateID   string   `json:"fromStateId"`
	ToContainerID string   `json:"toContainerId"`
	Qty           *big.Int `json:"qty"`
	Unit          Unit     `json:"unit,omitempty"`
}

// InputConsumption overrides how much of an input state an operation
// consumes. Without an override the consumed quantity is the sum of the
// state's explicit flows (full tag quantity for press weigh tags).
type InputConsumption struct {
	StateID string   `json:"stateId"`
	Qty     *big.Int `json:"qty"`
}

// TargetFlowQuantity declares, for press operations, the gallon quantity a
// destination container should receive from the weigh-tag side.
type TargetFlowQuantity struct {
	ContainerID string   `json:"containerId"`
	Qty         *big.Int `json:"qty"`
	Unit        Unit     `json:"unit"`
}

// SourceState declares a synthetic input state for a gain or loss container:
// the physical quantity and book value entering (or re-entering) the ledger.
// The engine materializes it as a fresh state of that container and it
// participates in every invariant like a loaded head state.
type SourceState struct {
	ContainerID string                `json:"containerId"`
	Composition QuantifiedComposition `json:"composition"`
}

// OperationRequest is the wire schema for a proposed operation. All numbers
// are arbitrary-precision signed integers in h-units or cents-equivalents.
type OperationRequest struct {
	ID          string        `json:"id,omitempty"`
	Type        OperationType `json:"type"`
	TenantID    string        `json:"tenantId"`
	Timestamp   time.Time     `json:"timestamp,omitempty"`
	Description string        `json:"description,omitempty"`

	// FromContainers lists, in order, the containers whose head states are
	// the operation's inputs.
	FromContainers []string `json:"fromContainers"`

	// SourceStates declares synthetic gain/loss source inputs (see above).
	SourceStates []SourceState `json:"sourceStates,omitempty"`

	FlowQuantities       []FlowQuantity       `json:"flowQuantities"`
	InputConsumption     []InputConsumption   `json:"inputConsumption,omitempty"`
	TargetFlowQuantities []TargetFlowQuantity `json:"targetFlowQuantities,omitempty"`
}

// ConsumptionFor returns the declared consumption override for a state id.
func (r *OperationRequest) ConsumptionFor(stateID string) (*big.Int, bool) {
	for _, ic := range r.InputConsumption {
		if ic.StateID == stateID {
			return ic.Qty, true
		}
	}
	return nil, false
}
