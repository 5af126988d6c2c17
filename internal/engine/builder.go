package engine

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/rawblock/cellar-engine/internal/composition"
	"github.com/rawblock/cellar-engine/pkg/models"
)

// The operation builder turns a request plus its resolved input states into a
// fully-populated operation: output state shells, signed flow edges with
// exact compositions, and output compositions blended from inflows.
//
// Build order per input state: explicit flows in declaration order, then the
// auto-balance remainder flow. That order is also the share order handed to
// Distribute, which fixes the largest-remainder tie-break deterministically.

type builder struct {
	req        *models.OperationRequest
	containers map[string]*models.Container
	op         *models.WineryOperation

	inputByID map[string]*models.ContainerState

	shells     map[string]*models.ContainerState // output shell per container id
	shellOrder []string

	flows         []*models.FlowEdge
	flowsBySource map[string][]*models.FlowEdge
	destByFlow    map[*models.FlowEdge]*models.Container
}

// buildOperation dispatches to the press-specific or the standard sub-builder
// and returns the populated operation. containers must hold every container
// referenced by the request; inputs are the resolved input states (loaded
// heads followed by materialized synthetic sources) in request order.
func buildOperation(req *models.OperationRequest, containers map[string]*models.Container, inputs []*models.ContainerState) (*models.WineryOperation, *models.CommitError) {
	b := &builder{
		req:        req,
		containers: containers,
		op: &models.WineryOperation{
			ID:          req.ID,
			Type:        req.Type,
			TenantID:    req.TenantID,
			CreatedAt:   req.Timestamp,
			Description: req.Description,
			InputStates: inputs,
		},
		inputByID:     make(map[string]*models.ContainerState, len(inputs)),
		shells:        make(map[string]*models.ContainerState),
		flowsBySource: make(map[string][]*models.FlowEdge),
		destByFlow:    make(map[*models.FlowEdge]*models.Container),
	}
	for _, s := range inputs {
		b.inputByID[s.ID] = s
	}

	var err *models.CommitError
	if req.Type == models.OpPress {
		err = b.buildPress()
	} else {
		err = b.buildStandard()
	}
	if err != nil {
		return nil, err
	}
	if err := b.assignOutputCompositions(); err != nil {
		return nil, err
	}

	b.op.Flows = b.flows
	for _, cid := range b.shellOrder {
		b.op.OutputStates = append(b.op.OutputStates, b.shells[cid])
	}
	return b.op, nil
}

// buildStandard implements the common path shared by transfer, blend, bottle,
// topping, loss, adjustment, and gain operations.
func (b *builder) buildStandard() *models.CommitError {
	// One shell per input container, inheriting the input unit.
	for _, s := range b.op.InputStates {
		b.ensureShell(s.ContainerID, s.Composition.Unit)
	}

	// Explicit flows, in declaration order.
	for i, fq := range b.req.FlowQuantities {
		src, ok := b.inputByID[fq.FromStateID]
		if !ok {
			return validationError(models.Violation{
				Code:   models.ViolationInvalidFlowReference,
				Detail: fmt.Sprintf("flow %d references unknown input state %s", i, fq.FromStateID),
			})
		}
		unit := fq.Unit
		if unit == "" {
			unit = src.Composition.Unit
		}
		if unit != src.Composition.Unit {
			return validationError(models.Violation{
				Code:    models.ViolationQuantityNotConserved,
				StateID: src.ID,
				Detail:  fmt.Sprintf("flow %d declares unit %s but source state is %s; only a press may cross units", i, unit, src.Composition.Unit),
			})
		}
		shell, cerr := b.shellFor(fq.ToContainerID, unit)
		if cerr != nil {
			return cerr
		}
		b.emitFlow(src, shell, fq.Qty, unit)
	}

	// Auto-balance remainder flows.
	for _, s := range b.op.InputStates {
		if cerr := b.emitRemainder(s); cerr != nil {
			return cerr
		}
	}

	// Per-flow compositions via largest-remainder distribution.
	for _, s := range b.op.InputStates {
		if cerr := b.distributeSource(s); cerr != nil {
			return cerr
		}
	}
	return nil
}

// emitRemainder adds the self-container flow that balances an input state:
// remainder = state qty − consumed, where consumed is the inputConsumption
// override if present, else the sum of the state's explicit flows. A zero
// remainder emits nothing; a negative remainder is a request error.
func (b *builder) emitRemainder(s *models.ContainerState) *models.CommitError {
	consumed := b.consumedQty(s)
	remainder := new(big.Int).Sub(s.Composition.Qty, consumed)
	if remainder.Sign() < 0 {
		return validationError(models.Violation{
			Code:    models.ViolationQuantityNotConserved,
			StateID: s.ID,
			Detail:  fmt.Sprintf("declared flows consume %s of a %s %s state", consumed, s.Composition.Qty, s.Composition.Unit),
		})
	}
	if remainder.Sign() == 0 {
		return nil
	}
	shell := b.shells[s.ContainerID]
	b.emitFlow(s, shell, remainder, s.Composition.Unit)
	return nil
}

func (b *builder) consumedQty(s *models.ContainerState) *big.Int {
	if override, ok := b.req.ConsumptionFor(s.ID); ok {
		return override
	}
	sum := new(big.Int)
	for _, f := range b.flowsBySource[s.ID] {
		sum.Add(sum, f.Properties.Qty)
	}
	return sum
}

// distributeSource assigns compositions to every flow out of s, partitioning
// the source composition across the flows by their signed quantities with
// per-destination attribute acceptance.
func (b *builder) distributeSource(s *models.ContainerState) *models.CommitError {
	flows := b.flowsBySource[s.ID]
	if len(flows) == 0 {
		return nil
	}
	shares := make([]composition.Share, len(flows))
	for i, f := range flows {
		shares[i] = composition.Share{
			Qty:     f.Properties.Qty,
			Accepts: acceptanceFor(b.destByFlow[f]),
		}
	}
	comps, err := composition.Distribute(s.Composition, shares)
	if err != nil {
		return models.NewCommitError(models.ErrCodeInconsistentShares,
			"cannot distribute state %s: %v", s.ID, err)
	}
	for i, f := range flows {
		f.Properties = comps[i]
	}
	return nil
}

// assignOutputCompositions blends each shell's inflows into its composition.
// A shell with no inflows stays empty in its inherited unit.
func (b *builder) assignOutputCompositions() *models.CommitError {
	inflows := make(map[string][]models.QuantifiedComposition)
	for _, f := range b.flows {
		inflows[f.ToStateID] = append(inflows[f.ToStateID], f.Properties)
	}
	for _, cid := range b.shellOrder {
		shell := b.shells[cid]
		in, ok := inflows[shell.ID]
		if !ok {
			shell.Composition = models.EmptyComposition(shell.Composition.Unit)
			continue
		}
		blended, err := composition.Blend(in)
		if err != nil {
			return validationError(models.Violation{
				Code:    models.ViolationCompositionNotConserved,
				StateID: shell.ID,
				Detail:  fmt.Sprintf("cannot blend inflows of container %s: %v", cid, err),
			})
		}
		shell.Composition = blended
	}
	return nil
}

// ensureShell creates (or returns) the output shell for a container.
func (b *builder) ensureShell(containerID string, unit models.Unit) *models.ContainerState {
	if shell, ok := b.shells[containerID]; ok {
		return shell
	}
	shell := &models.ContainerState{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		Composition: models.EmptyComposition(unit),
		Timestamp:   b.op.CreatedAt,
		IsHead:      true,
	}
	b.shells[containerID] = shell
	b.shellOrder = append(b.shellOrder, containerID)
	return shell
}

// shellFor resolves a flow destination to its output shell, verifying that
// the target container is known.
func (b *builder) shellFor(containerID string, unit models.Unit) (*models.ContainerState, *models.CommitError) {
	if _, ok := b.containers[containerID]; !ok {
		return nil, models.NewCommitError(models.ErrCodeInvalidContainer,
			"flow targets unknown container %s", containerID)
	}
	return b.ensureShell(containerID, unit), nil
}

func (b *builder) emitFlow(src *models.ContainerState, shell *models.ContainerState, qty *big.Int, unit models.Unit) *models.FlowEdge {
	f := &models.FlowEdge{
		FromStateID: src.ID,
		ToStateID:   shell.ID,
		Properties: models.QuantifiedComposition{
			Qty:  new(big.Int).Set(qty),
			Unit: unit,
		},
	}
	b.flows = append(b.flows, f)
	b.flowsBySource[src.ID] = append(b.flowsBySource[src.ID], f)
	b.destByFlow[f] = b.containers[shell.ContainerID]
	return f
}

// acceptanceFor derives a destination's attribute acceptance from its
// container type: loss skips value, gain skips cost, everything else takes
// all three.
func acceptanceFor(dest *models.Container) composition.Acceptance {
	return composition.Acceptance{
		Physical: true,
		Cost:     !dest.IsGain(),
		Value:    !dest.IsLoss(),
	}
}

func validationError(violations ...models.Violation) *models.CommitError {
	return &models.CommitError{
		Code:       models.ErrCodeValidationFailed,
		Message:    "operation request failed validation",
		Violations: violations,
	}
}
