package engine

import (
	"fmt"
	"math/big"

	"github.com/rawblock/cellar-engine/internal/composition"
	"github.com/rawblock/cellar-engine/pkg/models"
)

// The press path crosses units: weigh-tag inputs are pounds, press outputs
// are gallons. Non-weigh-tag inputs (topping wine, prior press fractions in
// tanks) follow the standard path unchanged. For the weigh-tag side, the
// declared gallon targets are integer-split across the tags by consumed
// weight, and each tag's composition is assigned in two phases: a pound-side
// split into consumed and remainder, then a scale of the consumed part into
// gallons distributed over the explicit flows. The original fruit mass
// survives as the effectivePounds attribute.

func (b *builder) buildPress() *models.CommitError {
	var tags, standard []*models.ContainerState
	for _, s := range b.op.InputStates {
		if b.containers[s.ContainerID].IsWeighTag() {
			tags = append(tags, s)
		} else {
			standard = append(standard, s)
		}
	}

	for _, s := range b.op.InputStates {
		b.ensureShell(s.ContainerID, s.Composition.Unit)
	}

	// Non-weigh-tag explicit flows, standard semantics.
	for i, fq := range b.req.FlowQuantities {
		src, ok := b.inputByID[fq.FromStateID]
		if !ok {
			return validationError(models.Violation{
				Code:   models.ViolationInvalidFlowReference,
				Detail: fmt.Sprintf("flow %d references unknown input state %s", i, fq.FromStateID),
			})
		}
		if b.containers[src.ContainerID].IsWeighTag() {
			continue // weigh-tag flows are re-derived below
		}
		unit := fq.Unit
		if unit == "" {
			unit = src.Composition.Unit
		}
		shell, cerr := b.shellFor(fq.ToContainerID, unit)
		if cerr != nil {
			return cerr
		}
		b.emitFlow(src, shell, fq.Qty, unit)
	}

	// Consumed weight per tag: override, or the full tag quantity.
	consumed := make(map[string]*big.Int, len(tags))
	weights := make([]*big.Int, len(tags))
	for i, tag := range tags {
		c, ok := b.req.ConsumptionFor(tag.ID)
		if !ok {
			c = tag.Composition.Qty
		}
		consumed[tag.ID] = c
		weights[i] = c
	}

	// Per-output gallon targets: declared targets win, otherwise the summed
	// gallon flows per destination.
	targets, cerr := b.pressTargets(tags)
	if cerr != nil {
		return cerr
	}

	// Split each target across the tags by consumed weight.
	for _, t := range targets {
		shell, cerr := b.shellFor(t.containerID, models.UnitGallons)
		if cerr != nil {
			return cerr
		}
		splits, err := composition.IntegerSplit(t.qty, weights)
		if err != nil {
			return models.NewCommitError(models.ErrCodeInconsistentShares,
				"cannot split %s gal across weigh tags: %v", t.qty, err)
		}
		for i, tag := range tags {
			if splits[i].Sign() != 0 {
				b.emitFlow(tag, shell, splits[i], models.UnitGallons)
			}
		}
	}

	// Remainder flows: unconsumed weight stays on the tag, in pounds.
	for _, tag := range tags {
		remainder := new(big.Int).Sub(tag.Composition.Qty, consumed[tag.ID])
		if remainder.Sign() < 0 {
			return validationError(models.Violation{
				Code:    models.ViolationQuantityNotConserved,
				StateID: tag.ID,
				Detail:  fmt.Sprintf("consumption %s exceeds tag quantity %s", consumed[tag.ID], tag.Composition.Qty),
			})
		}
		if remainder.Sign() > 0 {
			b.emitFlow(tag, b.shells[tag.ContainerID], remainder, tag.Composition.Unit)
		}
	}

	// Standard remainder + distribution for the non-weigh-tag inputs.
	for _, s := range standard {
		if cerr := b.emitRemainder(s); cerr != nil {
			return cerr
		}
	}
	for _, s := range standard {
		if cerr := b.distributeSource(s); cerr != nil {
			return cerr
		}
	}

	// Two-phase composition assignment for each tag.
	for _, tag := range tags {
		if cerr := b.distributeTag(tag, consumed[tag.ID]); cerr != nil {
			return cerr
		}
	}
	return nil
}

type pressTarget struct {
	containerID string
	qty         *big.Int
}

// pressTargets resolves the gallon quantity each destination receives from
// the weigh-tag side.
func (b *builder) pressTargets(tags []*models.ContainerState) ([]pressTarget, *models.CommitError) {
	if len(b.req.TargetFlowQuantities) > 0 {
		targets := make([]pressTarget, 0, len(b.req.TargetFlowQuantities))
		for _, t := range b.req.TargetFlowQuantities {
			if t.Unit != "" && t.Unit != models.UnitGallons {
				return nil, validationError(models.Violation{
					Code:   models.ViolationQuantityNotConserved,
					Detail: fmt.Sprintf("press target for container %s must be in gallons, got %s", t.ContainerID, t.Unit),
				})
			}
			targets = append(targets, pressTarget{containerID: t.ContainerID, qty: t.Qty})
		}
		return targets, nil
	}

	tagIDs := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tagIDs[tag.ID] = true
	}
	var order []string
	sums := make(map[string]*big.Int)
	for _, fq := range b.req.FlowQuantities {
		if !tagIDs[fq.FromStateID] {
			continue
		}
		sum, ok := sums[fq.ToContainerID]
		if !ok {
			sum = new(big.Int)
			sums[fq.ToContainerID] = sum
			order = append(order, fq.ToContainerID)
		}
		sum.Add(sum, fq.Qty)
	}
	targets := make([]pressTarget, 0, len(order))
	for _, cid := range order {
		targets = append(targets, pressTarget{containerID: cid, qty: sums[cid]})
	}
	return targets, nil
}

// distributeTag assigns compositions to a weigh tag's flows. Phase one splits
// the pound-side composition into consumed and remainder; phase two scales
// the consumed part (with effectivePounds injected) to the gallon total and
// distributes it over the explicit flows.
func (b *builder) distributeTag(tag *models.ContainerState, consumedQty *big.Int) *models.CommitError {
	var galFlows []*models.FlowEdge
	var remainderFlow *models.FlowEdge
	for _, f := range b.flowsBySource[tag.ID] {
		if f.Properties.Unit == tag.Composition.Unit {
			remainderFlow = f
		} else {
			galFlows = append(galFlows, f)
		}
	}

	consumedComp := tag.Composition.Clone()
	if remainderFlow != nil {
		remainder := remainderFlow.Properties.Qty
		comps, err := composition.Distribute(tag.Composition, []composition.Share{
			{Qty: consumedQty, Accepts: composition.AcceptAll},
			{Qty: remainder, Accepts: composition.AcceptAll},
		})
		if err != nil {
			return models.NewCommitError(models.ErrCodeInconsistentShares,
				"cannot split weigh tag %s into consumed and remainder: %v", tag.ID, err)
		}
		consumedComp = comps[0]
		remainderFlow.Properties = comps[1]
	}

	if len(galFlows) == 0 {
		return nil
	}

	if _, ok := consumedComp.Attributes[models.AttrEffectivePounds]; !ok {
		consumedComp.SetAttr(models.AttrEffectivePounds, tag.Composition.Qty)
	}

	galTotal := new(big.Int)
	for _, f := range galFlows {
		galTotal.Add(galTotal, f.Properties.Qty)
	}
	scaled := composition.Scale(consumedComp, galTotal, models.UnitGallons)

	shares := make([]composition.Share, len(galFlows))
	for i, f := range galFlows {
		shares[i] = composition.Share{
			Qty:     f.Properties.Qty,
			Accepts: acceptanceFor(b.destByFlow[f]),
		}
	}
	comps, err := composition.Distribute(scaled, shares)
	if err != nil {
		return models.NewCommitError(models.ErrCodeInconsistentShares,
			"cannot distribute pressed volume of tag %s: %v", tag.ID, err)
	}
	for i, f := range galFlows {
		f.Properties = comps[i]
	}
	return nil
}
