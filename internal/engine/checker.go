package engine

import (
	"fmt"
	"math/big"

	"github.com/rawblock/cellar-engine/internal/composition"
	"github.com/rawblock/cellar-engine/pkg/models"
)

// CheckOperation evaluates the full conservation and structure battery over a
// populated operation. Every rule runs — the checker never short-circuits —
// so one failed commit attempt surfaces every problem at once. An empty
// result means the operation is valid.
//
// Head-pointer rules (INPUT_NOT_CURRENT, MULTIPLE_CURRENT_STATES) are
// enforced inside the store transaction, not here.
func CheckOperation(op *models.WineryOperation, containers map[string]*models.Container) []models.Violation {
	var violations []models.Violation

	inputByID := make(map[string]*models.ContainerState, len(op.InputStates))
	for _, s := range op.InputStates {
		inputByID[s.ID] = s
	}
	outputByID := make(map[string]*models.ContainerState, len(op.OutputStates))
	for _, s := range op.OutputStates {
		outputByID[s.ID] = s
	}

	// INVALID_FLOW_REFERENCE: every flow endpoint belongs to the operation.
	outBySource := make(map[string][]*models.FlowEdge)
	inByTarget := make(map[string][]*models.FlowEdge)
	for i, f := range op.Flows {
		_, fromKnown := inputByID[f.FromStateID]
		if !fromKnown {
			_, fromKnown = outputByID[f.FromStateID]
		}
		if !fromKnown {
			violations = append(violations, models.Violation{
				Code:   models.ViolationInvalidFlowReference,
				Detail: fmt.Sprintf("flow %d originates from state %s, which is not part of the operation", i, f.FromStateID),
			})
		}
		_, toKnown := outputByID[f.ToStateID]
		if !toKnown {
			_, toKnown = inputByID[f.ToStateID]
		}
		if !toKnown {
			violations = append(violations, models.Violation{
				Code:   models.ViolationInvalidFlowReference,
				Detail: fmt.Sprintf("flow %d targets state %s, which is not part of the operation", i, f.ToStateID),
			})
		}
		outBySource[f.FromStateID] = append(outBySource[f.FromStateID], f)
		inByTarget[f.ToStateID] = append(inByTarget[f.ToStateID], f)
	}

	// Input-side conservation. A unit-crossing source (a press weigh tag) is
	// exempt: its pounds cannot equal its gallon outflows; the press builder
	// guarantees consumed + remainder = tag quantity by construction and the
	// mass survives as effectivePounds.
	for _, s := range op.InputStates {
		flows := outBySource[s.ID]
		if crossesUnits(s, flows) {
			continue
		}
		sum := new(big.Int)
		for _, f := range flows {
			sum.Add(sum, f.Properties.Qty)
		}
		if sum.Cmp(s.Composition.Qty) != 0 {
			violations = append(violations, models.Violation{
				Code:    models.ViolationQuantityNotConserved,
				StateID: s.ID,
				Detail:  fmt.Sprintf("input qty %s %s, net outflow %s", s.Composition.Qty, s.Composition.Unit, sum),
			})
		}

		if len(flows) == 0 {
			continue
		}
		props := make([]models.QuantifiedComposition, len(flows))
		for i, f := range flows {
			props[i] = f.Properties
		}
		blended, err := composition.Blend(props)
		if err != nil {
			violations = append(violations, models.Violation{
				Code:    models.ViolationCompositionNotConserved,
				StateID: s.ID,
				Detail:  fmt.Sprintf("outflows do not blend: %v", err),
			})
			continue
		}
		if !composition.Equals(s.Composition, blended) {
			violations = append(violations, models.Violation{
				Code:    models.ViolationCompositionNotConserved,
				StateID: s.ID,
				Detail:  "net outflow composition differs from input composition",
			})
		}
	}

	// Output-side quantity conservation.
	for _, s := range op.OutputStates {
		sum := new(big.Int)
		for _, f := range inByTarget[s.ID] {
			sum.Add(sum, f.Properties.Qty)
		}
		if sum.Cmp(s.Composition.Qty) != 0 {
			violations = append(violations, models.Violation{
				Code:    models.ViolationQuantityNotConserved,
				StateID: s.ID,
				Detail:  fmt.Sprintf("output qty %s %s, net inflow %s", s.Composition.Qty, s.Composition.Unit, sum),
			})
		}
	}

	// Book value is conserved over the full multiset: loss outputs carry zero
	// nominal by construction, gain inputs and outputs may carry non-zero.
	inNominal := new(big.Int)
	for _, s := range op.InputStates {
		inNominal.Add(inNominal, s.Composition.Attr(models.AttrNominalDollars))
	}
	outNominal := new(big.Int)
	for _, s := range op.OutputStates {
		outNominal.Add(outNominal, s.Composition.Attr(models.AttrNominalDollars))
	}
	if inNominal.Cmp(outNominal) != 0 {
		violations = append(violations, models.Violation{
			Code:   models.ViolationNominalDollarsNotConserved,
			Detail: fmt.Sprintf("inputs carry %s nominal, outputs %s", inNominal, outNominal),
		})
	}

	return violations
}

// crossesUnits reports whether any flow out of s is denominated in a unit
// other than the state's own.
func crossesUnits(s *models.ContainerState, flows []*models.FlowEdge) bool {
	for _, f := range flows {
		if f.Properties.Unit != s.Composition.Unit {
			return true
		}
	}
	return false
}
