package engine

import (
	"math/big"
	"testing"

	"github.com/rawblock/cellar-engine/pkg/models"
)

func hasViolation(violations []models.Violation, code string) bool {
	for _, v := range violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

func TestCheckReportsEveryViolationAtOnce(t *testing.T) {
	containers := map[string]*models.Container{
		"A": testContainer("A", models.TypeTank),
		"B": testContainer("B", models.TypeTank),
	}
	in := setScalar(testState("in", "A", 1000, models.UnitGallons), models.AttrNominalDollars, 5000)
	out := testState("out", "B", 400, models.UnitGallons)

	// One flow of 300: input side short by 700, output side over by... the
	// output claims 400 against a 300 inflow, and the ghost flow references a
	// state nobody declared. Nominal dollars vanish entirely.
	op := &models.WineryOperation{
		ID:           "bad-op",
		Type:         models.OpTransfer,
		TenantID:     "tenant-1",
		InputStates:  []*models.ContainerState{in},
		OutputStates: []*models.ContainerState{out},
		Flows: []*models.FlowEdge{
			{FromStateID: "in", ToStateID: "out", Properties: models.QuantifiedComposition{Qty: big.NewInt(300), Unit: models.UnitGallons}},
			{FromStateID: "ghost", ToStateID: "out2", Properties: models.QuantifiedComposition{Qty: big.NewInt(1), Unit: models.UnitGallons}},
		},
	}

	violations := CheckOperation(op, containers)
	for _, code := range []string{
		models.ViolationQuantityNotConserved,
		models.ViolationNominalDollarsNotConserved,
		models.ViolationInvalidFlowReference,
	} {
		if !hasViolation(violations, code) {
			t.Fatalf("expected %s among violations, got %v", code, violations)
		}
	}
	if len(violations) < 4 {
		t.Fatalf("expected input-side, output-side, reference and nominal violations, got %v", violations)
	}
}

func TestCheckCompositionConservationWithSigns(t *testing.T) {
	containers := map[string]*models.Container{
		"A": testContainer("A", models.TypeTank),
	}
	in := setVarietal(testState("in", "A", 1000, models.UnitGallons), map[string]int64{"CHARD": 1000})
	out := setVarietal(testState("out", "A", 1000, models.UnitGallons), map[string]int64{"CHARD": 1000})

	// Quantities balance (+1200 − 200 = 1000) but the varietal does not:
	// the flows claim more CHARD out than the input held.
	op := &models.WineryOperation{
		ID:           "bad-comp",
		Type:         models.OpAdjustment,
		TenantID:     "tenant-1",
		InputStates:  []*models.ContainerState{in},
		OutputStates: []*models.ContainerState{out},
		Flows: []*models.FlowEdge{
			{FromStateID: "in", ToStateID: "out", Properties: models.QuantifiedComposition{
				Qty: big.NewInt(1200), Unit: models.UnitGallons,
				Attributes: map[string]models.Attribute{"varietal": models.SubAttr(map[string]int64{"CHARD": 1300})},
			}},
			{FromStateID: "in", ToStateID: "out", Properties: models.QuantifiedComposition{
				Qty: big.NewInt(-200), Unit: models.UnitGallons,
				Attributes: map[string]models.Attribute{"varietal": models.SubAttr(map[string]int64{"CHARD": -200})},
			}},
		},
	}

	violations := CheckOperation(op, containers)
	if !hasViolation(violations, models.ViolationCompositionNotConserved) {
		t.Fatalf("expected COMPOSITION_NOT_CONSERVED, got %v", violations)
	}
	// 1200 − 200 = 1000 on both sides, so quantity conservation holds.
	if hasViolation(violations, models.ViolationQuantityNotConserved) {
		t.Fatalf("quantity is conserved here, got %v", violations)
	}
}

func TestCheckAcceptsValidNegativeFlowOperation(t *testing.T) {
	containers := map[string]*models.Container{
		"A": testContainer("A", models.TypeTank),
		"G": testContainer("G", models.TypeGain),
	}
	in := setVarietal(testState("in", "A", 1000, models.UnitGallons), map[string]int64{"CHARD": 1000})
	outA := setVarietal(testState("outA", "A", 1050, models.UnitGallons), map[string]int64{"CHARD": 1050})
	outG := setVarietal(testState("outG", "G", -50, models.UnitGallons), map[string]int64{"CHARD": -50})

	// A pre-gain correction: the tank held more than recorded, expressed as
	// a negative flow into the gain container within the same operation.
	op := &models.WineryOperation{
		ID:           "pre-gain",
		Type:         models.OpAdjustment,
		TenantID:     "tenant-1",
		InputStates:  []*models.ContainerState{in},
		OutputStates: []*models.ContainerState{outA, outG},
		Flows: []*models.FlowEdge{
			{FromStateID: "in", ToStateID: "outG", Properties: models.QuantifiedComposition{
				Qty: big.NewInt(-50), Unit: models.UnitGallons,
				Attributes: map[string]models.Attribute{"varietal": models.SubAttr(map[string]int64{"CHARD": -50})},
			}},
			{FromStateID: "in", ToStateID: "outA", Properties: models.QuantifiedComposition{
				Qty: big.NewInt(1050), Unit: models.UnitGallons,
				Attributes: map[string]models.Attribute{"varietal": models.SubAttr(map[string]int64{"CHARD": 1050})},
			}},
		},
	}

	if violations := CheckOperation(op, containers); len(violations) != 0 {
		t.Fatalf("expected a clean check for a balanced negative-flow op, got %v", violations)
	}
}
