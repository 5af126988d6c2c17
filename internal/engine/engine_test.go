package engine_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/rawblock/cellar-engine/internal/db"
	"github.com/rawblock/cellar-engine/internal/engine"
	"github.com/rawblock/cellar-engine/pkg/models"
)

// End-to-end commit scenarios over the in-memory store: the full protocol of
// head resolution, building, invariant checking, and atomic head swap.

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *db.MemoryStore
	eng   *engine.Engine
}

func setup(t *testing.T) *fixture {
	store := db.NewMemoryStore()
	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store,
		eng:   engine.New(store),
	}
}

func (f *fixture) container(id string, ctype models.ContainerType) {
	err := f.store.CreateContainer(f.ctx, &models.Container{
		ID:        id,
		TenantID:  "tenant-1",
		Name:      id,
		Type:      ctype,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	})
	if err != nil {
		f.t.Fatalf("create container %s: %v", id, err)
	}
}

// seed books initial inventory into a container through an adjustment fed by
// a gain source — the bootstrap path for previously-stateless vessels.
func (f *fixture) seed(containerID string, comp models.QuantifiedComposition) {
	_, err := f.eng.Commit(f.ctx, &models.OperationRequest{
		Type:     models.OpAdjustment,
		TenantID: "tenant-1",
		SourceStates: []models.SourceState{
			{ContainerID: "gain", Composition: comp},
		},
		FlowQuantities: []models.FlowQuantity{
			{FromStateID: "gain", ToContainerID: containerID, Qty: comp.Qty},
		},
	})
	if err != nil {
		f.t.Fatalf("seed %s: %v", containerID, err)
	}
}

func (f *fixture) head(containerID string) *models.ContainerState {
	head, err := f.store.GetHeadState(f.ctx, containerID)
	if err != nil {
		f.t.Fatalf("head of %s: %v", containerID, err)
	}
	if head == nil {
		f.t.Fatalf("container %s has no head state", containerID)
	}
	return head
}

func galComp(qty int64, varietals map[string]int64) models.QuantifiedComposition {
	c := models.QuantifiedComposition{Qty: big.NewInt(qty), Unit: models.UnitGallons}
	if len(varietals) > 0 {
		c.Attributes = map[string]models.Attribute{"varietal": models.SubAttr(varietals)}
	}
	return c
}

func varietal(c models.QuantifiedComposition, sub string) int64 {
	attr, ok := c.Attributes["varietal"]
	if !ok || attr.Subs[sub] == nil {
		return 0
	}
	return attr.Subs[sub].Int64()
}

func TestCommitTransferBetweenTanks(t *testing.T) {
	f := setup(t)
	f.container("gain", models.TypeGain)
	f.container("A", models.TypeTank)
	f.container("B", models.TypeTank)
	f.seed("A", galComp(1000, map[string]int64{"CHARD": 1000}))
	f.seed("B", galComp(800, map[string]int64{"PINOT": 800}))

	headA := f.head("A")

	op, err := f.eng.Commit(f.ctx, &models.OperationRequest{
		Type:           models.OpTransfer,
		TenantID:       "tenant-1",
		FromContainers: []string{"A", "B"},
		FlowQuantities: []models.FlowQuantity{
			{FromStateID: headA.ID, ToContainerID: "B", Qty: big.NewInt(50)},
		},
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	newA := f.head("A")
	if newA.Composition.Qty.Int64() != 950 || varietal(newA.Composition, "CHARD") != 950 {
		t.Fatalf("expected A head = 950 CHARD 950, got %s CHARD %d", newA.Composition.Qty, varietal(newA.Composition, "CHARD"))
	}
	newB := f.head("B")
	if newB.Composition.Qty.Int64() != 850 || varietal(newB.Composition, "CHARD") != 50 || varietal(newB.Composition, "PINOT") != 800 {
		t.Fatalf("expected B head = 850 {CHARD 50, PINOT 800}, got %+v", newB.Composition)
	}

	// The superseded head is demoted but preserved in the lineage.
	states, flows, err := f.store.History(f.ctx, "A")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states of A, got %d", len(states))
	}
	for _, s := range states {
		if s.ID == headA.ID && s.IsHead {
			t.Fatalf("superseded state must not remain head")
		}
	}
	if len(flows) < 3 {
		t.Fatalf("expected the seed and transfer flows in A's history, got %d", len(flows))
	}

	// Committed operation is re-readable by id (the re-verification path).
	stored, err := f.store.GetOperation(f.ctx, op.ID)
	if err != nil || stored == nil {
		t.Fatalf("committed operation not re-readable: %v", err)
	}
	if len(stored.Flows) != 3 {
		t.Fatalf("expected 3 flows on the stored transfer, got %d", len(stored.Flows))
	}
}

func TestCommitLossThenGainThenLossDollars(t *testing.T) {
	f := setup(t)
	f.container("gain", models.TypeGain)
	f.container("loss", models.TypeLoss)
	f.container("A", models.TypeTank)

	seedComp := galComp(1000, nil)
	seedComp.SetAttr(models.AttrRealDollars, big.NewInt(10000))
	seedComp.SetAttr(models.AttrNominalDollars, big.NewInt(10000))
	f.seed("A", seedComp)

	// Gain 100 gal carrying 1000 book value and no cost.
	gainComp := galComp(100, nil)
	gainComp.SetAttr(models.AttrNominalDollars, big.NewInt(1000))
	_, err := f.eng.Commit(f.ctx, &models.OperationRequest{
		Type:           models.OpGain,
		TenantID:       "tenant-1",
		FromContainers: []string{"A"},
		SourceStates: []models.SourceState{
			{ContainerID: "gain", Composition: gainComp},
		},
		FlowQuantities: []models.FlowQuantity{
			{FromStateID: "gain", ToContainerID: "A", Qty: big.NewInt(100)},
		},
	})
	if err != nil {
		t.Fatalf("gain failed: %v", err)
	}

	head := f.head("A")
	if head.Composition.Qty.Int64() != 1100 {
		t.Fatalf("expected 1100 gal after gain, got %s", head.Composition.Qty)
	}
	if head.Composition.Attr(models.AttrRealDollars).Int64() != 10000 {
		t.Fatalf("gain must not create cost, got realDollars %s", head.Composition.Attr(models.AttrRealDollars))
	}
	if head.Composition.Attr(models.AttrNominalDollars).Int64() != 11000 {
		t.Fatalf("expected nominalDollars 11000 after gain, got %s", head.Composition.Attr(models.AttrNominalDollars))
	}

	// Lose 100 gal: cost follows by largest remainder, book value stays.
	op, err := f.eng.Commit(f.ctx, &models.OperationRequest{
		Type:           models.OpLoss,
		TenantID:       "tenant-1",
		FromContainers: []string{"A"},
		FlowQuantities: []models.FlowQuantity{
			{FromStateID: head.ID, ToContainerID: "loss", Qty: big.NewInt(100)},
		},
	})
	if err != nil {
		t.Fatalf("loss failed: %v", err)
	}

	head = f.head("A")
	if head.Composition.Qty.Int64() != 1000 {
		t.Fatalf("expected 1000 gal after loss, got %s", head.Composition.Qty)
	}
	if head.Composition.Attr(models.AttrRealDollars).Int64() != 9091 {
		t.Fatalf("expected realDollars 9091 after loss, got %s", head.Composition.Attr(models.AttrRealDollars))
	}
	if head.Composition.Attr(models.AttrNominalDollars).Int64() != 11000 {
		t.Fatalf("expected nominalDollars 11000 after loss, got %s", head.Composition.Attr(models.AttrNominalDollars))
	}

	lossState := op.OutputByContainer("loss")
	if lossState.Composition.Qty.Int64() != 100 {
		t.Fatalf("expected the loss state to hold 100 gal, got %s", lossState.Composition.Qty)
	}
	if lossState.Composition.Attr(models.AttrRealDollars).Int64() != 909 {
		t.Fatalf("expected 909 realDollars on the loss state, got %s", lossState.Composition.Attr(models.AttrRealDollars))
	}
	if lossState.Composition.Attr(models.AttrNominalDollars).Sign() != 0 {
		t.Fatalf("loss state must carry zero nominalDollars")
	}
}

func TestCommitPressIntoEmptyTank(t *testing.T) {
	f := setup(t)
	f.container("gain", models.TypeGain)
	f.container("W", models.TypeWeighTag)
	f.container("T", models.TypeTank)

	tagComp := models.QuantifiedComposition{
		Qty:  big.NewInt(2000),
		Unit: models.UnitPounds,
		Attributes: map[string]models.Attribute{
			"varietal": models.SubAttr(map[string]int64{"CHARD": 2000}),
		},
	}
	f.seed("W", tagComp)

	_, err := f.eng.Commit(f.ctx, &models.OperationRequest{
		Type:           models.OpPress,
		TenantID:       "tenant-1",
		FromContainers: []string{"W"},
		TargetFlowQuantities: []models.TargetFlowQuantity{
			{ContainerID: "T", Qty: big.NewInt(150), Unit: models.UnitGallons},
		},
	})
	if err != nil {
		t.Fatalf("press failed: %v", err)
	}

	tank := f.head("T")
	if tank.Composition.Qty.Int64() != 150 || tank.Composition.Unit != models.UnitGallons {
		t.Fatalf("expected tank head = 150 gal, got %s %s", tank.Composition.Qty, tank.Composition.Unit)
	}
	if varietal(tank.Composition, "CHARD") != 150 {
		t.Fatalf("expected CHARD 150 in the tank, got %d", varietal(tank.Composition, "CHARD"))
	}
	if tank.Composition.Attr(models.AttrEffectivePounds).Int64() != 2000 {
		t.Fatalf("expected effectivePounds 2000 in the tank, got %s", tank.Composition.Attr(models.AttrEffectivePounds))
	}

	tag := f.head("W")
	if tag.Composition.Qty.Sign() != 0 || tag.Composition.Unit != models.UnitPounds {
		t.Fatalf("expected the tag drained to an empty pound state, got %s %s", tag.Composition.Qty, tag.Composition.Unit)
	}
}

func TestCommitBarrelGroupSnapshotsMembership(t *testing.T) {
	f := setup(t)
	f.container("gain", models.TypeGain)
	f.container("loss", models.TypeLoss)
	f.container("bg", models.TypeBarrelGroup)
	f.container("b1", models.TypeBarrel)
	f.container("b2", models.TypeBarrel)

	if err := f.store.AddGroupMember(f.ctx, "bg", "b1"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := f.store.AddGroupMember(f.ctx, "bg", "b2"); err != nil {
		t.Fatalf("add member: %v", err)
	}

	f.seed("bg", galComp(1180, map[string]int64{"SYRAH": 1180}))

	head := f.head("bg")
	if len(head.SnapshotMembers) != 2 || head.SnapshotMembers[0] != "b1" || head.SnapshotMembers[1] != "b2" {
		t.Fatalf("expected snapshot [b1 b2], got %v", head.SnapshotMembers)
	}
	firstStateID := head.ID

	// Membership changes after the commit do not touch past snapshots.
	if err := f.store.RemoveGroupMember(f.ctx, "bg", "b2"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	_, err := f.eng.Commit(f.ctx, &models.OperationRequest{
		Type:           models.OpLoss,
		TenantID:       "tenant-1",
		FromContainers: []string{"bg"},
		FlowQuantities: []models.FlowQuantity{
			{FromStateID: head.ID, ToContainerID: "loss", Qty: big.NewInt(10)},
		},
	})
	if err != nil {
		t.Fatalf("loss from group failed: %v", err)
	}

	newHead := f.head("bg")
	if len(newHead.SnapshotMembers) != 1 || newHead.SnapshotMembers[0] != "b1" {
		t.Fatalf("expected new snapshot [b1], got %v", newHead.SnapshotMembers)
	}

	states, _, err := f.store.History(f.ctx, "bg")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, s := range states {
		if s.ID == firstStateID && len(s.SnapshotMembers) != 2 {
			t.Fatalf("historical snapshot was rewritten: %v", s.SnapshotMembers)
		}
	}
}

func TestCommitCrossTenantRejected(t *testing.T) {
	f := setup(t)
	f.container("gain", models.TypeGain)
	f.container("A", models.TypeTank)
	f.seed("A", galComp(100, nil))

	if err := f.store.CreateContainer(f.ctx, &models.Container{
		ID:        "other",
		TenantID:  "tenant-2",
		Name:      "other",
		Type:      models.TypeTank,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}); err != nil {
		t.Fatalf("create container: %v", err)
	}

	headA := f.head("A")
	_, err := f.eng.Commit(f.ctx, &models.OperationRequest{
		Type:           models.OpTransfer,
		TenantID:       "tenant-1",
		FromContainers: []string{"A"},
		FlowQuantities: []models.FlowQuantity{
			{FromStateID: headA.ID, ToContainerID: "other", Qty: big.NewInt(10)},
		},
	})
	cerr, ok := err.(*models.CommitError)
	if !ok || cerr.Code != models.ErrCodeCrossTenant {
		t.Fatalf("expected CROSS_TENANT, got %v", err)
	}
}

func TestCommitUnknownContainerRejected(t *testing.T) {
	f := setup(t)
	f.container("gain", models.TypeGain)
	f.container("A", models.TypeTank)
	f.seed("A", galComp(100, nil))

	headA := f.head("A")
	_, err := f.eng.Commit(f.ctx, &models.OperationRequest{
		Type:           models.OpTransfer,
		TenantID:       "tenant-1",
		FromContainers: []string{"A"},
		FlowQuantities: []models.FlowQuantity{
			{FromStateID: headA.ID, ToContainerID: "missing", Qty: big.NewInt(10)},
		},
	})
	cerr, ok := err.(*models.CommitError)
	if !ok || cerr.Code != models.ErrCodeInvalidContainer {
		t.Fatalf("expected INVALID_CONTAINER, got %v", err)
	}
}

func TestCommitDestinationWithHeadMustBeInput(t *testing.T) {
	f := setup(t)
	f.container("gain", models.TypeGain)
	f.container("A", models.TypeTank)
	f.seed("A", galComp(100, nil))

	// Seeding A again without listing it as an input would silently orphan
	// its current contents.
	_, err := f.eng.Commit(f.ctx, &models.OperationRequest{
		Type:     models.OpAdjustment,
		TenantID: "tenant-1",
		SourceStates: []models.SourceState{
			{ContainerID: "gain", Composition: galComp(50, nil)},
		},
		FlowQuantities: []models.FlowQuantity{
			{FromStateID: "gain", ToContainerID: "A", Qty: big.NewInt(50)},
		},
	})
	cerr, ok := err.(*models.CommitError)
	if !ok || cerr.Code != models.ErrCodeInvalidContainer {
		t.Fatalf("expected INVALID_CONTAINER for a stateful destination, got %v", err)
	}
}

func TestCommitValidationReportsAllViolations(t *testing.T) {
	f := setup(t)
	f.container("gain", models.TypeGain)
	f.container("A", models.TypeTank)
	f.container("B", models.TypeTank)
	f.seed("A", galComp(100, nil))

	headA := f.head("A")
	_, err := f.eng.Commit(f.ctx, &models.OperationRequest{
		Type:           models.OpTransfer,
		TenantID:       "tenant-1",
		FromContainers: []string{"A"},
		FlowQuantities: []models.FlowQuantity{
			{FromStateID: headA.ID, ToContainerID: "B", Qty: big.NewInt(500)},
		},
	})
	cerr, ok := err.(*models.CommitError)
	if !ok || cerr.Code != models.ErrCodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
	if len(cerr.Violations) == 0 {
		t.Fatalf("expected violations to be reported")
	}
	if cerr.Retriable() {
		t.Fatalf("validation failures must not be marked retriable")
	}
}

func TestCommitTimeoutSurfacesAsTimeout(t *testing.T) {
	f := setup(t)
	f.container("gain", models.TypeGain)
	f.container("A", models.TypeTank)
	f.seed("A", galComp(100, nil))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	headA := f.head("A")
	_, err := f.eng.Commit(ctx, &models.OperationRequest{
		Type:           models.OpLoss,
		TenantID:       "tenant-1",
		FromContainers: []string{"A"},
		FlowQuantities: []models.FlowQuantity{
			{FromStateID: headA.ID, ToContainerID: "gain", Qty: big.NewInt(10)},
		},
	})
	cerr, ok := err.(*models.CommitError)
	if !ok || cerr.Code != models.ErrCodeTimeout {
		t.Fatalf("expected TIMEOUT for an expired deadline, got %v", err)
	}
	if !cerr.Retriable() {
		t.Fatalf("timeouts should be retriable")
	}
}
