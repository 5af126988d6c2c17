package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/cellar-engine/pkg/models"
)

// Repository is the narrow store contract the commit protocol depends on.
// CommitOperation must be a single atomic write across the operation node,
// the new states, the head-pointer swap, the flow edges, and the group
// snapshot edges. No other store primitives leak into the core.
type Repository interface {
	GetContainer(ctx context.Context, id string) (*models.Container, error)
	GetHeadState(ctx context.Context, containerID string) (*models.ContainerState, error)
	BatchExists(ctx context.Context, containerIDs []string) ([]string, error)
	GetGroupMembers(ctx context.Context, groupID string) ([]*models.Container, error)
	CommitOperation(ctx context.Context, op *models.WineryOperation, newStates []*models.ContainerState, demotedHeadIDs []string, flows []*models.FlowEdge, groupSnapshots map[string][]string) error
}

// ErrInputNotCurrent is the sentinel a Repository returns when a state that
// must be head at commit time no longer is — the optimistic-concurrency
// signal of a lost race.
var ErrInputNotCurrent = errors.New("input state is no longer the current state")

// Engine is the transactional commit entry point over a Repository. All of
// its computation is pure; the repository reads and the final atomic write
// are the only suspension points.
type Engine struct {
	repo Repository
}

// New creates an engine over the given repository.
func New(repo Repository) *Engine {
	return &Engine{repo: repo}
}

// Commit runs the full protocol: resolve containers and head states, build
// the operation, validate every invariant, and persist atomically. On
// success each affected container has exactly one current state and the
// populated operation is returned. Failures come back as *models.CommitError
// with the structured code set; concurrent commits racing on a head state
// lose with INPUT_NOT_CURRENT and may retry after refetching.
func (e *Engine) Commit(ctx context.Context, req *models.OperationRequest) (*models.WineryOperation, error) {
	if err := normalizeRequest(req); err != nil {
		return nil, err
	}

	containers, cerr := e.resolveContainers(ctx, req)
	if cerr != nil {
		return nil, cerr
	}

	// Resolve input head states in request order, then materialize the
	// declared synthetic gain/loss sources.
	headByContainer := make(map[string]*models.ContainerState, len(req.FromContainers))
	inputs := make([]*models.ContainerState, 0, len(req.FromContainers)+len(req.SourceStates))
	for _, cid := range req.FromContainers {
		head, err := e.repo.GetHeadState(ctx, cid)
		if err != nil {
			return nil, e.storeError(ctx, err)
		}
		if head == nil {
			return nil, models.NewCommitError(models.ErrCodeInputNotCurrent,
				"container %s has no current state", cid)
		}
		headByContainer[cid] = head
		inputs = append(inputs, head)
	}
	sourceByContainer := make(map[string]*models.ContainerState, len(req.SourceStates))
	for _, src := range req.SourceStates {
		c := containers[src.ContainerID]
		if !c.IsGain() && !c.IsLoss() {
			return nil, models.NewCommitError(models.ErrCodeInvalidContainer,
				"synthetic source states are only valid for gain and loss containers, %s is a %s", c.ID, c.Type)
		}
		st := &models.ContainerState{
			ID:          uuid.NewString(),
			ContainerID: src.ContainerID,
			Composition: src.Composition.Clone(),
			Timestamp:   req.Timestamp,
		}
		sourceByContainer[src.ContainerID] = st
		inputs = append(inputs, st)
	}
	// Flow entries may address a synthetic source by its container id, since
	// the state id is only minted here.
	for i, fq := range req.FlowQuantities {
		if st, ok := sourceByContainer[fq.FromStateID]; ok {
			req.FlowQuantities[i].FromStateID = st.ID
		}
	}
	for i, ic := range req.InputConsumption {
		if st, ok := sourceByContainer[ic.StateID]; ok {
			req.InputConsumption[i].StateID = st.ID
		}
	}

	op, cerr := buildOperation(req, containers, inputs)
	if cerr != nil {
		return nil, cerr
	}

	if violations := CheckOperation(op, containers); len(violations) > 0 {
		return nil, &models.CommitError{
			Code:       models.ErrCodeValidationFailed,
			Message:    "operation violates conservation invariants",
			Violations: violations,
		}
	}

	demoted, cerr := e.demotedHeads(ctx, op, containers, headByContainer)
	if cerr != nil {
		return nil, cerr
	}

	snapshots, cerr := e.groupSnapshots(ctx, op, containers)
	if cerr != nil {
		return nil, cerr
	}

	// New states: the synthetic sources (historical from birth) plus the
	// output states (the new heads).
	newStates := make([]*models.ContainerState, 0, len(inputs)+len(op.OutputStates))
	for _, s := range inputs {
		if _, loaded := headByContainer[s.ContainerID]; !loaded || headByContainer[s.ContainerID].ID != s.ID {
			newStates = append(newStates, s)
		}
	}
	newStates = append(newStates, op.OutputStates...)

	if err := e.repo.CommitOperation(ctx, op, newStates, demoted, op.Flows, snapshots); err != nil {
		if errors.Is(err, ErrInputNotCurrent) {
			return nil, models.NewCommitError(models.ErrCodeInputNotCurrent,
				"an input state was superseded by a concurrent commit: %v", err)
		}
		return nil, e.storeError(ctx, err)
	}

	// The previous heads are demoted as part of the same write.
	for _, s := range op.InputStates {
		s.IsHead = false
	}
	return op, nil
}

// resolveContainers loads and tenant-checks every container the request
// references.
func (e *Engine) resolveContainers(ctx context.Context, req *models.OperationRequest) (map[string]*models.Container, *models.CommitError) {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, cid := range req.FromContainers {
		add(cid)
	}
	for _, s := range req.SourceStates {
		add(s.ContainerID)
	}
	for _, fq := range req.FlowQuantities {
		add(fq.ToContainerID)
	}
	for _, t := range req.TargetFlowQuantities {
		add(t.ContainerID)
	}

	found, err := e.repo.BatchExists(ctx, ids)
	if err != nil {
		return nil, e.storeError(ctx, err)
	}
	foundSet := make(map[string]bool, len(found))
	for _, id := range found {
		foundSet[id] = true
	}
	for _, id := range ids {
		if !foundSet[id] {
			return nil, models.NewCommitError(models.ErrCodeInvalidContainer,
				"container %s does not exist", id)
		}
	}

	containers := make(map[string]*models.Container, len(ids))
	for _, id := range ids {
		c, err := e.repo.GetContainer(ctx, id)
		if err != nil {
			return nil, e.storeError(ctx, err)
		}
		if c == nil {
			return nil, models.NewCommitError(models.ErrCodeInvalidContainer,
				"container %s does not exist", id)
		}
		if c.TenantID != req.TenantID {
			return nil, models.NewCommitError(models.ErrCodeCrossTenant,
				"container %s belongs to tenant %s, request is for tenant %s", c.ID, c.TenantID, req.TenantID)
		}
		containers[id] = c
	}
	return containers, nil
}

// demotedHeads collects the head states the commit supersedes. A destination
// container that already has a current state must be an operation input —
// silently replacing its head would orphan its contents — except for loss
// and gain containers, whose states are terminal leaves of the flow graph
// and accumulate per operation.
func (e *Engine) demotedHeads(ctx context.Context, op *models.WineryOperation, containers map[string]*models.Container, headByContainer map[string]*models.ContainerState) ([]string, *models.CommitError) {
	var demoted []string
	for _, out := range op.OutputStates {
		if head, ok := headByContainer[out.ContainerID]; ok {
			demoted = append(demoted, head.ID)
			continue
		}
		head, err := e.repo.GetHeadState(ctx, out.ContainerID)
		if err != nil {
			return nil, e.storeError(ctx, err)
		}
		if head == nil {
			continue
		}
		c := containers[out.ContainerID]
		if !c.IsLoss() && !c.IsGain() {
			return nil, models.NewCommitError(models.ErrCodeInvalidContainer,
				"destination container %s has a current state and must be listed as an input", out.ContainerID)
		}
		demoted = append(demoted, head.ID)
	}
	return demoted, nil
}

// groupSnapshots materializes the current membership of every barrel-group
// output container onto its new state.
func (e *Engine) groupSnapshots(ctx context.Context, op *models.WineryOperation, containers map[string]*models.Container) (map[string][]string, *models.CommitError) {
	var snapshots map[string][]string
	for _, out := range op.OutputStates {
		if !containers[out.ContainerID].IsGroup() {
			continue
		}
		members, err := e.repo.GetGroupMembers(ctx, out.ContainerID)
		if err != nil {
			return nil, e.storeError(ctx, err)
		}
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = m.ID
		}
		out.SnapshotMembers = ids
		if snapshots == nil {
			snapshots = make(map[string][]string)
		}
		snapshots[out.ID] = ids
	}
	return snapshots, nil
}

func normalizeRequest(req *models.OperationRequest) *models.CommitError {
	if !models.ValidOperationType(req.Type) {
		return models.NewCommitError(models.ErrCodeValidationFailed,
			"unknown operation type %q", req.Type)
	}
	if req.TenantID == "" {
		return models.NewCommitError(models.ErrCodeCrossTenant, "tenantId is required")
	}
	for i, fq := range req.FlowQuantities {
		if fq.Qty == nil {
			return models.NewCommitError(models.ErrCodeValidationFailed,
				"flow %d is missing a quantity", i)
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	return nil
}

// storeError maps a repository failure, distinguishing a blown deadline from
// a transport fault. After a TIMEOUT or STORE_ERROR the caller must assume
// the write may or may not have landed and re-verify by operation id.
func (e *Engine) storeError(ctx context.Context, err error) *models.CommitError {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return models.NewCommitError(models.ErrCodeTimeout, "commit deadline exceeded: %v", err)
	}
	return models.NewCommitError(models.ErrCodeStoreError, "store failure: %v", err)
}
