package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/rawblock/cellar-engine/internal/engine"
	"github.com/rawblock/cellar-engine/pkg/models"
)

// MemoryStore is a mutex-guarded in-process Store. It backs the engine when
// no DATABASE_URL is configured (development mode) and the test suites.
// Commit atomicity degenerates to holding the write lock for the duration of
// the apply, which preserves the same observable semantics: head demotion is
// checked and performed under the same critical section as the inserts.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string]*models.Container
	states     map[string]*models.ContainerState
	byCtr      map[string][]string // container id → state ids, oldest first
	heads      map[string]string   // container id → head state id
	operations map[string]*models.WineryOperation
	flows      []*models.FlowEdge
	members    map[string][]string // group id → member barrel ids, insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers: make(map[string]*models.Container),
		states:     make(map[string]*models.ContainerState),
		byCtr:      make(map[string][]string),
		heads:      make(map[string]string),
		operations: make(map[string]*models.WineryOperation),
		members:    make(map[string][]string),
	}
}

func (m *MemoryStore) GetContainer(_ context.Context, id string) (*models.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetHeadState(_ context.Context, containerID string) (*models.ContainerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	headID, ok := m.heads[containerID]
	if !ok {
		return nil, nil
	}
	return cloneState(m.states[headID]), nil
}

func (m *MemoryStore) BatchExists(_ context.Context, containerIDs []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found []string
	for _, id := range containerIDs {
		if _, ok := m.containers[id]; ok {
			found = append(found, id)
		}
	}
	return found, nil
}

func (m *MemoryStore) GetGroupMembers(_ context.Context, groupID string) ([]*models.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.members[groupID]
	out := make([]*models.Container, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.containers[id]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CommitOperation(ctx context.Context, op *models.WineryOperation, newStates []*models.ContainerState, demotedHeadIDs []string, flows []*models.FlowEdge, groupSnapshots map[string][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.operations[op.ID]; exists {
		return fmt.Errorf("operation %s already committed", op.ID)
	}

	// Head demotion is the race check: every demoted state must still be
	// the current state of its container.
	for _, id := range demotedHeadIDs {
		st, ok := m.states[id]
		if !ok || m.heads[st.ContainerID] != id {
			return fmt.Errorf("%w: state %s", engine.ErrInputNotCurrent, id)
		}
	}
	for _, id := range demotedHeadIDs {
		st := m.states[id]
		st.IsHead = false
		delete(m.heads, st.ContainerID)
	}

	for _, st := range newStates {
		stored := cloneState(st)
		if members, ok := groupSnapshots[st.ID]; ok {
			stored.SnapshotMembers = append([]string(nil), members...)
		}
		m.states[st.ID] = stored
		m.byCtr[st.ContainerID] = append(m.byCtr[st.ContainerID], st.ID)
		if stored.IsHead {
			m.heads[st.ContainerID] = st.ID
		}
	}

	for _, f := range flows {
		cp := *f
		cp.Properties = f.Properties.Clone()
		m.flows = append(m.flows, &cp)
	}

	m.operations[op.ID] = cloneOperation(op)
	return nil
}

func (m *MemoryStore) CreateContainer(_ context.Context, c *models.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.containers[c.ID]; exists {
		return fmt.Errorf("container %s already exists", c.ID)
	}
	cp := *c
	m.containers[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOperation(_ context.Context, id string) (*models.WineryOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, nil
	}
	return cloneOperation(op), nil
}

func (m *MemoryStore) History(_ context.Context, containerID string) ([]*models.ContainerState, []*models.FlowEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byCtr[containerID]
	states := make([]*models.ContainerState, 0, len(ids))
	inContainer := make(map[string]bool, len(ids))
	for i := len(ids) - 1; i >= 0; i-- { // newest first
		states = append(states, cloneState(m.states[ids[i]]))
		inContainer[ids[i]] = true
	}

	var flows []*models.FlowEdge
	for _, f := range m.flows {
		if inContainer[f.FromStateID] || inContainer[f.ToStateID] {
			cp := *f
			cp.Properties = f.Properties.Clone()
			flows = append(flows, &cp)
		}
	}
	return states, flows, nil
}

func (m *MemoryStore) AddGroupMember(_ context.Context, groupID, barrelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.members[groupID] {
		if id == barrelID {
			return nil
		}
	}
	m.members[groupID] = append(m.members[groupID], barrelID)
	return nil
}

func (m *MemoryStore) RemoveGroupMember(_ context.Context, groupID, barrelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.members[groupID]
	for i, id := range ids {
		if id == barrelID {
			m.members[groupID] = append(ids[:i:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

func cloneState(st *models.ContainerState) *models.ContainerState {
	cp := *st
	cp.Composition = st.Composition.Clone()
	cp.SnapshotMembers = append([]string(nil), st.SnapshotMembers...)
	return &cp
}

func cloneOperation(op *models.WineryOperation) *models.WineryOperation {
	cp := *op
	cp.InputStates = make([]*models.ContainerState, len(op.InputStates))
	for i, s := range op.InputStates {
		cp.InputStates[i] = cloneState(s)
	}
	cp.OutputStates = make([]*models.ContainerState, len(op.OutputStates))
	for i, s := range op.OutputStates {
		cp.OutputStates[i] = cloneState(s)
	}
	cp.Flows = make([]*models.FlowEdge, len(op.Flows))
	for i, f := range op.Flows {
		fc := *f
		fc.Properties = f.Properties.Clone()
		cp.Flows[i] = &fc
	}
	return &cp
}
