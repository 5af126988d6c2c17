package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/cellar-engine/internal/engine"
	"github.com/rawblock/cellar-engine/pkg/models"
)

// Operation-to-state link relations.
const (
	relInput  = "OP_INPUT"
	relOutput = "OP_OUTPUT"
	relLoss   = "OPERATION_LOSS" // output link onto a loss container's state
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for Cellar Ledger")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	_, err = s.pool.Exec(context.Background(), string(schemaBytes))
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Cellar Ledger schema initialized")
	return nil
}

// ─── Repository contract ────────────────────────────────────────────

func (s *PostgresStore) GetContainer(ctx context.Context, id string) (*models.Container, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, type, capacity, created_at
		FROM containers WHERE id = $1
	`, id)
	c, err := scanContainer(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) GetHeadState(ctx context.Context, containerID string) (*models.ContainerState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, container_id, composition, ts, is_head
		FROM container_states
		WHERE container_id = $1 AND is_head
	`, containerID)
	st, err := scanState(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadSnapshotMembers(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) BatchExists(ctx context.Context, containerIDs []string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM containers WHERE id = ANY($1)`, containerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found = append(found, id)
	}
	return found, rows.Err()
}

func (s *PostgresStore) GetGroupMembers(ctx context.Context, groupID string) ([]*models.Container, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.tenant_id, c.name, c.type, c.capacity, c.created_at
		FROM containers c
		JOIN group_members g ON g.barrel_id = c.id
		WHERE g.group_id = $1
		ORDER BY g.added_at, c.id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*models.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, c)
	}
	return members, rows.Err()
}

// CommitOperation persists a validated operation in one serializable
// transaction: head demotion (the optimistic-concurrency check), operation
// node, new states, flow edges, snapshot edges, and operation-state links.
func (s *PostgresStore) CommitOperation(ctx context.Context, op *models.WineryOperation, newStates []*models.ContainerState, demotedHeadIDs []string, flows []*models.FlowEdge, groupSnapshots map[string][]string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Demote superseded heads. A zero row count means the state lost its
	// head pointer to a concurrent commit — the race loser aborts here.
	for _, id := range demotedHeadIDs {
		tag, err := tx.Exec(ctx, `
			UPDATE container_states SET is_head = false WHERE id = $1 AND is_head
		`, id)
		if err != nil {
			return fmt.Errorf("failed to demote head %s: %v", id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: state %s", engine.ErrInputNotCurrent, id)
		}
	}

	// 2. Operation node.
	_, err = tx.Exec(ctx, `
		INSERT INTO operations (id, tenant_id, type, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, op.ID, op.TenantID, string(op.Type), op.Description, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %v", err)
	}

	// 3. New states.
	for _, st := range newStates {
		compJSON, err := json.Marshal(st.Composition)
		if err != nil {
			return fmt.Errorf("failed to encode composition of state %s: %v", st.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO container_states (id, container_id, composition, ts, is_head)
			VALUES ($1, $2, $3, $4, $5)
		`, st.ID, st.ContainerID, compJSON, st.Timestamp, st.IsHead)
		if err != nil {
			return fmt.Errorf("failed to insert state %s: %v", st.ID, err)
		}
	}

	// 4. Flow edges with their composition properties.
	for _, f := range flows {
		propsJSON, err := json.Marshal(f.Properties)
		if err != nil {
			return fmt.Errorf("failed to encode flow properties: %v", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO flows (operation_id, from_state_id, to_state_id, properties)
			VALUES ($1, $2, $3, $4)
		`, op.ID, f.FromStateID, f.ToStateID, propsJSON)
		if err != nil {
			return fmt.Errorf("failed to insert flow: %v", err)
		}
	}

	// 5. Barrel-group snapshots.
	for stateID, barrels := range groupSnapshots {
		for _, barrelID := range barrels {
			_, err = tx.Exec(ctx, `
				INSERT INTO state_snapshot_members (state_id, barrel_id) VALUES ($1, $2)
			`, stateID, barrelID)
			if err != nil {
				return fmt.Errorf("failed to insert snapshot member: %v", err)
			}
		}
	}

	// 6. Operation-state links. Output links onto loss containers are
	// recorded as OPERATION_LOSS.
	for i, st := range op.InputStates {
		_, err = tx.Exec(ctx, `
			INSERT INTO operation_states (operation_id, state_id, rel, ord)
			VALUES ($1, $2, $3, $4)
		`, op.ID, st.ID, relInput, i)
		if err != nil {
			return fmt.Errorf("failed to link input state: %v", err)
		}
	}
	for i, st := range op.OutputStates {
		_, err = tx.Exec(ctx, `
			INSERT INTO operation_states (operation_id, state_id, rel, ord)
			SELECT $1, $2, CASE WHEN c.type = 'loss' THEN $3 ELSE $4 END, $5
			FROM containers c WHERE c.id = $6
		`, op.ID, st.ID, relLoss, relOutput, i, st.ContainerID)
		if err != nil {
			return fmt.Errorf("failed to link output state: %v", err)
		}
	}

	return tx.Commit(ctx)
}

// ─── API-layer primitives ───────────────────────────────────────────

func (s *PostgresStore) CreateContainer(ctx context.Context, c *models.Container) error {
	var capacity *string
	if c.Capacity != nil {
		v := c.Capacity.String()
		capacity = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO containers (id, tenant_id, name, type, capacity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.TenantID, c.Name, string(c.Type), capacity, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert container: %v", err)
	}
	return nil
}

func (s *PostgresStore) GetOperation(ctx context.Context, id string) (*models.WineryOperation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, type, COALESCE(description, ''), created_at
		FROM operations WHERE id = $1
	`, id)
	op := &models.WineryOperation{}
	var opType string
	err := row.Scan(&op.ID, &op.TenantID, &opType, &op.Description, &op.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	op.Type = models.OperationType(opType)

	rows, err := s.pool.Query(ctx, `
		SELECT cs.id, cs.container_id, cs.composition, cs.ts, cs.is_head, os.rel
		FROM operation_states os
		JOIN container_states cs ON cs.id = os.state_id
		WHERE os.operation_id = $1
		ORDER BY os.rel, os.ord
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		st := &models.ContainerState{}
		var compJSON []byte
		var rel string
		if err := rows.Scan(&st.ID, &st.ContainerID, &compJSON, &st.Timestamp, &st.IsHead, &rel); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(compJSON, &st.Composition); err != nil {
			return nil, fmt.Errorf("corrupt composition on state %s: %v", st.ID, err)
		}
		if rel == relInput {
			op.InputStates = append(op.InputStates, st)
		} else {
			op.OutputStates = append(op.OutputStates, st)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	op.Flows, err = s.queryFlows(ctx, `SELECT from_state_id, to_state_id, properties FROM flows WHERE operation_id = $1 ORDER BY id`, id)
	return op, err
}

func (s *PostgresStore) History(ctx context.Context, containerID string) ([]*models.ContainerState, []*models.FlowEdge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, container_id, composition, ts, is_head
		FROM container_states
		WHERE container_id = $1
		ORDER BY ts DESC, id
	`, containerID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var states []*models.ContainerState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	flows, err := s.queryFlows(ctx, `
		SELECT from_state_id, to_state_id, properties FROM flows
		WHERE id IN (
			SELECT f.id FROM flows f
			JOIN container_states cs ON cs.id = f.from_state_id OR cs.id = f.to_state_id
			WHERE cs.container_id = $1
		)
		ORDER BY id
	`, containerID)
	return states, flows, err
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, groupID, barrelID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO group_members (group_id, barrel_id) VALUES ($1, $2)
		ON CONFLICT (group_id, barrel_id) DO NOTHING
	`, groupID, barrelID)
	return err
}

func (s *PostgresStore) RemoveGroupMember(ctx context.Context, groupID, barrelID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM group_members WHERE group_id = $1 AND barrel_id = $2
	`, groupID, barrelID)
	return err
}

// GetPool exposes the connection pool for health checks and maintenance jobs
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// ─── Scan helpers ───────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContainer(row rowScanner) (*models.Container, error) {
	c := &models.Container{}
	var ctype string
	var capacity *string
	var createdAt time.Time
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &ctype, &capacity, &createdAt); err != nil {
		return nil, err
	}
	c.Type = models.ContainerType(ctype)
	c.CreatedAt = createdAt
	if capacity != nil {
		n, ok := new(big.Int).SetString(*capacity, 10)
		if !ok {
			return nil, fmt.Errorf("corrupt capacity %q on container %s", *capacity, c.ID)
		}
		c.Capacity = n
	}
	return c, nil
}

func scanState(row rowScanner) (*models.ContainerState, error) {
	st := &models.ContainerState{}
	var compJSON []byte
	if err := row.Scan(&st.ID, &st.ContainerID, &compJSON, &st.Timestamp, &st.IsHead); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(compJSON, &st.Composition); err != nil {
		return nil, fmt.Errorf("corrupt composition on state %s: %v", st.ID, err)
	}
	return st, nil
}

func (s *PostgresStore) loadSnapshotMembers(ctx context.Context, st *models.ContainerState) error {
	rows, err := s.pool.Query(ctx, `
		SELECT barrel_id FROM state_snapshot_members WHERE state_id = $1 ORDER BY barrel_id
	`, st.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		st.SnapshotMembers = append(st.SnapshotMembers, id)
	}
	return rows.Err()
}

func (s *PostgresStore) queryFlows(ctx context.Context, sql string, args ...any) ([]*models.FlowEdge, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*models.FlowEdge
	for rows.Next() {
		f := &models.FlowEdge{}
		var propsJSON []byte
		if err := rows.Scan(&f.FromStateID, &f.ToStateID, &propsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(propsJSON, &f.Properties); err != nil {
			return nil, fmt.Errorf("corrupt flow properties: %v", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}
