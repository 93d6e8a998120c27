package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/donnahq/donna/pkg/models"
)

// SQLite is the durable Store backend. List-valued fields are stored as
// JSON text columns and appended server side with json_insert, so every
// mutation the interface promises to be atomic is a single statement or
// a short transaction.
type SQLite struct {
	conn   *sql.DB
	path   string
	limits Limits
}

// DefaultDBPath returns the database location under XDG_DATA_HOME.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "donna", "donna.db")
}

// OpenSQLite opens (creating if needed) the database at path, enables WAL
// and foreign keys, and applies pending migrations.
func OpenSQLite(path string, limits Limits) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLite{conn: conn, path: path, limits: limits}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// Path returns the path to the database file.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Plans},
		{2, migrationV2SubAgents},
		{3, migrationV3Runs},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Migration SQL statements
const migrationV1Plans = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'planning',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_nodes (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	description TEXT NOT NULL,
	archetype TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	depends_on TEXT NOT NULL DEFAULT '[]',
	assigned_agent_id TEXT NOT NULL DEFAULT '',
	result TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_nodes_plan_id ON task_nodes(plan_id);
CREATE INDEX IF NOT EXISTS idx_task_nodes_status ON task_nodes(status);
`

const migrationV2SubAgents = `
CREATE TABLE IF NOT EXISTS sub_agents (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	task_node_id TEXT NOT NULL,
	archetype TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'initializing',
	task_description TEXT NOT NULL,
	upstream_context TEXT NOT NULL DEFAULT '',
	additional_tools TEXT NOT NULL DEFAULT '[]',
	messages TEXT NOT NULL DEFAULT '[]',
	tool_calls TEXT NOT NULL DEFAULT '[]',
	reasoning_steps TEXT NOT NULL DEFAULT '[]',
	artifacts TEXT NOT NULL DEFAULT '[]',
	pending_guidance TEXT NOT NULL DEFAULT '',
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0.0,
	started_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_sub_agents_run_id ON sub_agents(run_id);
CREATE INDEX IF NOT EXISTS idx_sub_agents_status ON sub_agents(status);
`

const migrationV3Runs = `
CREATE TABLE IF NOT EXISTS orchestrator_states (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'idle',
	plan_id TEXT NOT NULL DEFAULT '',
	active_agent_ids TEXT NOT NULL DEFAULT '[]',
	loop_counters TEXT NOT NULL DEFAULT '{}',
	total_interventions INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0.0,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orchestrator_states_user_id ON orchestrator_states(user_id);
CREATE INDEX IF NOT EXISTS idx_orchestrator_states_status ON orchestrator_states(status);
`

// Plan operations

func (s *SQLite) CreatePlan(ctx context.Context, p *models.TaskPlan) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO plans (id, run_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.RunID, string(p.Status), fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *SQLite) GetPlan(ctx context.Context, id string) (*models.TaskPlan, error) {
	return s.getPlanBy(ctx, "id", id)
}

func (s *SQLite) GetPlanByRun(ctx context.Context, runID string) (*models.TaskPlan, error) {
	return s.getPlanBy(ctx, "run_id", runID)
}

func (s *SQLite) getPlanBy(ctx context.Context, column, value string) (*models.TaskPlan, error) {
	var p models.TaskPlan
	var status, createdAt, updatedAt string
	row := s.conn.QueryRowContext(ctx,
		"SELECT id, run_id, status, created_at, updated_at FROM plans WHERE "+column+" = ?", value)
	if err := row.Scan(&p.ID, &p.RunID, &status, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.Status = models.PlanStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)

	rows, err := s.conn.QueryContext(ctx,
		"SELECT id FROM task_nodes WHERE plan_id = ? ORDER BY rowid", p.ID)
	if err != nil {
		return nil, fmt.Errorf("query plan nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var nodeID string
		if err := rows.Scan(&nodeID); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		p.NodeIDs = append(p.NodeIDs, nodeID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node ids: %w", err)
	}
	return &p, nil
}

func (s *SQLite) SetPlanStatus(ctx context.Context, id string, status models.PlanStatus) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE plans SET status = ?, updated_at = ? WHERE id = ?",
		string(status), fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) DeletePlan(ctx context.Context, id string) error {
	// task_nodes go with the plan via ON DELETE CASCADE.
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM plans WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	return nil
}

// Node operations

func (s *SQLite) CreateNodes(ctx context.Context, planID string, nodes []*models.TaskNode) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM plans WHERE id = ?", planID).Scan(&exists); err != nil {
		return fmt.Errorf("check plan: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	for _, n := range nodes {
		deps, err := json.Marshal(append([]string{}, n.DependsOn...))
		if err != nil {
			return fmt.Errorf("marshal depends_on: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_nodes
				(id, plan_id, description, archetype, status, depends_on,
				 assigned_agent_id, retry_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, planID, n.Description, string(n.Archetype), string(n.Status),
			string(deps), n.AssignedAgentID, n.RetryCount, fmtTime(n.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE plans SET updated_at = ? WHERE id = ?",
		fmtTime(time.Now().UTC()), planID); err != nil {
		return fmt.Errorf("touch plan: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) GetNode(ctx context.Context, id string) (*models.TaskNode, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, plan_id, description, archetype, status, depends_on,
		       assigned_agent_id, result, retry_count, created_at, completed_at
		FROM task_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return n, err
}

func (s *SQLite) ListNodes(ctx context.Context, planID string) ([]*models.TaskNode, error) {
	var exists int
	if err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM plans WHERE id = ?", planID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check plan: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, plan_id, description, archetype, status, depends_on,
		       assigned_agent_id, result, retry_count, created_at, completed_at
		FROM task_nodes WHERE plan_id = ? ORDER BY rowid`, planID)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.TaskNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return nodes, nil
}

func (s *SQLite) ClaimNode(ctx context.Context, id, agentID string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE task_nodes SET status = ?, assigned_agent_id = ?
		WHERE id = ? AND status = ?`,
		string(models.NodeStatusInProgress), agentID, id, string(models.NodeStatusPending))
	if err != nil {
		return fmt.Errorf("claim node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim node rows: %w", err)
	}
	if affected == 0 {
		if exists, err := s.rowExists(ctx, "task_nodes", id); err != nil {
			return err
		} else if exists {
			return ErrNotClaimable
		}
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) SetNodeStatus(ctx context.Context, id string, status models.NodeStatus) error {
	if status == models.NodeStatusInProgress {
		return ErrNotClaimable
	}
	terminal := status.Terminal()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE task_nodes
		SET status = ?,
		    completed_at = CASE WHEN ? AND completed_at IS NULL THEN ? ELSE completed_at END
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(status), terminal, fmtTime(time.Now().UTC()), id,
		string(models.NodeStatusCompleted), string(models.NodeStatusFailed),
		string(models.NodeStatusCancelled))
	if err != nil {
		return fmt.Errorf("update node status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update node status rows: %w", err)
	}
	if affected == 0 {
		if exists, err := s.rowExists(ctx, "task_nodes", id); err != nil {
			return err
		} else if !exists {
			return ErrNotFound
		}
		// Already terminal; the retry path is the only way out.
	}
	return nil
}

func (s *SQLite) RecordNodeResult(ctx context.Context, id string, result json.RawMessage) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE task_nodes SET result = ? WHERE id = ?", string(result), id)
	if err != nil {
		return fmt.Errorf("record node result: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) IncrementNodeRetry(ctx context.Context, id string) (int, models.NodeStatus, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE task_nodes
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 > ? THEN ? ELSE ? END,
		    assigned_agent_id = CASE WHEN retry_count + 1 > ? THEN assigned_agent_id ELSE '' END,
		    completed_at = CASE WHEN retry_count + 1 > ? AND completed_at IS NULL THEN ? ELSE completed_at END
		WHERE id = ?`,
		s.limits.MaxNodeRetries, string(models.NodeStatusFailed), string(models.NodeStatusPending),
		s.limits.MaxNodeRetries,
		s.limits.MaxNodeRetries, fmtTime(time.Now().UTC()),
		id)
	if err != nil {
		return 0, "", fmt.Errorf("increment retry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, "", fmt.Errorf("increment retry rows: %w", err)
	}
	if affected == 0 {
		return 0, "", ErrNotFound
	}

	var count int
	var status string
	if err := tx.QueryRowContext(ctx,
		"SELECT retry_count, status FROM task_nodes WHERE id = ?", id).Scan(&count, &status); err != nil {
		return 0, "", fmt.Errorf("read retry count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("commit retry: %w", err)
	}
	return count, models.NodeStatus(status), nil
}

// Agent operations

func (s *SQLite) CreateAgent(ctx context.Context, a *models.SubAgentState) error {
	tools, err := json.Marshal(append([]string{}, a.AdditionalTools...))
	if err != nil {
		return fmt.Errorf("marshal additional_tools: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO sub_agents
			(id, run_id, task_node_id, archetype, status, task_description,
			 upstream_context, additional_tools, pending_guidance,
			 total_tokens, total_cost, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.TaskNodeID, string(a.Archetype), string(a.Status),
		a.TaskDescription, a.UpstreamContext, string(tools), a.PendingGuidance,
		a.TotalTokens, a.TotalCost, fmtTime(a.StartedAt))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *SQLite) GetAgent(ctx context.Context, id string) (*models.SubAgentState, error) {
	row := s.conn.QueryRowContext(ctx, agentSelect+" WHERE id = ?", id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLite) ListAgentsByRun(ctx context.Context, runID string) ([]*models.SubAgentState, error) {
	rows, err := s.conn.QueryContext(ctx, agentSelect+" WHERE run_id = ? ORDER BY rowid", runID)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.SubAgentState
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

func (s *SQLite) SetAgentStatus(ctx context.Context, id string, status models.SubAgentStatus) error {
	terminal := status.Terminal()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sub_agents
		SET status = ?,
		    completed_at = CASE WHEN ? AND completed_at IS NULL THEN ? ELSE completed_at END
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(status), terminal, fmtTime(time.Now().UTC()), id,
		string(models.SubAgentCompleted), string(models.SubAgentFailed),
		string(models.SubAgentCancelled))
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent status rows: %w", err)
	}
	if affected == 0 {
		if exists, err := s.rowExists(ctx, "sub_agents", id); err != nil {
			return err
		} else if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *SQLite) AppendMessage(ctx context.Context, id string, msg models.AgentMessage) error {
	return s.appendJSON(ctx, id, "messages", msg)
}

func (s *SQLite) AppendToolCall(ctx context.Context, id string, tc models.ToolCallRecord) error {
	return s.appendJSON(ctx, id, "tool_calls", tc)
}

func (s *SQLite) AppendReasoning(ctx context.Context, id string, r models.ReasoningStep) error {
	return s.appendJSON(ctx, id, "reasoning_steps", r)
}

func (s *SQLite) AppendArtifact(ctx context.Context, id string, art models.Artifact) error {
	return s.appendJSON(ctx, id, "artifacts", art)
}

// appendJSON appends one element to a JSON array column in a single
// statement, preserving append-only ordering under concurrent writers.
func (s *SQLite) appendJSON(ctx context.Context, id, column string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", column, err)
	}
	res, err := s.conn.ExecContext(ctx,
		"UPDATE sub_agents SET "+column+" = json_insert("+column+", '$[#]', json(?)) WHERE id = ?",
		string(payload), id)
	if err != nil {
		return fmt.Errorf("append %s: %w", column, err)
	}
	return requireRow(res)
}

func (s *SQLite) SetGuidance(ctx context.Context, id, guidance string) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE sub_agents SET pending_guidance = ? WHERE id = ?", guidance, id)
	if err != nil {
		return fmt.Errorf("set guidance: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) ConsumeGuidance(ctx context.Context, id string) (string, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var guidance string
	err = tx.QueryRowContext(ctx,
		"SELECT pending_guidance FROM sub_agents WHERE id = ?", id).Scan(&guidance)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read guidance: %w", err)
	}
	if guidance != "" {
		if _, err := tx.ExecContext(ctx,
			"UPDATE sub_agents SET pending_guidance = '' WHERE id = ?", id); err != nil {
			return "", fmt.Errorf("clear guidance: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit guidance: %w", err)
	}
	return guidance, nil
}

func (s *SQLite) AddAgentUsage(ctx context.Context, id string, tokens int64, cost float64) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sub_agents
		SET total_tokens = total_tokens + ?, total_cost = total_cost + ?
		WHERE id = ?`, tokens, cost, id)
	if err != nil {
		return fmt.Errorf("add agent usage: %w", err)
	}
	return requireRow(res)
}

// Run operations

func (s *SQLite) CreateRunState(ctx context.Context, st *models.OrchestratorState) error {
	agents, err := json.Marshal(append([]string{}, st.ActiveAgentIDs...))
	if err != nil {
		return fmt.Errorf("marshal active_agent_ids: %w", err)
	}
	counters := st.LoopCounters
	if counters == nil {
		counters = map[string]int{}
	}
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal loop_counters: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO orchestrator_states
			(id, run_id, user_id, status, plan_id, active_agent_ids, loop_counters,
			 total_interventions, total_tokens, total_cost, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.RunID, st.UserID, string(st.Status), st.PlanID,
		string(agents), string(countersJSON),
		st.TotalInterventions, st.TotalTokens, st.TotalCost,
		fmtTime(st.StartedAt), fmtTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert run state: %w", err)
	}
	return nil
}

func (s *SQLite) GetRunState(ctx context.Context, runID string) (*models.OrchestratorState, error) {
	row := s.conn.QueryRowContext(ctx, runSelect+" WHERE run_id = ?", runID)
	st, err := scanRunState(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return st, err
}

func (s *SQLite) ListActiveRuns(ctx context.Context) ([]*models.OrchestratorState, error) {
	return s.queryRuns(ctx, runSelect+" WHERE status NOT IN (?, ?) ORDER BY rowid",
		string(models.RunCompleted), string(models.RunFailed))
}

func (s *SQLite) ListRunsByUser(ctx context.Context, userID string) ([]*models.OrchestratorState, error) {
	return s.queryRuns(ctx, runSelect+" WHERE user_id = ? ORDER BY rowid", userID)
}

func (s *SQLite) queryRuns(ctx context.Context, query string, args ...any) ([]*models.OrchestratorState, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.OrchestratorState
	for rows.Next() {
		st, err := scanRunState(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func (s *SQLite) SetRunStatus(ctx context.Context, runID string, status models.RunStatus) error {
	now := fmtTime(time.Now().UTC())
	res, err := s.conn.ExecContext(ctx, `
		UPDATE orchestrator_states
		SET status = ?,
		    updated_at = ?,
		    completed_at = CASE WHEN ? AND completed_at IS NULL THEN ? ELSE completed_at END
		WHERE run_id = ?`,
		string(status), now, status.Terminal(), now, runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) SetRunPlan(ctx context.Context, runID, planID string) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE orchestrator_states SET plan_id = ?, updated_at = ? WHERE run_id = ?",
		planID, fmtTime(time.Now().UTC()), runID)
	if err != nil {
		return fmt.Errorf("set run plan: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) AddActiveAgent(ctx context.Context, runID, agentID string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE orchestrator_states
		SET active_agent_ids = json_insert(active_agent_ids, '$[#]', ?),
		    updated_at = ?
		WHERE run_id = ?
		  AND NOT EXISTS (SELECT 1 FROM json_each(active_agent_ids) WHERE value = ?)`,
		agentID, fmtTime(time.Now().UTC()), runID, agentID)
	if err != nil {
		return fmt.Errorf("add active agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add active agent rows: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.conn.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM orchestrator_states WHERE run_id = ?", runID).Scan(&exists); err != nil {
			return fmt.Errorf("check run: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		// Agent already listed.
	}
	return nil
}

func (s *SQLite) RemoveActiveAgent(ctx context.Context, runID, agentID string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE orchestrator_states
		SET active_agent_ids = (
			SELECT COALESCE(json_group_array(value), '[]')
			FROM json_each(active_agent_ids)
			WHERE value <> ?
		),
		    updated_at = ?
		WHERE run_id = ?`,
		agentID, fmtTime(time.Now().UTC()), runID)
	if err != nil {
		return fmt.Errorf("remove active agent: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) IncrementLoopCounter(ctx context.Context, runID, nodeID string) (int, error) {
	path := fmt.Sprintf(`$."%s"`, nodeID)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orchestrator_states
		SET loop_counters = json_set(loop_counters, ?,
			COALESCE(json_extract(loop_counters, ?), 0) + 1),
		    updated_at = ?
		WHERE run_id = ?`,
		path, path, fmtTime(time.Now().UTC()), runID)
	if err != nil {
		return 0, fmt.Errorf("increment loop counter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("increment loop counter rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT json_extract(loop_counters, ?) FROM orchestrator_states WHERE run_id = ?",
		path, runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read loop counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit loop counter: %w", err)
	}
	return count, nil
}

func (s *SQLite) IncrementInterventions(ctx context.Context, runID string) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orchestrator_states
		SET total_interventions = total_interventions + 1, updated_at = ?
		WHERE run_id = ?`,
		fmtTime(time.Now().UTC()), runID)
	if err != nil {
		return 0, fmt.Errorf("increment interventions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("increment interventions rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT total_interventions FROM orchestrator_states WHERE run_id = ?",
		runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read interventions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit interventions: %w", err)
	}
	return count, nil
}

func (s *SQLite) AddRunUsage(ctx context.Context, runID string, tokens int64, cost float64) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE orchestrator_states
		SET total_tokens = total_tokens + ?, total_cost = total_cost + ?, updated_at = ?
		WHERE run_id = ?`,
		tokens, cost, fmtTime(time.Now().UTC()), runID)
	if err != nil {
		return fmt.Errorf("add run usage: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM plans WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("delete run plan: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sub_agents WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("delete run agents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM orchestrator_states WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("delete run state: %w", err)
	}
	return tx.Commit()
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.TaskNode, error) {
	var n models.TaskNode
	var archetype, status, deps, createdAt string
	var result, completedAt sql.NullString
	err := row.Scan(&n.ID, &n.PlanID, &n.Description, &archetype, &status, &deps,
		&n.AssignedAgentID, &result, &n.RetryCount, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.Archetype = models.Archetype(archetype)
	n.Status = models.NodeStatus(status)
	if err := json.Unmarshal([]byte(deps), &n.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	if result.Valid && result.String != "" {
		n.Result = json.RawMessage(result.String)
	}
	n.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		n.CompletedAt = &t
	}
	return &n, nil
}

const agentSelect = `
	SELECT id, run_id, task_node_id, archetype, status, task_description,
	       upstream_context, additional_tools, messages, tool_calls,
	       reasoning_steps, artifacts, pending_guidance,
	       total_tokens, total_cost, started_at, completed_at
	FROM sub_agents`

func scanAgent(row rowScanner) (*models.SubAgentState, error) {
	var a models.SubAgentState
	var archetype, status, tools, messages, toolCalls, reasoning, artifacts, startedAt string
	var completedAt sql.NullString
	err := row.Scan(&a.ID, &a.RunID, &a.TaskNodeID, &archetype, &status,
		&a.TaskDescription, &a.UpstreamContext, &tools, &messages, &toolCalls,
		&reasoning, &artifacts, &a.PendingGuidance,
		&a.TotalTokens, &a.TotalCost, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Archetype = models.Archetype(archetype)
	a.Status = models.SubAgentStatus(status)
	if err := json.Unmarshal([]byte(tools), &a.AdditionalTools); err != nil {
		return nil, fmt.Errorf("unmarshal additional_tools: %w", err)
	}
	if err := json.Unmarshal([]byte(messages), &a.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(toolCalls), &a.ToolCalls); err != nil {
		return nil, fmt.Errorf("unmarshal tool_calls: %w", err)
	}
	if err := json.Unmarshal([]byte(reasoning), &a.ReasoningSteps); err != nil {
		return nil, fmt.Errorf("unmarshal reasoning_steps: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &a.Artifacts); err != nil {
		return nil, fmt.Errorf("unmarshal artifacts: %w", err)
	}
	a.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		a.CompletedAt = &t
	}
	return &a, nil
}

const runSelect = `
	SELECT id, run_id, user_id, status, plan_id, active_agent_ids, loop_counters,
	       total_interventions, total_tokens, total_cost,
	       started_at, completed_at, updated_at
	FROM orchestrator_states`

func scanRunState(row rowScanner) (*models.OrchestratorState, error) {
	var st models.OrchestratorState
	var status, agents, counters, startedAt, updatedAt string
	var completedAt sql.NullString
	err := row.Scan(&st.ID, &st.RunID, &st.UserID, &status, &st.PlanID,
		&agents, &counters, &st.TotalInterventions,
		&st.TotalTokens, &st.TotalCost, &startedAt, &completedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan run state: %w", err)
	}
	st.Status = models.RunStatus(status)
	if err := json.Unmarshal([]byte(agents), &st.ActiveAgentIDs); err != nil {
		return nil, fmt.Errorf("unmarshal active_agent_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(counters), &st.LoopCounters); err != nil {
		return nil, fmt.Errorf("unmarshal loop_counters: %w", err)
	}
	st.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		st.CompletedAt = &t
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

func (s *SQLite) rowExists(ctx context.Context, table, id string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM "+table+" WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check %s row: %w", table, err)
	}
	return count > 0, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
