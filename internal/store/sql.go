package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cosilium-ai/cosilium/internal/models"
)

// JSONB stores a map as a JSON column (jsonb on Postgres, TEXT on SQLite).
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, j)
}

// JSONStrings stores a string slice as a JSON column.
type JSONStrings []string

func (j JSONStrings) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONStrings) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, j)
}

// JSONDoc stores an arbitrary document as a JSON column.
type JSONDoc json.RawMessage

func (j JSONDoc) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

func (j *JSONDoc) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	*j = append((*j)[:0], b...)
	return nil
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T as JSON", value)
	}
}

// SQL is the durable backend over Postgres or SQLite via sqlx.
type SQL struct {
	db     *sqlx.DB
	driver string
}

// OpenSQL connects and bootstraps the schema. driverName is postgres or
// sqlite.
func OpenSQL(driverName, dsn string) (*SQL, error) {
	sqlDriver := driverName
	if driverName == "sqlite" {
		sqlDriver = "sqlite3"
	}
	db, err := sqlx.Connect(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driverName, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQL{db: db, driver: driverName}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) Source() string { return SourceDatabase }
func (s *SQL) Close() error   { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task_text TEXT NOT NULL,
		task_type TEXT NOT NULL,
		context_text TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		settings TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS analyses (
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		analysis_text TEXT NOT NULL,
		confidence REAL NOT NULL,
		key_points TEXT,
		risks TEXT,
		assumptions TEXT,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (session_id, agent_id, iteration)
	)`,
	`CREATE TABLE IF NOT EXISTS critiques (
		session_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		score REAL NOT NULL,
		critique_text TEXT NOT NULL,
		weaknesses TEXT,
		strengths TEXT,
		suggestions TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (session_id, iteration, from_agent, to_agent)
	)`,
	`CREATE TABLE IF NOT EXISTS syntheses (
		session_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		doc TEXT NOT NULL,
		consensus_level REAL NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (session_id, iteration)
	)`,
	`CREATE TABLE IF NOT EXISTS results (
		session_id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_metrics (
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		model TEXT NOT NULL,
		phase TEXT NOT NULL,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_metrics_session ON run_metrics(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_run_metrics_created ON run_metrics(created_at)`,
	`CREATE TABLE IF NOT EXISTS prompts (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		prompt_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		content TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL,
		prompt_type TEXT NOT NULL,
		status TEXT NOT NULL,
		variants TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS experiment_runs (
		id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		variant_id TEXT NOT NULL,
		test_input TEXT NOT NULL,
		quality REAL NOT NULL,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
}

func (s *SQL) bootstrap() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

func (s *SQL) rebind(q string) string { return s.db.Rebind(q) }

func (s *SQL) CreateSession(ctx context.Context, sess *models.Session) error {
	settings, err := json.Marshal(sess.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (id, task_text, task_type, context_text, status, settings, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.TaskText, sess.TaskType, sess.ContextText, sess.Status,
		string(settings), JSONB(sess.Metadata), sess.CreatedAt, sess.UpdatedAt)
	recordWrite("session", err)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

type sessionRow struct {
	ID          string    `db:"id"`
	TaskText    string    `db:"task_text"`
	TaskType    string    `db:"task_type"`
	ContextText string    `db:"context_text"`
	Status      string    `db:"status"`
	Settings    string    `db:"settings"`
	Metadata    JSONB     `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r sessionRow) toModel() (*models.Session, error) {
	var settings models.Settings
	if err := json.Unmarshal([]byte(r.Settings), &settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &models.Session{
		ID:          r.ID,
		TaskText:    r.TaskText,
		TaskType:    r.TaskType,
		ContextText: r.ContextText,
		Status:      r.Status,
		Settings:    settings,
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func (s *SQL) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT * FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toModel()
}

func (s *SQL) UpdateSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`),
		status, time.Now().UTC(), id,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		cur, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == status {
			return nil
		}
		return fmt.Errorf("session %s already %s: %w", id, cur.Status, ErrConflict)
	}
	return nil
}

func (s *SQL) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT * FROM sessions ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]models.Session, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *SQL) AppendAnalysis(ctx context.Context, a *models.AgentAnalysis) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO analyses (session_id, agent_id, iteration, analysis_text, confidence,
			key_points, risks, assumptions, tokens_in, tokens_out, cost_usd, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.SessionID, a.AgentID, a.Iteration, a.AnalysisText, a.Confidence,
		JSONStrings(a.KeyPoints), JSONStrings(a.Risks), JSONStrings(a.Assumptions),
		a.TokensIn, a.TokensOut, a.CostUSD, a.DurationMs, a.CreatedAt)
	recordWrite("analysis", err)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

type analysisRow struct {
	SessionID    string      `db:"session_id"`
	AgentID      string      `db:"agent_id"`
	Iteration    int         `db:"iteration"`
	AnalysisText string      `db:"analysis_text"`
	Confidence   float64     `db:"confidence"`
	KeyPoints    JSONStrings `db:"key_points"`
	Risks        JSONStrings `db:"risks"`
	Assumptions  JSONStrings `db:"assumptions"`
	TokensIn     int         `db:"tokens_in"`
	TokensOut    int         `db:"tokens_out"`
	CostUSD      float64     `db:"cost_usd"`
	DurationMs   int64       `db:"duration_ms"`
	CreatedAt    time.Time   `db:"created_at"`
}

func (s *SQL) ListAnalyses(ctx context.Context, sessionID string, iteration int) ([]models.AgentAnalysis, error) {
	q := `SELECT * FROM analyses WHERE session_id = ?`
	args := []interface{}{sessionID}
	if iteration != ListIterationAll {
		q += ` AND iteration = ?`
		args = append(args, iteration)
	}
	q += ` ORDER BY iteration, agent_id`
	var rows []analysisRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	out := make([]models.AgentAnalysis, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.AgentAnalysis{
			SessionID:    r.SessionID,
			AgentID:      r.AgentID,
			Iteration:    r.Iteration,
			AnalysisText: r.AnalysisText,
			Confidence:   r.Confidence,
			KeyPoints:    r.KeyPoints,
			Risks:        r.Risks,
			Assumptions:  r.Assumptions,
			TokensIn:     r.TokensIn,
			TokensOut:    r.TokensOut,
			CostUSD:      r.CostUSD,
			DurationMs:   r.DurationMs,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

func (s *SQL) AppendCritique(ctx context.Context, c *models.Critique) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO critiques (session_id, iteration, from_agent, to_agent, score,
			critique_text, weaknesses, strengths, suggestions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.SessionID, c.Iteration, c.FromAgent, c.ToAgent, c.Score,
		c.CritiqueText, JSONStrings(c.Weaknesses), JSONStrings(c.Strengths),
		JSONStrings(c.Suggestions), c.CreatedAt)
	recordWrite("critique", err)
	if err != nil {
		return fmt.Errorf("insert critique: %w", err)
	}
	return nil
}

type critiqueRow struct {
	SessionID    string      `db:"session_id"`
	Iteration    int         `db:"iteration"`
	FromAgent    string      `db:"from_agent"`
	ToAgent      string      `db:"to_agent"`
	Score        float64     `db:"score"`
	CritiqueText string      `db:"critique_text"`
	Weaknesses   JSONStrings `db:"weaknesses"`
	Strengths    JSONStrings `db:"strengths"`
	Suggestions  JSONStrings `db:"suggestions"`
	CreatedAt    time.Time   `db:"created_at"`
}

func (s *SQL) ListCritiques(ctx context.Context, sessionID string, iteration int) ([]models.Critique, error) {
	q := `SELECT * FROM critiques WHERE session_id = ?`
	args := []interface{}{sessionID}
	if iteration != ListIterationAll {
		q += ` AND iteration = ?`
		args = append(args, iteration)
	}
	q += ` ORDER BY iteration, from_agent, to_agent`
	var rows []critiqueRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list critiques: %w", err)
	}
	out := make([]models.Critique, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Critique{
			SessionID:    r.SessionID,
			Iteration:    r.Iteration,
			FromAgent:    r.FromAgent,
			ToAgent:      r.ToAgent,
			Score:        r.Score,
			CritiqueText: r.CritiqueText,
			Weaknesses:   r.Weaknesses,
			Strengths:    r.Strengths,
			Suggestions:  r.Suggestions,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

func (s *SQL) AppendSynthesis(ctx context.Context, syn *models.Synthesis) error {
	doc, err := json.Marshal(syn)
	if err != nil {
		return fmt.Errorf("marshal synthesis: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO syntheses (session_id, iteration, doc, consensus_level, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		syn.SessionID, syn.Iteration, string(doc), syn.ConsensusLevel, syn.CreatedAt)
	recordWrite("synthesis", err)
	if err != nil {
		return fmt.Errorf("insert synthesis: %w", err)
	}
	return nil
}

func (s *SQL) ListSyntheses(ctx context.Context, sessionID string) ([]models.Synthesis, error) {
	var docs []string
	err := s.db.SelectContext(ctx, &docs, s.rebind(
		`SELECT doc FROM syntheses WHERE session_id = ? ORDER BY iteration`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list syntheses: %w", err)
	}
	out := make([]models.Synthesis, 0, len(docs))
	for _, d := range docs {
		var syn models.Synthesis
		if err := json.Unmarshal([]byte(d), &syn); err != nil {
			return nil, fmt.Errorf("unmarshal synthesis: %w", err)
		}
		out = append(out, syn)
	}
	return out, nil
}

func (s *SQL) SaveResult(ctx context.Context, r *models.FinalResult) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO results (session_id, doc, created_at) VALUES (?, ?, ?)
			ON CONFLICT (session_id) DO UPDATE SET doc = EXCLUDED.doc`
	} else {
		q = `INSERT OR REPLACE INTO results (session_id, doc, created_at) VALUES (?, ?, ?)`
	}
	_, err = s.db.ExecContext(ctx, s.rebind(q), r.SessionID, string(doc), r.CreatedAt)
	recordWrite("result", err)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *SQL) GetResult(ctx context.Context, sessionID string) (*models.FinalResult, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, s.rebind(
		`SELECT doc FROM results WHERE session_id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result for %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	var r models.FinalResult
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &r, nil
}

func (s *SQL) RecordRunMetric(ctx context.Context, rm models.RunMetric) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO run_metrics (session_id, agent_id, model, phase, tokens_in, tokens_out,
			cost_usd, latency_ms, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rm.SessionID, rm.AgentID, rm.Model, rm.Phase, rm.TokensIn, rm.TokensOut,
		rm.CostUSD, rm.LatencyMs, rm.Status, rm.ErrorMessage, rm.CreatedAt)
	recordWrite("run_metric", err)
	if err != nil {
		return fmt.Errorf("insert run metric: %w", err)
	}
	return nil
}

type runMetricRow struct {
	SessionID    string         `db:"session_id"`
	AgentID      string         `db:"agent_id"`
	Model        string         `db:"model"`
	Phase        string         `db:"phase"`
	TokensIn     int            `db:"tokens_in"`
	TokensOut    int            `db:"tokens_out"`
	CostUSD      float64        `db:"cost_usd"`
	LatencyMs    int64          `db:"latency_ms"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (s *SQL) ListRunMetrics(ctx context.Context, sessionID string) ([]models.RunMetric, error) {
	var rows []runMetricRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT * FROM run_metrics WHERE session_id = ? ORDER BY created_at`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list run metrics: %w", err)
	}
	out := make([]models.RunMetric, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.RunMetric{
			SessionID:    r.SessionID,
			AgentID:      r.AgentID,
			Model:        r.Model,
			Phase:        r.Phase,
			TokensIn:     r.TokensIn,
			TokensOut:    r.TokensOut,
			CostUSD:      r.CostUSD,
			LatencyMs:    r.LatencyMs,
			Status:       r.Status,
			ErrorMessage: r.ErrorMessage.String,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

func (s *SQL) SummarizeMetrics(ctx context.Context, since time.Time) (*models.MetricsSummary, error) {
	var rows []runMetricRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT * FROM run_metrics WHERE created_at >= ?`), since)
	if err != nil {
		return nil, fmt.Errorf("summarize metrics: %w", err)
	}
	sum := &models.MetricsSummary{
		ByAgent: make(map[string]int),
		ByModel: make(map[string]float64),
	}
	var latencyTotal int64
	for _, r := range rows {
		sum.Calls++
		switch r.Status {
		case models.CallStatusError:
			sum.Errors++
		case models.CallStatusTimeout:
			sum.Timeouts++
		}
		sum.TotalTokens += r.TokensIn + r.TokensOut
		sum.TotalCostUSD += r.CostUSD
		sum.ByAgent[r.AgentID]++
		sum.ByModel[r.Model] += r.CostUSD
		latencyTotal += r.LatencyMs
	}
	if sum.Calls > 0 {
		sum.AvgLatencyMs = float64(latencyTotal) / float64(sum.Calls)
	}
	return sum, nil
}

type promptRow struct {
	ID         string    `db:"id"`
	AgentID    string    `db:"agent_id"`
	PromptType string    `db:"prompt_type"`
	Version    int       `db:"version"`
	Content    string    `db:"content"`
	IsActive   bool      `db:"is_active"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r promptRow) toModel() models.PromptTemplate {
	return models.PromptTemplate{
		ID:         r.ID,
		AgentID:    r.AgentID,
		PromptType: r.PromptType,
		Version:    r.Version,
		Content:    r.Content,
		IsActive:   r.IsActive,
		CreatedAt:  r.CreatedAt,
	}
}

func (s *SQL) ActivePrompt(ctx context.Context, agentID, promptType string) (*models.PromptTemplate, error) {
	var row promptRow
	err := s.db.GetContext(ctx, &row, s.rebind(`
		SELECT * FROM prompts WHERE agent_id = ? AND prompt_type = ? AND is_active = ?`),
		agentID, promptType, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active prompt: %w", err)
	}
	out := row.toModel()
	return &out, nil
}

func (s *SQL) ListPrompts(ctx context.Context, agentID string) ([]models.PromptTemplate, error) {
	q := `SELECT * FROM prompts`
	var args []interface{}
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY agent_id, prompt_type, version`
	var rows []promptRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	out := make([]models.PromptTemplate, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQL) CreatePrompt(ctx context.Context, p *models.PromptTemplate) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	err = tx.GetContext(ctx, &maxVersion, s.rebind(
		`SELECT MAX(version) FROM prompts WHERE agent_id = ? AND prompt_type = ?`),
		p.AgentID, p.PromptType)
	if err != nil {
		return fmt.Errorf("max version: %w", err)
	}
	p.Version = int(maxVersion.Int64) + 1

	if p.IsActive {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE prompts SET is_active = ? WHERE agent_id = ? AND prompt_type = ?`),
			false, p.AgentID, p.PromptType); err != nil {
			return fmt.Errorf("deactivate prior: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO prompts (id, agent_id, prompt_type, version, content, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.AgentID, p.PromptType, p.Version, p.Content, p.IsActive, p.CreatedAt); err != nil {
		recordWrite("prompt", err)
		return fmt.Errorf("insert prompt: %w", err)
	}
	recordWrite("prompt", nil)
	return tx.Commit()
}

func (s *SQL) ActivatePrompt(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var row promptRow
	err = tx.GetContext(ctx, &row, s.rebind(`SELECT * FROM prompts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("prompt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get prompt: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE prompts SET is_active = ? WHERE agent_id = ? AND prompt_type = ?`),
		false, row.AgentID, row.PromptType); err != nil {
		return fmt.Errorf("deactivate prior: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE prompts SET is_active = ? WHERE id = ?`), true, id); err != nil {
		return fmt.Errorf("activate prompt: %w", err)
	}
	return tx.Commit()
}

type experimentRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	AgentID     string    `db:"agent_id"`
	PromptType  string    `db:"prompt_type"`
	Status      string    `db:"status"`
	Variants    JSONDoc   `db:"variants"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r experimentRow) toModel() (*models.Experiment, error) {
	var variants []models.Variant
	if len(r.Variants) > 0 {
		if err := json.Unmarshal(r.Variants, &variants); err != nil {
			return nil, fmt.Errorf("unmarshal variants: %w", err)
		}
	}
	return &models.Experiment{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		AgentID:     r.AgentID,
		PromptType:  r.PromptType,
		Status:      r.Status,
		Variants:    variants,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func (s *SQL) CreateExperiment(ctx context.Context, e *models.Experiment) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	for i := range e.Variants {
		if e.Variants[i].ID == "" {
			e.Variants[i].ID = uuid.NewString()
		}
		e.Variants[i].ExperimentID = e.ID
	}
	variants, err := json.Marshal(e.Variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO experiments (id, name, description, agent_id, prompt_type, status, variants, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Name, e.Description, e.AgentID, e.PromptType, e.Status,
		string(variants), e.CreatedAt, e.UpdatedAt)
	recordWrite("experiment", err)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

func (s *SQL) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	var row experimentRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT * FROM experiments WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	return row.toModel()
}

func (s *SQL) ListExperiments(ctx context.Context) ([]models.Experiment, error) {
	var rows []experimentRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	out := make([]models.Experiment, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *SQL) UpdateExperimentStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE experiments SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update experiment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQL) RecordExperimentRun(ctx context.Context, r *models.ExperimentRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO experiment_runs (id, experiment_id, variant_id, test_input, quality, latency_ms, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.ExperimentID, r.VariantID, r.TestInput, r.Quality, r.LatencyMs, r.CostUSD, r.CreatedAt)
	recordWrite("experiment_run", err)
	if err != nil {
		return fmt.Errorf("insert experiment run: %w", err)
	}
	return nil
}

type experimentRunRow struct {
	ID           string    `db:"id"`
	ExperimentID string    `db:"experiment_id"`
	VariantID    string    `db:"variant_id"`
	TestInput    string    `db:"test_input"`
	Quality      float64   `db:"quality"`
	LatencyMs    int64     `db:"latency_ms"`
	CostUSD      float64   `db:"cost_usd"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *SQL) ListExperimentRuns(ctx context.Context, experimentID string) ([]models.ExperimentRun, error) {
	var rows []experimentRunRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT * FROM experiment_runs WHERE experiment_id = ? ORDER BY created_at`), experimentID)
	if err != nil {
		return nil, fmt.Errorf("list experiment runs: %w", err)
	}
	out := make([]models.ExperimentRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.ExperimentRun{
			ID:           r.ID,
			ExperimentID: r.ExperimentID,
			VariantID:    r.VariantID,
			TestInput:    r.TestInput,
			Quality:      r.Quality,
			LatencyMs:    r.LatencyMs,
			CostUSD:      r.CostUSD,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

var _ Store = (*SQL)(nil)
