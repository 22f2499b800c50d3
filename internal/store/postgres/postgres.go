package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Keyring-Network/inquiryos/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

var requiredTables = []string{
	"research_runs",
	"research_steps",
	"sources",
	"answers",
	"pipeline_events",
	"pipeline_event_sequences",
}

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	for _, table := range requiredTables {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) DB() *sql.DB {
	return p.db
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) CreateRun(ctx context.Context, run store.ResearchRun) error {
	status := strings.TrimSpace(run.Status)
	if status == "" {
		status = store.RunStatusPending
	}
	const query = `
		INSERT INTO research_runs (id, query, title, status, model_provider, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		run.ID,
		run.Query,
		nullString(run.Title),
		status,
		run.ModelProvider,
		nullString(run.ErrorMessage),
		parseTimestampValue(run.CreatedAt),
		parseTimestampValue(run.UpdatedAt),
	)
	return err
}

const runColumns = `id, query, title, status, model_provider, error_message, created_at, updated_at`

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (*store.ResearchRun, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM research_runs WHERE id = $1", runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *PostgresStore) ListRuns(ctx context.Context, limit int, offset int) ([]store.ResearchRun, error) {
	var limitValue any
	if limit > 0 {
		limitValue = limit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM research_runs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2",
		limitValue, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ResearchRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) UpdateRun(ctx context.Context, run store.ResearchRun) error {
	const query = `
		UPDATE research_runs
		SET title = $2, status = $3, model_provider = $4, error_message = $5, updated_at = $6
		WHERE id = $1
	`
	result, err := p.db.ExecContext(ctx, query,
		run.ID,
		nullString(run.Title),
		run.Status,
		run.ModelProvider,
		nullString(run.ErrorMessage),
		parseTimestampValue(run.UpdatedAt),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListSteps(ctx context.Context, runID string) ([]store.ResearchStep, error) {
	const query = `
		SELECT id, run_id, step_index, step_type, status, input, output, error_message, created_at
		FROM research_steps
		WHERE run_id = $1
		ORDER BY step_index ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ResearchStep{}
	for rows.Next() {
		var (
			step         store.ResearchStep
			stepType     string
			inputBytes   []byte
			outputBytes  []byte
			errorMessage sql.NullString
			createdAt    time.Time
		)
		if err := rows.Scan(&step.ID, &step.RunID, &step.StepIndex, &stepType, &step.Status, &inputBytes, &outputBytes, &errorMessage, &createdAt); err != nil {
			return nil, err
		}
		step.StepType = store.StepType(stepType)
		if len(inputBytes) > 0 {
			if err := json.Unmarshal(inputBytes, &step.Input); err != nil {
				return nil, fmt.Errorf("decode step %s input: %w", step.ID, err)
			}
		}
		output, err := store.DecodeOutput(step.StepType, outputBytes)
		if err != nil {
			return nil, fmt.Errorf("decode step %s: %w", step.ID, err)
		}
		step.Output = output
		step.ErrorMessage = errorMessage.String
		step.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		results = append(results, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// CommitStep writes the step row and its source and answer changes in one
// transaction.
func (p *PostgresStore) CommitStep(ctx context.Context, commit store.StepCommit) (err error) {
	step := commit.Step
	inputBytes, err := json.Marshal(step.Input)
	if err != nil {
		return err
	}
	outputBytes, err := store.EncodeOutput(step.Output)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists bool
	if err = tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM research_runs WHERE id = $1)", step.RunID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		err = store.ErrNotFound
		return err
	}

	const insertStep = `
		INSERT INTO research_steps (id, run_id, step_index, step_type, status, input, output, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, step_index) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, insertStep,
		step.ID,
		step.RunID,
		step.StepIndex,
		string(step.StepType),
		step.Status,
		inputBytes,
		nullBytes(outputBytes),
		nullString(step.ErrorMessage),
		parseTimestampValue(step.CreatedAt),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		err = store.ErrStepConflict
		return err
	}

	for _, source := range commit.NewSources {
		if err = insertSourceTx(ctx, tx, step.RunID, source); err != nil {
			return err
		}
	}
	for _, source := range commit.UpdatedSources {
		if err = updateSourceTx(ctx, tx, step.RunID, source); err != nil {
			return err
		}
	}
	if commit.Answer != nil {
		if err = upsertAnswerTx(ctx, tx, step.RunID, *commit.Answer); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func insertSourceTx(ctx context.Context, tx *sql.Tx, runID string, source store.Source) error {
	metadata := source.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO sources (id, run_id, url, title, summary, raw_content, relevance_score, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.ExecContext(ctx, query,
		source.ID,
		runID,
		source.URL,
		nullString(source.Title),
		nullString(source.Summary),
		nullString(source.RawContent),
		floatPtrValue(source.RelevanceScore),
		encoded,
		parseTimestampValue(source.CreatedAt),
	)
	return err
}

func updateSourceTx(ctx context.Context, tx *sql.Tx, runID string, source store.Source) error {
	const query = `
		UPDATE sources
		SET title = COALESCE($3, title),
			summary = $4,
			raw_content = $5,
			relevance_score = COALESCE($6, relevance_score)
		WHERE id = $1 AND run_id = $2
	`
	result, err := tx.ExecContext(ctx, query,
		source.ID,
		runID,
		nullString(source.Title),
		nullString(source.Summary),
		nullString(source.RawContent),
		floatPtrValue(source.RelevanceScore),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("postgres: source %s not found for run %s: %w", source.ID, runID, store.ErrNotFound)
	}
	return nil
}

func upsertAnswerTx(ctx context.Context, tx *sql.Tx, runID string, answer store.Answer) error {
	citations := answer.Citations
	if citations == nil {
		citations = map[string][]string{}
	}
	encoded, err := json.Marshal(citations)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO answers (id, run_id, content, citations, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id)
		DO UPDATE SET id = EXCLUDED.id, content = EXCLUDED.content, citations = EXCLUDED.citations, created_at = EXCLUDED.created_at
	`
	_, err = tx.ExecContext(ctx, query, answer.ID, runID, answer.Content, encoded, parseTimestampValue(answer.CreatedAt))
	return err
}

func (p *PostgresStore) ListSources(ctx context.Context, runID string) ([]store.Source, error) {
	const query = `
		SELECT id, run_id, url, title, summary, raw_content, relevance_score, metadata, created_at
		FROM sources
		WHERE run_id = $1
		ORDER BY ordinal ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Source{}
	for rows.Next() {
		var (
			source        store.Source
			title         sql.NullString
			summary       sql.NullString
			rawContent    sql.NullString
			score         sql.NullFloat64
			metadataBytes []byte
			createdAt     time.Time
		)
		if err := rows.Scan(&source.ID, &source.RunID, &source.URL, &title, &summary, &rawContent, &score, &metadataBytes, &createdAt); err != nil {
			return nil, err
		}
		source.Title = title.String
		source.Summary = summary.String
		source.RawContent = rawContent.String
		if score.Valid {
			value := score.Float64
			source.RelevanceScore = &value
		}
		source.Metadata = decodeJSONMap(metadataBytes)
		source.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		results = append(results, source)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) GetAnswer(ctx context.Context, runID string) (*store.Answer, error) {
	const query = `
		SELECT id, run_id, content, citations, created_at
		FROM answers
		WHERE run_id = $1
	`
	var (
		answer         store.Answer
		citationsBytes []byte
		createdAt      time.Time
	)
	err := p.db.QueryRowContext(ctx, query, runID).Scan(&answer.ID, &answer.RunID, &answer.Content, &citationsBytes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	answer.Citations = map[string][]string{}
	if len(citationsBytes) > 0 {
		if err := json.Unmarshal(citationsBytes, &answer.Citations); err != nil {
			return nil, fmt.Errorf("decode answer citations: %w", err)
		}
	}
	answer.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	return &answer, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event store.PipelineEvent) error {
	event.Type = strings.ToLower(strings.TrimSpace(event.Type))
	const query = `
		INSERT INTO pipeline_events (run_id, seq, type, mode, stage, duration_ms, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	var duration any
	if event.DurationMS > 0 {
		duration = event.DurationMS
	}
	_, err := p.db.ExecContext(ctx, query,
		event.RunID,
		event.Seq,
		event.Type,
		nullString(event.Mode),
		nullString(event.Stage),
		duration,
		nullString(event.ErrorMessage),
		parseTimestampValue(event.CreatedAt),
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.PipelineEvent, error) {
	const query = `
		SELECT run_id, seq, type, mode, stage, duration_ms, error_message, created_at
		FROM pipeline_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.PipelineEvent{}
	for rows.Next() {
		var (
			event        store.PipelineEvent
			mode         sql.NullString
			stage        sql.NullString
			duration     sql.NullInt64
			errorMessage sql.NullString
			createdAt    time.Time
		)
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &mode, &stage, &duration, &errorMessage, &createdAt); err != nil {
			return nil, err
		}
		event.Mode = mode.String
		event.Stage = stage.String
		event.DurationMS = duration.Int64
		event.ErrorMessage = errorMessage.String
		event.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	const query = `
		INSERT INTO pipeline_event_sequences (run_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (run_id)
		DO UPDATE SET last_seq = pipeline_event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, runID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.ResearchRun, error) {
	var (
		run          store.ResearchRun
		title        sql.NullString
		errorMessage sql.NullString
		createdAt    time.Time
		updatedAt    time.Time
	)
	if err := row.Scan(&run.ID, &run.Query, &title, &run.Status, &run.ModelProvider, &errorMessage, &createdAt, &updatedAt); err != nil {
		return store.ResearchRun{}, err
	}
	run.Title = title.String
	run.ErrorMessage = errorMessage.String
	run.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	run.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return run, nil
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func nullBytes(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}

func floatPtrValue(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func decodeJSONMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}
