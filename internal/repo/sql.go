package repo

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
	"github.com/miradorstack/mirador-selfimprove/internal/utils"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Dialect selects the SQL driver and schema.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists entities as JSON payloads next to indexed id and time columns.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens dsn with the driver for dialect and applies the embedded schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, utils.NewAppError("repo.open", "unsupported dialect "+string(dialect), nil)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, utils.NewAppError("repo.open", "open database", err)
	}
	if dialect == DialectSQLite {
		// A single connection serialises writers and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	store := &SQLStore{db: db, dialect: dialect}
	if err := store.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	schema, err := schemaFS.ReadFile("schema/" + string(s.dialect) + ".sql")
	if err != nil {
		return utils.NewAppError("repo.migrate", "read schema", err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return utils.NewAppError("repo.migrate", "apply schema", err)
		}
	}
	return nil
}

func (s *SQLStore) SaveBaselines(ctx context.Context, snapshot models.BaselineSnapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return utils.NewAppError("repo.save_baselines", "encode", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO baseline_snapshots (id, taken_at, payload) VALUES (?, ?, ?)`),
		snapshot.ID, snapshot.TakenAt.UnixNano(), string(payload))
	if err != nil {
		return utils.NewAppError("repo.save_baselines", "insert", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM baseline_snapshots WHERE id NOT IN (
			SELECT id FROM baseline_snapshots ORDER BY taken_at DESC, id DESC LIMIT ?
		)`), BaselineRetention)
	if err != nil {
		return utils.NewAppError("repo.save_baselines", "prune", err)
	}
	return nil
}

func (s *SQLStore) LatestBaselines(ctx context.Context) (models.BaselineSnapshot, error) {
	var snap models.BaselineSnapshot
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM baseline_snapshots ORDER BY taken_at DESC LIMIT 1`)
	if err := scanPayload(row, &snap); err != nil {
		return models.BaselineSnapshot{}, wrapRead("repo.latest_baselines", err)
	}
	return snap, nil
}

func (s *SQLStore) SaveDiagnosis(ctx context.Context, diagnosis models.SelfDiagnosis) error {
	payload, err := json.Marshal(diagnosis)
	if err != nil {
		return utils.NewAppError("repo.save_diagnosis", "encode", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO diagnoses (id, created_at, status, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, payload = excluded.payload`),
		string(diagnosis.ID), diagnosis.CreatedAt.UnixNano(), string(diagnosis.Status), string(payload))
	if err != nil {
		return utils.NewAppError("repo.save_diagnosis", "upsert "+string(diagnosis.ID), err)
	}
	return nil
}

func (s *SQLStore) GetDiagnosis(ctx context.Context, id models.DiagnosisID) (models.SelfDiagnosis, error) {
	var d models.SelfDiagnosis
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM diagnoses WHERE id = ?`), string(id))
	if err := scanPayload(row, &d); err != nil {
		return models.SelfDiagnosis{}, wrapRead("repo.get_diagnosis", err)
	}
	return d, nil
}

func (s *SQLStore) ListDiagnoses(ctx context.Context, limit int) ([]models.SelfDiagnosis, error) {
	query := `SELECT payload FROM diagnoses ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, utils.NewAppError("repo.list_diagnoses", "query", err)
	}
	out, err := collect[models.SelfDiagnosis](rows)
	if err != nil {
		return nil, utils.NewAppError("repo.list_diagnoses", "scan", err)
	}
	reverse(out)
	return out, nil
}

func (s *SQLStore) SaveActionRecord(ctx context.Context, record models.ActionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return utils.NewAppError("repo.save_action_record", "encode", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO action_records (id, diagnosis_id, kind, outcome, created_at, payload) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		string(record.ID), string(record.DiagnosisID), string(record.Action.Kind), string(record.Outcome),
		record.CreatedAt.UnixNano(), string(payload))
	if err != nil {
		return utils.NewAppError("repo.save_action_record", "insert "+string(record.ID), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return utils.NewAppError("repo.save_action_record", string(record.ID), ErrConflict)
	}
	return nil
}

func (s *SQLStore) GetActionRecord(ctx context.Context, id models.ActionID) (models.ActionRecord, error) {
	var rec models.ActionRecord
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM action_records WHERE id = ?`), string(id))
	if err := scanPayload(row, &rec); err != nil {
		return models.ActionRecord{}, wrapRead("repo.get_action_record", err)
	}
	return rec, nil
}

func (s *SQLStore) ListActionRecords(ctx context.Context, filter ActionFilter) ([]models.ActionRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	query := `SELECT payload FROM action_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, utils.NewAppError("repo.list_action_records", "query", err)
	}
	out, err := collect[models.ActionRecord](rows)
	if err != nil {
		return nil, utils.NewAppError("repo.list_action_records", "scan", err)
	}
	reverse(out)
	return out, nil
}

func (s *SQLStore) SaveEffectiveness(ctx context.Context, effectiveness models.ActionEffectiveness) error {
	payload, err := json.Marshal(effectiveness)
	if err != nil {
		return utils.NewAppError("repo.save_effectiveness", "encode", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO action_effectiveness (kind, updated_at, payload) VALUES (?, ?, ?)
		ON CONFLICT (kind) DO UPDATE SET updated_at = excluded.updated_at, payload = excluded.payload`),
		string(effectiveness.Kind), effectiveness.UpdatedAt.UnixNano(), string(payload))
	if err != nil {
		return utils.NewAppError("repo.save_effectiveness", "upsert "+string(effectiveness.Kind), err)
	}
	return nil
}

func (s *SQLStore) ListEffectiveness(ctx context.Context) ([]models.ActionEffectiveness, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM action_effectiveness ORDER BY kind`)
	if err != nil {
		return nil, utils.NewAppError("repo.list_effectiveness", "query", err)
	}
	out, err := collect[models.ActionEffectiveness](rows)
	if err != nil {
		return nil, utils.NewAppError("repo.list_effectiveness", "scan", err)
	}
	return out, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return utils.NewAppError("repo.ping", string(s.dialect), err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayload(row rowScanner, out any) error {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func collect[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var item T
		if err := scanPayload(rows, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func wrapRead(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return utils.NewAppError(op, "lookup", ErrNotFound)
	}
	return utils.NewAppError(op, "read", err)
}

// Open returns the store selected by driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case string(DialectSQLite), string(DialectPostgres):
		return OpenSQL(ctx, Dialect(driver), dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
