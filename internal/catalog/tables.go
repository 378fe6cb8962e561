// File path: internal/catalog/tables.go
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/neuropil/neuropil/internal/common"
	"github.com/neuropil/neuropil/internal/frame"
)

func dataTableName(modality, name string) string {
	return fmt.Sprintf("manifest_%s_%s", modality, name)
}

func validIdent(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

func sqlType(kind frame.Kind) string {
	switch kind {
	case frame.KindFloat:
		return "REAL"
	case frame.KindInt, frame.KindUint, frame.KindBool:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// SaveTables replaces the stored tables for a modality inside a single
// transaction and records the build signature alongside them.
func (s *Store) SaveTables(ctx context.Context, modality string, tables map[string]*frame.Frame, signature string) error {
	if s == nil || s.db == nil {
		return errors.New("catalog store not initialised")
	}
	if !validIdent(modality) {
		return fmt.Errorf("invalid modality name %q", modality)
	}
	if strings.TrimSpace(signature) == "" {
		return errors.New("catalog signature required")
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		if !validIdent(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	builtAt := time.Now().UTC()
	for _, name := range names {
		f := tables[name]
		if f == nil {
			return fmt.Errorf("table %s is nil", name)
		}
		if err := saveTable(ctx, tx, modality, name, f, signature, builtAt); err != nil {
			return fmt.Errorf("save table %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	common.Logger().Info("catalog: tables saved", "modality", modality, "tables", len(names))
	return nil
}

func saveTable(ctx context.Context, tx *sqlx.Tx, modality, name string, f *frame.Frame, signature string, builtAt time.Time) error {
	dataName := dataTableName(modality, name)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", dataName)); err != nil {
		return fmt.Errorf("drop data table: %w", err)
	}

	specs := f.Schema()
	defs := make([]string, 0, len(specs)+1)
	defs = append(defs, "_rid INTEGER PRIMARY KEY AUTOINCREMENT")
	cols := make([]string, 0, len(specs))
	holes := make([]string, 0, len(specs))
	for _, spec := range specs {
		if !validIdent(spec.Name) {
			return fmt.Errorf("invalid column name %q", spec.Name)
		}
		defs = append(defs, fmt.Sprintf("%q %s", spec.Name, sqlType(spec.Kind)))
		cols = append(cols, fmt.Sprintf("%q", spec.Name))
		holes = append(holes, "?")
	}
	ddl := fmt.Sprintf("CREATE TABLE %q (%s)", dataName, strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create data table: %w", err)
	}

	if len(specs) > 0 && f.Len() > 0 {
		insert := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", dataName, strings.Join(cols, ", "), strings.Join(holes, ", "))
		stmt, err := tx.PreparexContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for i := 0; i < f.Len(); i++ {
			args := make([]interface{}, 0, len(specs))
			for _, spec := range specs {
				arg, err := storageValue(f, spec, i)
				if err != nil {
					return fmt.Errorf("row %d column %s: %w", i, spec.Name, err)
				}
				args = append(args, arg)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert row %d: %w", i, err)
			}
		}
	}

	schemaJSON, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO manifest_meta (modality, table_name, signature, schema_json, row_count, built_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (modality, table_name) DO UPDATE SET
    signature = excluded.signature,
    schema_json = excluded.schema_json,
    row_count = excluded.row_count,
    built_at = excluded.built_at`,
		modality, name, signature, string(schemaJSON), f.Len(), builtAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record table meta: %w", err)
	}
	return nil
}

func storageValue(f *frame.Frame, spec frame.ColumnSpec, row int) (interface{}, error) {
	switch spec.Kind {
	case frame.KindFloat:
		if v, ok := f.Float(spec.Name, row); ok {
			return v, nil
		}
	case frame.KindInt:
		if v, ok := f.Int(spec.Name, row); ok {
			return v, nil
		}
	case frame.KindUint:
		if v, ok := f.Uint(spec.Name, row); ok {
			return int64(v), nil
		}
	case frame.KindString:
		if v, ok := f.Str(spec.Name, row); ok {
			return v, nil
		}
	case frame.KindBool:
		if v, ok := f.Bool(spec.Name, row); ok {
			return v, nil
		}
	case frame.KindTime:
		if v, ok := f.Time(spec.Name, row); ok {
			return v.UTC().Format(time.RFC3339Nano), nil
		}
	case frame.KindSet:
		if v, ok := f.Set(spec.Name, row); ok {
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode set: %w", err)
			}
			return string(encoded), nil
		}
	default:
		return nil, fmt.Errorf("unsupported column kind %q", spec.Kind)
	}
	return nil, nil
}

// LoadTables returns every stored table for a modality, or ErrStale when the
// catalog is empty for it or was built under a different signature.
func (s *Store) LoadTables(ctx context.Context, modality, signature string) (map[string]*frame.Frame, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("catalog store not initialised")
	}
	type metaRow struct {
		TableName  string `db:"table_name"`
		Signature  string `db:"signature"`
		SchemaJSON string `db:"schema_json"`
		RowCount   int64  `db:"row_count"`
	}
	var metas []metaRow
	if err := s.db.SelectContext(ctx, &metas,
		`SELECT table_name, signature, schema_json, row_count FROM manifest_meta WHERE modality = ? ORDER BY table_name`,
		modality); err != nil {
		return nil, fmt.Errorf("read table meta: %w", err)
	}
	if len(metas) == 0 {
		return nil, fmt.Errorf("no stored tables for modality %s: %w", modality, ErrStale)
	}
	for _, meta := range metas {
		if meta.Signature != signature {
			return nil, fmt.Errorf("table %s built under a different signature: %w", meta.TableName, ErrStale)
		}
	}

	tables := make(map[string]*frame.Frame, len(metas))
	for _, meta := range metas {
		var specs []frame.ColumnSpec
		if err := json.Unmarshal([]byte(meta.SchemaJSON), &specs); err != nil {
			return nil, fmt.Errorf("decode schema for %s: %w", meta.TableName, err)
		}
		f, err := s.loadTable(ctx, modality, meta.TableName, specs)
		if err != nil {
			return nil, fmt.Errorf("load table %s: %w", meta.TableName, err)
		}
		if int64(f.Len()) != meta.RowCount {
			return nil, fmt.Errorf("table %s holds %d rows, expected %d", meta.TableName, f.Len(), meta.RowCount)
		}
		tables[meta.TableName] = f
	}
	common.Logger().Info("catalog: tables loaded", "modality", modality, "tables", len(tables))
	return tables, nil
}

func (s *Store) loadTable(ctx context.Context, modality, name string, specs []frame.ColumnSpec) (*frame.Frame, error) {
	f, err := frame.New(specs...)
	if err != nil {
		return nil, fmt.Errorf("rebuild schema: %w", err)
	}
	if len(specs) == 0 {
		return f, nil
	}
	cols := make([]string, 0, len(specs))
	for _, spec := range specs {
		if !validIdent(spec.Name) {
			return nil, fmt.Errorf("invalid column name %q", spec.Name)
		}
		cols = append(cols, fmt.Sprintf("%q", spec.Name))
	}
	query := fmt.Sprintf("SELECT %s FROM %q ORDER BY _rid", strings.Join(cols, ", "), dataTableName(modality, name))
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		raw, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		values := make(map[string]interface{}, len(specs))
		for i, spec := range specs {
			v, err := restoreValue(spec, raw[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", spec.Name, err)
			}
			if v != nil {
				values[spec.Name] = v
			}
		}
		if err := f.AppendRow(values); err != nil {
			return nil, fmt.Errorf("append row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return f, nil
}

func restoreValue(spec frame.ColumnSpec, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	switch spec.Kind {
	case frame.KindFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		}
	case frame.KindInt:
		if v, ok := raw.(int64); ok {
			return v, nil
		}
	case frame.KindUint:
		if v, ok := raw.(int64); ok {
			if v < 0 {
				return nil, fmt.Errorf("negative value %d for unsigned column", v)
			}
			return uint64(v), nil
		}
	case frame.KindString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case frame.KindBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		}
	case frame.KindTime:
		text, ok := textValue(raw)
		if !ok {
			break
		}
		parsed, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil, fmt.Errorf("parse time: %w", err)
		}
		return parsed.UTC(), nil
	case frame.KindSet:
		text, ok := textValue(raw)
		if !ok {
			break
		}
		var members []string
		if err := json.Unmarshal([]byte(text), &members); err != nil {
			return nil, fmt.Errorf("decode set: %w", err)
		}
		return members, nil
	default:
		return nil, fmt.Errorf("unsupported column kind %q", spec.Kind)
	}
	return nil, fmt.Errorf("unexpected stored type %T", raw)
}

func textValue(raw interface{}) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

// Clear drops the stored tables for a modality along with their metadata.
func (s *Store) Clear(ctx context.Context, modality string) error {
	if s == nil || s.db == nil {
		return errors.New("catalog store not initialised")
	}
	if !validIdent(modality) {
		return fmt.Errorf("invalid modality name %q", modality)
	}
	var names []string
	if err := s.db.SelectContext(ctx, &names,
		`SELECT table_name FROM manifest_meta WHERE modality = ?`, modality); err != nil {
		return fmt.Errorf("read table meta: %w", err)
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()
	for _, name := range names {
		if !validIdent(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", dataTableName(modality, name))); err != nil {
			return fmt.Errorf("drop table %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM manifest_meta WHERE modality = ?`, modality); err != nil {
		return fmt.Errorf("delete table meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	common.Logger().Info("catalog: tables cleared", "modality", modality, "tables", len(names))
	return nil
}
