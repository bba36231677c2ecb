/*
 * Copyright 2025 The MedFlow Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package trace

import (
	"database/sql"
	"fmt"
	"time"

	// Database drivers selectable through driverName.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/utils/json"
)

// SQLStore is the durable trace store over database/sql. Supported
// drivers are "postgres" and "mysql"; the session sequence comes from
// the auto-incremented row id so ordering survives restarts.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ types.TraceStore = (*SQLStore)(nil)

// NewSQLStore opens the database and ensures the trace schema exists.
func NewSQLStore(driverName, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, driver: driverName}
	if err = s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema() error {
	var headerDDL, bodyDDL string
	switch s.driver {
	case "mysql":
		headerDDL = `CREATE TABLE IF NOT EXISTS trace_header (
			seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(64) NOT NULL,
			session_id VARCHAR(64) NOT NULL,
			correlation_id VARCHAR(64),
			parent_id VARCHAR(64),
			source_host VARCHAR(128) NOT NULL,
			target_host VARCHAR(128),
			status VARCHAR(16) NOT NULL,
			is_error BOOL NOT NULL,
			error_text TEXT,
			body_id VARCHAR(64) NOT NULL,
			created_at DATETIME(3) NOT NULL,
			INDEX idx_trace_header_session (session_id)
		)`
		bodyDDL = `CREATE TABLE IF NOT EXISTS trace_body (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			content_type VARCHAR(128) NOT NULL,
			body_class VARCHAR(64) NOT NULL,
			raw MEDIUMBLOB NOT NULL,
			fields TEXT,
			created_at DATETIME(3) NOT NULL
		)`
	default:
		headerDDL = `CREATE TABLE IF NOT EXISTS trace_header (
			seq BIGSERIAL PRIMARY KEY,
			id VARCHAR(64) NOT NULL,
			session_id VARCHAR(64) NOT NULL,
			correlation_id VARCHAR(64),
			parent_id VARCHAR(64),
			source_host VARCHAR(128) NOT NULL,
			target_host VARCHAR(128),
			status VARCHAR(16) NOT NULL,
			is_error BOOLEAN NOT NULL,
			error_text TEXT,
			body_id VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`
		bodyDDL = `CREATE TABLE IF NOT EXISTS trace_body (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			content_type VARCHAR(128) NOT NULL,
			body_class VARCHAR(64) NOT NULL,
			raw BYTEA NOT NULL,
			fields TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`
	}
	if _, err := s.db.Exec(headerDDL); err != nil {
		return err
	}
	if _, err := s.db.Exec(bodyDDL); err != nil {
		return err
	}
	if s.driver != "mysql" {
		_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_trace_header_session ON trace_header (session_id)`)
		return err
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.driver == "mysql" {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func (s *SQLStore) SaveHop(header *types.TraceHeader) error {
	query := fmt.Sprintf(`INSERT INTO trace_header
		(id, session_id, correlation_id, parent_id, source_host, target_host, status, is_error, error_text, body_id, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8),
		s.placeholder(9), s.placeholder(10), s.placeholder(11))
	createdAt := header.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(query,
		header.Id, header.SessionId, header.CorrelationId, header.ParentId,
		header.SourceHost, header.TargetHost, string(header.Status), header.IsError,
		header.ErrorText, header.BodyId, createdAt)
	return err
}

func (s *SQLStore) SaveBody(body *types.TraceBody) error {
	fields := ""
	if len(body.Fields) > 0 {
		if data, err := json.Marshal(body.Fields); err == nil {
			fields = string(data)
		}
	}
	createdAt := body.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var query string
	if s.driver == "mysql" {
		query = `INSERT IGNORE INTO trace_body (id, content_type, body_class, raw, fields, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`
	} else {
		query = `INSERT INTO trace_body (id, content_type, body_class, raw, fields, created_at)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`
	}
	_, err := s.db.Exec(query, body.Id, body.ContentType, body.BodyClass, body.Raw, fields, createdAt)
	return err
}

func (s *SQLStore) Session(sessionId string) ([]*types.TraceHeader, error) {
	query := fmt.Sprintf(`SELECT seq, id, session_id, correlation_id, parent_id, source_host, target_host,
		status, is_error, error_text, body_id, created_at
		FROM trace_header WHERE session_id = %s ORDER BY seq`, s.placeholder(1))
	rows, err := s.db.Query(query, sessionId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.TraceHeader
	for rows.Next() {
		var h types.TraceHeader
		var status string
		if err = rows.Scan(&h.Seq, &h.Id, &h.SessionId, &h.CorrelationId, &h.ParentId,
			&h.SourceHost, &h.TargetHost, &status, &h.IsError, &h.ErrorText,
			&h.BodyId, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Status = types.HopStatus(status)
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
