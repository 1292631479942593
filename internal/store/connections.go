package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/syncerr"
)

// SaveConnection inserts or replaces a connection record.
func (s *Store) SaveConnection(rec *models.ConnectionRecord) error {
	if rec.SourceID == "" {
		return syncerr.Storage("save connection", fmt.Errorf("source id is required"))
	}
	now := s.clock()
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = now
	}
	rec.UpdatedAt = now

	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return syncerr.Storage("save connection", fmt.Errorf("marshal scopes: %w", err))
	}
	var expiresAt sql.NullTime
	if rec.Credential.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: rec.Credential.ExpiresAt.UTC(), Valid: true}
	}

	_, err = s.db.Exec(
		`INSERT INTO connections (source_id, provider_type, account_id, display_name, access_token, refresh_token, expires_at, scopes, status, connected_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET
			provider_type = excluded.provider_type,
			account_id = excluded.account_id,
			display_name = excluded.display_name,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			status = excluded.status,
			connected_at = excluded.connected_at,
			updated_at = excluded.updated_at`,
		rec.SourceID, rec.ProviderType, nullString(rec.AccountID), nullString(rec.DisplayName),
		nullString(rec.Credential.AccessToken), nullString(rec.Credential.RefreshToken), expiresAt,
		string(scopes), string(rec.Status), rec.ConnectedAt.UTC(), rec.UpdatedAt,
	)
	if err != nil {
		return syncerr.Storage("save connection", fmt.Errorf("upsert connection %s: %w", rec.SourceID, err))
	}
	return nil
}

const connectionColumns = `source_id, provider_type, account_id, display_name, access_token, refresh_token, expires_at, scopes, status, connected_at, updated_at`

// GetConnection returns the record for sourceID, or nil if none exists.
func (s *Store) GetConnection(sourceID string) (*models.ConnectionRecord, error) {
	row := s.db.QueryRow(`SELECT `+connectionColumns+` FROM connections WHERE source_id = ?`, sourceID)
	rec, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage("get connection", err)
	}
	return rec, nil
}

// ListConnections returns every connection record ordered by source id.
func (s *Store) ListConnections() ([]models.ConnectionRecord, error) {
	rows, err := s.db.Query(`SELECT ` + connectionColumns + ` FROM connections ORDER BY source_id`)
	if err != nil {
		return nil, syncerr.Storage("list connections", err)
	}
	defer rows.Close()

	var out []models.ConnectionRecord
	for rows.Next() {
		rec, err := scanConnection(rows)
		if err != nil {
			return nil, syncerr.Storage("list connections", err)
		}
		out = append(out, *rec)
	}
	return out, syncerr.Storage("list connections", rows.Err())
}

// DeleteConnection removes a record. Missing records are a no-op.
func (s *Store) DeleteConnection(sourceID string) error {
	_, err := s.db.Exec(`DELETE FROM connections WHERE source_id = ?`, sourceID)
	return syncerr.Storage("delete connection", err)
}

func scanConnection(row scanner) (*models.ConnectionRecord, error) {
	rec := &models.ConnectionRecord{}
	var account, display, access, refresh, scopes sql.NullString
	var expiresAt sql.NullTime
	var status string

	err := row.Scan(&rec.SourceID, &rec.ProviderType, &account, &display, &access, &refresh,
		&expiresAt, &scopes, &status, &rec.ConnectedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.AccountID = account.String
	rec.DisplayName = display.String
	rec.Credential.AccessToken = access.String
	rec.Credential.RefreshToken = refresh.String
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.Credential.ExpiresAt = &t
	}
	rec.Status = models.ConnectionStatus(status)
	if scopes.Valid && scopes.String != "" && scopes.String != "null" {
		if err := json.Unmarshal([]byte(scopes.String), &rec.Scopes); err != nil {
			return nil, fmt.Errorf("unmarshal scopes: %w", err)
		}
	}
	return rec, nil
}
