// Package gormstore provides a SQL storage backend built on GORM. It
// works with any dialect GORM supports; the authorization-code
// single-use guarantee relies on SELECT ... FOR UPDATE row locking on
// backends that support it and on the serialized write path of SQLite.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/webstead/indieauth/storage"
)

type clientRow struct {
	ID            uint   `gorm:"primaryKey"`
	ClientID      string `gorm:"uniqueIndex;size:512;not null"`
	Name          string
	LogoURL       string
	RedirectURIs  string `gorm:"type:text"` // JSON array
	LastFetchedAt *time.Time
	FetchError    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (clientRow) TableName() string { return "indieauth_clients" }

type codeRow struct {
	ID                  uint   `gorm:"primaryKey"`
	CodeHash            string `gorm:"uniqueIndex;size:64;not null"`
	CodeChallenge       string `gorm:"size:128"`
	CodeChallengeMethod string `gorm:"size:16"`
	ClientID            string `gorm:"size:512;index"`
	RedirectURI         string
	Me                  string
	Scope               string
	Username            string `gorm:"size:150"`
	CreatedAt           time.Time
	ExpiresAt           time.Time
	UsedAt              *time.Time
}

func (codeRow) TableName() string { return "indieauth_codes" }

type tokenRow struct {
	ID        uint   `gorm:"primaryKey"`
	TokenHash string `gorm:"uniqueIndex;size:64;not null"`
	ClientID  string `gorm:"size:512;index"`
	Me        string
	Scope     string
	Username  string `gorm:"size:150"`
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

func (tokenRow) TableName() string { return "indieauth_tokens" }

type consentRow struct {
	ID         uint   `gorm:"primaryKey"`
	Username   string `gorm:"size:150;uniqueIndex:idx_consent_key,priority:1;not null"`
	ClientID   string `gorm:"size:512;uniqueIndex:idx_consent_key,priority:2;not null"`
	Scope      string `gorm:"size:512;uniqueIndex:idx_consent_key,priority:3"`
	CreatedAt  time.Time
	LastUsedAt time.Time
}

func (consentRow) TableName() string { return "indieauth_consents" }

type requestLogRow struct {
	ID         uint `gorm:"primaryKey"`
	Method     string
	Path       string
	StatusCode int
	Error      string
	RemoteAddr string
	UserAgent  string
	CreatedAt  time.Time `gorm:"index"`
}

func (requestLogRow) TableName() string { return "indieauth_request_logs" }

// Store is a storage.Store backed by a GORM database handle.
type Store struct {
	db *gorm.DB
}

// New migrates the schema and returns a store over db.
func New(db *gorm.DB) (*Store, error) {
	err := db.AutoMigrate(&clientRow{}, &codeRow{}, &tokenRow{}, &consentRow{}, &requestLogRow{})
	if err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// FindClient retrieves a client by client_id.
func (s *Store) FindClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var row clientRow
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return clientFromRow(&row)
}

// UpsertClient inserts or replaces a client record keyed by client_id.
func (s *Store) UpsertClient(ctx context.Context, client *storage.Client) error {
	uris, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to encode redirect URIs: %w", err)
	}

	row := clientRow{
		ClientID:     client.ClientID,
		Name:         client.Name,
		LogoURL:      client.LogoURL,
		RedirectURIs: string(uris),
		FetchError:   client.FetchError,
	}
	if !client.LastFetchedAt.IsZero() {
		t := client.LastFetchedAt
		row.LastFetchedAt = &t
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "logo_url", "redirect_uris", "last_fetched_at", "fetch_error", "updated_at",
		}),
	}).Create(&row).Error
}

// InsertCode saves an authorization code.
func (s *Store) InsertCode(ctx context.Context, code *storage.AuthorizationCode) error {
	row := codeRow{
		CodeHash:            code.CodeHash,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Me:                  code.Me,
		Scope:               code.Scope,
		Username:            code.Username,
		CreatedAt:           code.CreatedAt,
		ExpiresAt:           code.ExpiresAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// ConsumeCode claims the unconsumed code matching codeHash inside a
// transaction, holding a row lock across the verify callback. The code is
// marked used only when verify passes, so a failed PKCE check leaves the
// code claimable. A second concurrent exchange blocks on the lock and
// then finds no unconsumed row.
func (s *Store) ConsumeCode(ctx context.Context, codeHash string, verify func(*storage.AuthorizationCode) error) (*storage.AuthorizationCode, error) {
	var result *storage.AuthorizationCode

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		// SQLite has no FOR UPDATE; its single-writer transactions already
		// serialize the consume.
		if tx.Dialector.Name() != "sqlite" {
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var row codeRow
		err := query.
			Where("code_hash = ? AND used_at IS NULL", codeHash).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		code := codeFromRow(&row)
		if err := verify(code); err != nil {
			return err
		}

		now := time.Now()
		err = tx.Model(&codeRow{}).Where("id = ?", row.ID).Update("used_at", now).Error
		if err != nil {
			return err
		}

		code.UsedAt = now
		result = code
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InsertToken saves an access token.
func (s *Store) InsertToken(ctx context.Context, token *storage.AccessToken) error {
	row := tokenRow{
		TokenHash: token.TokenHash,
		ClientID:  token.ClientID,
		Me:        token.Me,
		Scope:     token.Scope,
		Username:  token.Username,
		CreatedAt: token.CreatedAt,
		ExpiresAt: token.ExpiresAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// FindTokenByHash retrieves a token by its hash.
func (s *Store) FindTokenByHash(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tokenFromRow(&row), nil
}

// RevokeToken stamps the token's revocation time if it exists and is not
// already revoked. Affecting zero rows is not an error.
func (s *Store) RevokeToken(ctx context.Context, tokenHash string, now time.Time) error {
	return s.db.WithContext(ctx).Model(&tokenRow{}).
		Where("token_hash = ? AND revoked_at IS NULL", tokenHash).
		Update("revoked_at", now).Error
}

// FindConsent retrieves a remembered consent by its exact key.
func (s *Store) FindConsent(ctx context.Context, username, clientID, scope string) (*storage.Consent, error) {
	var row consentRow
	err := s.db.WithContext(ctx).
		Where("username = ? AND client_id = ? AND scope = ?", username, clientID, scope).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &storage.Consent{
		Username:   row.Username,
		ClientID:   row.ClientID,
		Scope:      row.Scope,
		CreatedAt:  row.CreatedAt,
		LastUsedAt: row.LastUsedAt,
	}, nil
}

// UpsertConsent inserts or refreshes a consent keyed by
// (username, client_id, scope).
func (s *Store) UpsertConsent(ctx context.Context, consent *storage.Consent) error {
	row := consentRow{
		Username:   consent.Username,
		ClientID:   consent.ClientID,
		Scope:      consent.Scope,
		CreatedAt:  consent.CreatedAt,
		LastUsedAt: consent.LastUsedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}, {Name: "client_id"}, {Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_used_at"}),
	}).Create(&row).Error
}

// TouchConsent updates the last-used timestamp of an existing consent.
func (s *Store) TouchConsent(ctx context.Context, username, clientID, scope string, now time.Time) error {
	return s.db.WithContext(ctx).Model(&consentRow{}).
		Where("username = ? AND client_id = ? AND scope = ?", username, clientID, scope).
		Update("last_used_at", now).Error
}

// InsertRequestLog appends a request log entry.
func (s *Store) InsertRequestLog(ctx context.Context, entry *storage.RequestLog) error {
	row := requestLogRow{
		Method:     entry.Method,
		Path:       entry.Path,
		StatusCode: entry.StatusCode,
		Error:      entry.Error,
		RemoteAddr: entry.RemoteAddr,
		UserAgent:  entry.UserAgent,
		CreatedAt:  entry.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func clientFromRow(row *clientRow) (*storage.Client, error) {
	client := &storage.Client{
		ClientID:   row.ClientID,
		Name:       row.Name,
		LogoURL:    row.LogoURL,
		FetchError: row.FetchError,
	}
	if row.LastFetchedAt != nil {
		client.LastFetchedAt = *row.LastFetchedAt
	}
	if row.RedirectURIs != "" {
		if err := json.Unmarshal([]byte(row.RedirectURIs), &client.RedirectURIs); err != nil {
			return nil, fmt.Errorf("failed to decode redirect URIs for %s: %w", row.ClientID, err)
		}
	}
	return client, nil
}

func codeFromRow(row *codeRow) *storage.AuthorizationCode {
	code := &storage.AuthorizationCode{
		CodeHash:            row.CodeHash,
		CodeChallenge:       row.CodeChallenge,
		CodeChallengeMethod: row.CodeChallengeMethod,
		ClientID:            row.ClientID,
		RedirectURI:         row.RedirectURI,
		Me:                  row.Me,
		Scope:               row.Scope,
		Username:            row.Username,
		CreatedAt:           row.CreatedAt,
		ExpiresAt:           row.ExpiresAt,
	}
	if row.UsedAt != nil {
		code.UsedAt = *row.UsedAt
	}
	return code
}

func tokenFromRow(row *tokenRow) *storage.AccessToken {
	token := &storage.AccessToken{
		TokenHash: row.TokenHash,
		ClientID:  row.ClientID,
		Me:        row.Me,
		Scope:     row.Scope,
		Username:  row.Username,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}
	if row.RevokedAt != nil {
		token.RevokedAt = *row.RevokedAt
	}
	return token
}
