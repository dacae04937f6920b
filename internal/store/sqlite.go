package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	_ "modernc.org/sqlite"

	"github.com/idport/idport/internal/core"
)

// SQLiteStore persists token records, their audit trail, the tenant
// signing keys and the seeded subject/client directory in a single sqlite
// database, and doubles as the named locker for processes sharing the
// file. The issuance transaction maps onto a real BEGIN/COMMIT, so a token
// record can never outlive a failed audit write. Issuer string and expiry
// settings stay in the config file and are served from the seeded values.
type SQLiteStore struct {
	db       *sql.DB
	issuer   map[string]string
	settings map[string]core.ExpirySettings
}

// NewSQLiteStore opens (and if needed initializes) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// sqlite handles one writer at a time; serialize on the pool
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{
		db:       db,
		issuer:   make(map[string]string),
		settings: make(map[string]core.ExpirySettings),
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			subject_id      INTEGER NOT NULL,
			client_id       TEXT NOT NULL DEFAULT '',
			scopes          TEXT NOT NULL DEFAULT '',
			content_hash    TEXT NOT NULL,
			creation_date   INTEGER NOT NULL,
			expiration_date INTEGER NOT NULL,
			metadata        TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			UNIQUE (content_hash, kind)
		);`,
		`CREATE TABLE IF NOT EXISTS audit (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			entry      TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS signing_keys (
			kid             TEXT PRIMARY KEY,
			tenant          TEXT NOT NULL,
			type            TEXT NOT NULL,
			private_pem     BLOB NOT NULL,
			available_since INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS subjects (
			id         INTEGER PRIMARY KEY,
			status     TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS clients (
			client_id     TEXT PRIMARY KEY,
			callback_urls TEXT NOT NULL,
			secret_hashes TEXT NOT NULL,
			subject_field TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS locks (
			name        TEXT PRIMARY KEY,
			holder      TEXT NOT NULL,
			acquired_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	return nil
}

// SetTenant seeds issuer and expiry settings for a tenant, mirroring the
// config file.
func (s *SQLiteStore) SetTenant(tenant, issuer string, settings core.ExpirySettings) {
	s.issuer[tenant] = issuer
	s.settings[tenant] = settings
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) InsertToken(ctx context.Context, rec core.TokenRecord) error {
	metadata := ""
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tokens (id, kind, subject_id, client_id, scopes, content_hash,
			creation_date, expiration_date, metadata, title)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, string(rec.Kind), rec.SubjectID, rec.ClientID,
		strings.Join(rec.Scopes, " "), rec.ContentHash,
		rec.CreationDate.Unix(), expiryUnix(rec.ExpirationDate), metadata, rec.Title,
	)
	if err != nil {
		return fmt.Errorf("inserting token record: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteToken(ctx context.Context, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("deleting token record: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *sqliteTx) AppendAudit(ctx context.Context, entry core.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO audit (entry) VALUES (?);`, string(data)); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx core.TokenTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const tokenColumns = `id, kind, subject_id, client_id, scopes, content_hash,
	creation_date, expiration_date, metadata, title`

func (s *SQLiteStore) LookupByHash(ctx context.Context, contentHash string, kind core.TokenKind) (*core.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE content_hash = ? AND kind = ?;`,
		contentHash, string(kind))
	return scanToken(row)
}

func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*core.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ?;`, id)
	return scanToken(row)
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("deleting token record: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) DeleteByHash(ctx context.Context, contentHash string, kind core.TokenKind) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE content_hash = ? AND kind = ?;`,
		contentHash, string(kind))
	if err != nil {
		return false, fmt.Errorf("deleting token record: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) UpdateToken(ctx context.Context, id string, title *string, expires *time.Time) error {
	rec, err := s.GetToken(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return core.NewTokenError("no token with id %q", id)
	}

	newTitle := rec.Title
	if title != nil {
		newTitle = *title
	}
	newExpires := expiryUnix(rec.ExpirationDate)
	if expires != nil {
		newExpires = expiryUnix(*expires)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tokens SET title = ?, expiration_date = ? WHERE id = ?;`,
		newTitle, newExpires, id)
	if err != nil {
		return fmt.Errorf("updating token record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]core.TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens
		WHERE expiration_date = 0 OR expiration_date > ?
		ORDER BY creation_date;`,
		time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()

	var records []core.TokenRecord
	for rows.Next() {
		rec, err := scanTokenRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// AuditEntries returns the transactional audit trail, oldest first.
func (s *SQLiteStore) AuditEntries(ctx context.Context) ([]core.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry FROM audit ORDER BY seq;`)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []core.AuditEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var entry core.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decoding audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// TenantConfig implementation

func (s *SQLiteStore) Issuer(_ context.Context, tenant string) (string, error) {
	issuer, ok := s.issuer[tenant]
	if !ok || issuer == "" {
		return "", core.NewConfigError("tenant %q has no issuer configured", tenant)
	}
	return issuer, nil
}

func (s *SQLiteStore) ExpirySettings(_ context.Context, tenant string) (core.ExpirySettings, error) {
	settings, ok := s.settings[tenant]
	if !ok {
		return core.ExpirySettings{}, core.NewConfigError("tenant %q has no expiry settings", tenant)
	}
	return settings, nil
}

func (s *SQLiteStore) SigningKeys(ctx context.Context, tenant string) ([]core.SigningKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kid, type, private_pem, available_since FROM signing_keys
		WHERE tenant = ? ORDER BY available_since;`, tenant)
	if err != nil {
		return nil, fmt.Errorf("listing signing keys: %w", err)
	}
	defer rows.Close()

	var keys []core.SigningKey
	for rows.Next() {
		var (
			key   core.SigningKey
			typ   string
			since int64
		)
		if err := rows.Scan(&key.KeyID, &typ, &key.PrivatePEM, &since); err != nil {
			return nil, err
		}
		key.Type = core.KeyType(typ)
		key.AvailableSince = time.Unix(since, 0).UTC()
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) SaveSigningKeys(ctx context.Context, tenant string, keys []core.SigningKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range keys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signing_keys (kid, tenant, type, private_pem, available_since)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (kid) DO NOTHING;`,
			key.KeyID, tenant, string(key.Type), key.PrivatePEM, key.AvailableSince.Unix())
		if err != nil {
			return fmt.Errorf("saving signing key %q: %w", key.KeyID, err)
		}
	}
	return tx.Commit()
}

// Directory implementation. Subjects and clients are seeded from the
// config file at startup with SeedDirectory and served from the tables.

func (s *SQLiteStore) SeedDirectory(ctx context.Context, subjects []Subject, clients []core.ClientRegistration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, sub := range subjects {
		attrs, err := json.Marshal(sub.Attributes)
		if err != nil {
			return fmt.Errorf("encoding subject %d attributes: %w", sub.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subjects (id, status, attributes) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET status = excluded.status,
				attributes = excluded.attributes;`,
			sub.ID, sub.Status, string(attrs))
		if err != nil {
			return fmt.Errorf("seeding subject %d: %w", sub.ID, err)
		}
	}
	for _, c := range clients {
		callbacks, err := json.Marshal(c.CallbackURLs)
		if err != nil {
			return fmt.Errorf("encoding client %q callbacks: %w", c.ClientID, err)
		}
		hashes, err := json.Marshal(c.SecretHashes)
		if err != nil {
			return fmt.Errorf("encoding client %q secret hashes: %w", c.ClientID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO clients (client_id, callback_urls, secret_hashes, subject_field)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (client_id) DO UPDATE SET callback_urls = excluded.callback_urls,
				secret_hashes = excluded.secret_hashes,
				subject_field = excluded.subject_field;`,
			c.ClientID, string(callbacks), string(hashes), c.SubjectField)
		if err != nil {
			return fmt.Errorf("seeding client %q: %w", c.ClientID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SubjectAttribute(ctx context.Context, subjectID int64, field string) (string, error) {
	sub, err := s.subject(ctx, subjectID)
	if err != nil {
		return "", err
	}
	if field == "" {
		field = DefaultSubjectField
	}
	value, ok := sub.Attributes[field]
	if !ok || value == "" {
		return "", core.NewTokenError("subject %d has no %q attribute", subjectID, field)
	}
	return value, nil
}

func (s *SQLiteStore) AccountStatus(ctx context.Context, subjectID int64) (string, bool, error) {
	sub, err := s.subject(ctx, subjectID)
	if err != nil {
		return "", true, err
	}
	return sub.Status, true, nil
}

func (s *SQLiteStore) subject(ctx context.Context, subjectID int64) (*Subject, error) {
	var (
		sub   Subject
		attrs string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, attributes FROM subjects WHERE id = ?;`,
		subjectID).Scan(&sub.ID, &sub.Status, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewTokenError("unknown subject %d", subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading subject %d: %w", subjectID, err)
	}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &sub.Attributes); err != nil {
			return nil, fmt.Errorf("decoding subject %d attributes: %w", subjectID, err)
		}
	}
	return &sub, nil
}

func (s *SQLiteStore) Client(ctx context.Context, clientID string) (*core.ClientRegistration, error) {
	var (
		reg       core.ClientRegistration
		callbacks string
		hashes    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, callback_urls, secret_hashes, subject_field
		FROM clients WHERE client_id = ?;`,
		clientID).Scan(&reg.ClientID, &callbacks, &hashes, &reg.SubjectField)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading client %q: %w", clientID, err)
	}
	if err := json.Unmarshal([]byte(callbacks), &reg.CallbackURLs); err != nil {
		return nil, fmt.Errorf("decoding client %q callbacks: %w", clientID, err)
	}
	if err := json.Unmarshal([]byte(hashes), &reg.SecretHashes); err != nil {
		return nil, fmt.Errorf("decoding client %q secret hashes: %w", clientID, err)
	}
	return &reg, nil
}

// staleLockAge is how long a lock row may sit before another process may
// steal it. Lock holders are expected to finish well within this window.
const staleLockAge = time.Minute

// WithLock implements core.NamedLocker on a lock table, so two processes
// sharing the database file cannot run the locked section concurrently.
func (s *SQLiteStore) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	holder := xid.New().String()

	for {
		acquired, err := s.tryLock(ctx, name, holder)
		if err != nil {
			return err
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	defer func() {
		_, _ = s.db.ExecContext(context.WithoutCancel(ctx),
			`DELETE FROM locks WHERE name = ? AND holder = ?;`, name, holder)
	}()

	return fn(ctx)
}

func (s *SQLiteStore) tryLock(ctx context.Context, name, holder string) (bool, error) {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = ? AND acquired_at < ?;`,
		name, now.Add(-staleLockAge).Unix()); err != nil {
		return false, fmt.Errorf("expiring stale lock: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (name, holder, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING;`,
		name, holder, now.Unix())
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func expiryUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row *sql.Row) (*core.TokenRecord, error) {
	rec, err := scanTokenRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanTokenRow(row rowScanner) (*core.TokenRecord, error) {
	var (
		rec      core.TokenRecord
		kind     string
		scopes   string
		created  int64
		expires  int64
		metadata string
	)
	err := row.Scan(&rec.ID, &kind, &rec.SubjectID, &rec.ClientID, &scopes,
		&rec.ContentHash, &created, &expires, &metadata, &rec.Title)
	if err != nil {
		return nil, err
	}

	rec.Kind = core.TokenKind(kind)
	if scopes != "" {
		rec.Scopes = strings.Fields(scopes)
	}
	rec.CreationDate = time.Unix(created, 0).UTC()
	if expires != 0 {
		rec.ExpirationDate = time.Unix(expires, 0).UTC()
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &rec, nil
}
