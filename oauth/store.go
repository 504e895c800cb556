package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/streamquest/crypto"
	"github.com/onnwee/streamquest/docstore"
)

// DefaultCredentialPath is the settings document holding the moderator token.
const DefaultCredentialPath = "settings/twitch_moderator"

// defaultTokenLifetime is assumed when the issuer does not report expires_in.
const defaultTokenLifetime = 60 * time.Minute

// Token is a freshly minted access/refresh pair.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scopes       []string
}

// LastError records the most recent refresh failure.
type LastError struct {
	At      time.Time `json:"at"`
	Status  int       `json:"status"`
	Message string    `json:"message"`
}

// Credential is the decoded credential record.
type Credential struct {
	AccessToken          string
	AccessTokenExpiresAt time.Time
	RefreshToken         string
	RefreshTokenHash     string
	PrevRefreshTokenHash string
	RotationCount        int
	IssuerIdentity       string
	Scopes               []string
	TokenType            string
	RotatedAt            time.Time
	LastError            *LastError
}

// credentialDoc is the stored shape. Token fields are null when absent and
// may be encrypted (encryption_version 1).
type credentialDoc struct {
	AccessToken          *string    `json:"access_token"`
	AccessTokenExpiresAt int64      `json:"access_token_expires_at"`
	RefreshToken         *string    `json:"refresh_token"`
	RefreshTokenHash     string     `json:"refresh_token_hash,omitempty"`
	PrevRefreshTokenHash *string    `json:"prev_refresh_token_hash"`
	RotationCount        int        `json:"rotation_count"`
	IssuerIdentity       string     `json:"issuer_identity,omitempty"`
	Scopes               []string   `json:"scopes,omitempty"`
	TokenType            string     `json:"token_type,omitempty"`
	RotatedAt            *time.Time `json:"rotated_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
	EncryptionVersion    int        `json:"encryption_version"`
	LastError            *LastError `json:"last_error"`
}

// CredentialStore adapts a docstore document to the credential record. When
// an Encryptor is configured tokens are sealed at rest.
type CredentialStore struct {
	store docstore.Store
	path  string
	enc   crypto.Encryptor
	now   func() time.Time
}

// NewCredentialStore returns an adapter for the record at path
// (DefaultCredentialPath when empty). enc may be nil.
func NewCredentialStore(store docstore.Store, path string, enc crypto.Encryptor) *CredentialStore {
	if path == "" {
		path = DefaultCredentialPath
	}
	return &CredentialStore{store: store, path: path, enc: enc, now: time.Now}
}

// Path returns the document path of the record.
func (s *CredentialStore) Path() string { return s.path }

// Load returns the stored credential. A missing record yields a zero
// Credential and no error.
func (s *CredentialStore) Load(ctx context.Context) (Credential, error) {
	doc, err := s.store.Get(ctx, s.path)
	if errors.Is(err, docstore.ErrNotFound) {
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	return s.decode(doc)
}

// Rotate stores the pair obtained by exchanging used. The previous hash
// records which refresh token was spent so sibling processes can detect the
// rotation.
func (s *CredentialStore) Rotate(ctx context.Context, used string, tok Token, issuer string) (Credential, error) {
	return s.replace(ctx, tok, issuer, func(Credential) string { return crypto.Fingerprint(used) })
}

// StoreConsent stores the pair minted by the authorization code flow.
func (s *CredentialStore) StoreConsent(ctx context.Context, tok Token, issuer string) (Credential, error) {
	return s.replace(ctx, tok, issuer, func(cur Credential) string { return cur.RefreshTokenHash })
}

func (s *CredentialStore) replace(ctx context.Context, tok Token, issuer string, prevHash func(Credential) string) (Credential, error) {
	if tok.AccessToken == "" {
		return Credential{}, errors.New("store credential: empty access token")
	}
	var out Credential
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		cur, err := s.readTx(ctx, tx)
		if err != nil {
			return err
		}
		now := s.now()
		next := cur
		next.AccessToken = tok.AccessToken
		next.AccessTokenExpiresAt = tok.Expiry
		if next.AccessTokenExpiresAt.IsZero() {
			next.AccessTokenExpiresAt = now.Add(defaultTokenLifetime)
		}
		if tok.RefreshToken != "" {
			next.RefreshToken = tok.RefreshToken
		}
		next.PrevRefreshTokenHash = prevHash(cur)
		next.RefreshTokenHash = crypto.Fingerprint(next.RefreshToken)
		next.RotationCount = cur.RotationCount + 1
		next.RotatedAt = now
		if issuer != "" {
			next.IssuerIdentity = issuer
		}
		if len(tok.Scopes) > 0 {
			next.Scopes = tok.Scopes
		}
		if tok.TokenType != "" {
			next.TokenType = tok.TokenType
		}
		next.LastError = nil

		doc, err := s.encode(next)
		if err != nil {
			return err
		}
		tx.Set(s.path, doc)
		out = next
		return nil
	})
	if err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return out, nil
}

// Update applies fn to the current record inside a transaction and stores
// the result. fn may run more than once when the transaction is retried.
func (s *CredentialStore) Update(ctx context.Context, fn func(c *Credential) error) (Credential, error) {
	var out Credential
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		cur, err := s.readTx(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(&cur); err != nil {
			return err
		}
		if cur.RefreshToken != "" {
			cur.RefreshTokenHash = crypto.Fingerprint(cur.RefreshToken)
		}
		doc, err := s.encode(cur)
		if err != nil {
			return err
		}
		tx.Set(s.path, doc)
		out = cur
		return nil
	})
	if err != nil {
		return Credential{}, fmt.Errorf("update credential: %w", err)
	}
	return out, nil
}

// ErrCredentialRotated is returned by Purge when the stored refresh token is
// no longer the one that was rejected.
var ErrCredentialRotated = errors.New("credential rotated by another process")

// Purge clears every token field after the issuer rejected tried. It is a
// no-op returning ErrCredentialRotated when storage already holds a different
// refresh token. Hashes and the rotation count are kept for forensics.
func (s *CredentialStore) Purge(ctx context.Context, tried string, status int, message string) error {
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		cur, err := s.readTx(ctx, tx)
		if err != nil {
			return err
		}
		if cur.RefreshToken != "" && crypto.Fingerprint(cur.RefreshToken) != crypto.Fingerprint(tried) {
			return ErrCredentialRotated
		}
		now := s.now()
		cur.AccessToken = ""
		cur.AccessTokenExpiresAt = time.Time{}
		cur.RefreshToken = ""
		cur.LastError = &LastError{At: now, Status: status, Message: message}
		doc, err := s.encode(cur)
		if err != nil {
			return err
		}
		tx.Set(s.path, doc)
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge credential: %w", err)
	}
	return nil
}

// RecordError stores last_error without touching the tokens.
func (s *CredentialStore) RecordError(ctx context.Context, status int, message string) error {
	now := s.now()
	err := s.store.Set(ctx, s.path, docstore.Doc{
		"updated_at": now,
		"last_error": LastError{At: now, Status: status, Message: message},
	}, docstore.Merge())
	if err != nil {
		return fmt.Errorf("record credential error: %w", err)
	}
	return nil
}

// Save merges c into the stored record (used by the seeding command).
func (s *CredentialStore) Save(ctx context.Context, c Credential) error {
	doc, err := s.encode(c)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, s.path, doc, docstore.Merge()); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) readTx(ctx context.Context, tx docstore.Tx) (Credential, error) {
	doc, err := tx.Get(ctx, s.path)
	if errors.Is(err, docstore.ErrNotFound) {
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, err
	}
	return s.decode(doc)
}

func (s *CredentialStore) decode(doc docstore.Doc) (Credential, error) {
	var d credentialDoc
	if err := docstore.Decode(doc, &d); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	c := Credential{
		RefreshTokenHash: d.RefreshTokenHash,
		RotationCount:    d.RotationCount,
		IssuerIdentity:   d.IssuerIdentity,
		Scopes:           d.Scopes,
		TokenType:        d.TokenType,
		LastError:        d.LastError,
	}
	if d.AccessTokenExpiresAt > 0 {
		c.AccessTokenExpiresAt = time.UnixMilli(d.AccessTokenExpiresAt)
	}
	if d.PrevRefreshTokenHash != nil {
		c.PrevRefreshTokenHash = *d.PrevRefreshTokenHash
	}
	if d.RotatedAt != nil {
		c.RotatedAt = *d.RotatedAt
	}
	var err error
	if c.AccessToken, err = s.open(d.AccessToken, d.EncryptionVersion); err != nil {
		return Credential{}, fmt.Errorf("decrypt access token: %w", err)
	}
	if c.RefreshToken, err = s.open(d.RefreshToken, d.EncryptionVersion); err != nil {
		return Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return c, nil
}

func (s *CredentialStore) encode(c Credential) (docstore.Doc, error) {
	d := credentialDoc{
		RefreshTokenHash: c.RefreshTokenHash,
		RotationCount:    c.RotationCount,
		IssuerIdentity:   c.IssuerIdentity,
		Scopes:           c.Scopes,
		TokenType:        c.TokenType,
		UpdatedAt:        s.now(),
		LastError:        c.LastError,
	}
	if !c.AccessTokenExpiresAt.IsZero() {
		d.AccessTokenExpiresAt = c.AccessTokenExpiresAt.UnixMilli()
	}
	if c.PrevRefreshTokenHash != "" {
		d.PrevRefreshTokenHash = &c.PrevRefreshTokenHash
	}
	if !c.RotatedAt.IsZero() {
		rotated := c.RotatedAt
		d.RotatedAt = &rotated
	}
	if s.enc != nil {
		d.EncryptionVersion = 1
	}
	var err error
	if d.AccessToken, err = s.seal(c.AccessToken); err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	if d.RefreshToken, err = s.seal(c.RefreshToken); err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return docstore.Encode(d)
}

func (s *CredentialStore) seal(v string) (*string, error) {
	if v == "" {
		return nil, nil
	}
	if s.enc == nil {
		return &v, nil
	}
	ct, err := crypto.EncryptString(s.enc, v)
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

func (s *CredentialStore) open(v *string, version int) (string, error) {
	if v == nil || *v == "" {
		return "", nil
	}
	if version == 0 {
		return *v, nil
	}
	if s.enc == nil {
		return "", errors.New("credential is encrypted but no ENCRYPTION_KEY is configured")
	}
	return crypto.DecryptString(s.enc, *v)
}
