package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashAlgorithm    = "pbkdf2_sha256"
	hashIterations   = 310000
	hashKeyLen       = 32
	hashSaltLen      = 16
	accessKeyRawLen  = 48
	secretKeyRawLen  = 48
	credentialFailed = "invalid credentials"
)

type CredentialStore interface {
	// GetAPIKey returns nil, nil when no active key has the given id.
	GetAPIKey(ctx context.Context, accessKeyID string) (*APIKey, error)
	AddAPIKey(ctx context.Context, k *APIKey) error
	UpdateAPIKeyHash(ctx context.Context, accessKeyID, secretHash string) error
}

type CredentialService struct {
	store      CredentialStore
	now        func() time.Time
	iterations int
	dummyHash  string
}

func NewCredentialService(store CredentialStore) *CredentialService {
	s := &CredentialService{
		store:      store,
		now:        func() time.Time { return time.Now().UTC() },
		iterations: hashIterations,
	}
	s.dummyHash = s.hashSecret("dummy-secret-for-timing")
	return s
}

// Verify resolves a credential pair to a principal. Missing keys and wrong
// secrets produce the same error so callers cannot tell them apart.
func (s *CredentialService) Verify(ctx context.Context, accessKey, secretKey string) (*Principal, error) {
	if accessKey == "" || secretKey == "" {
		return nil, NewUnauthorizedError(credentialFailed)
	}
	key, err := s.store.GetAPIKey(ctx, accessKey)
	if err != nil {
		return nil, NewStorageError("lookup api key", err)
	}
	if key == nil || !key.IsActive {
		s.checkSecret(s.dummyHash, secretKey)
		logger().WithField("access_key", abbreviate(accessKey)).Debug("credential rejected: unknown key")
		return nil, NewUnauthorizedError(credentialFailed)
	}
	ok, outdated := s.checkSecret(key.SecretHash, secretKey)
	if !ok {
		logger().WithField("access_key", abbreviate(accessKey)).Debug("credential rejected: secret mismatch")
		return nil, NewUnauthorizedError(credentialFailed)
	}
	if outdated {
		if err := s.store.UpdateAPIKeyHash(ctx, key.AccessKeyID, s.hashSecret(secretKey)); err != nil {
			logger().WithError(err).Warn("upgrade api key hash")
		}
	}
	return &Principal{ResearcherID: key.ResearcherID, AccessKeyID: key.AccessKeyID, SiteAdmin: key.SiteAdmin}, nil
}

// CreateKey generates a new credential pair. The secret is returned once and
// only its hash is stored.
func (s *CredentialService) CreateKey(ctx context.Context, researcherID string, siteAdmin bool, name string) (string, string, error) {
	if strings.TrimSpace(researcherID) == "" {
		return "", "", NewInvalidError("researcher_id required")
	}
	accessKey, err := randomToken(accessKeyRawLen)
	if err != nil {
		return "", "", err
	}
	secret, err := randomToken(secretKeyRawLen)
	if err != nil {
		return "", "", err
	}
	k := &APIKey{
		AccessKeyID:  accessKey,
		SecretHash:   s.hashSecret(secret),
		ResearcherID: researcherID,
		SiteAdmin:    siteAdmin,
		IsActive:     true,
		ReadableName: name,
		CreatedAt:    s.now(),
	}
	if err := s.store.AddAPIKey(ctx, k); err != nil {
		return "", "", NewStorageError("store api key", err)
	}
	return accessKey, secret, nil
}

// RotateSecret replaces the secret of an existing key. The previous secret
// stops working as soon as this returns.
func (s *CredentialService) RotateSecret(ctx context.Context, accessKey string) (string, error) {
	key, err := s.store.GetAPIKey(ctx, accessKey)
	if err != nil {
		return "", NewStorageError("lookup api key", err)
	}
	if key == nil {
		return "", NewNotFoundError("api key not found")
	}
	secret, err := randomToken(secretKeyRawLen)
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateAPIKeyHash(ctx, accessKey, s.hashSecret(secret)); err != nil {
		return "", NewStorageError("update api key", err)
	}
	return secret, nil
}

func (s *CredentialService) hashSecret(secret string) string {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return encodeHash(s.iterations, salt, pbkdf2.Key([]byte(secret), salt, s.iterations, hashKeyLen, sha256.New))
}

// checkSecret compares secret with an encoded hash. outdated is true when the
// stored hash used fewer iterations than currently configured.
func (s *CredentialService) checkSecret(encoded, secret string) (ok, outdated bool) {
	iter, salt, want, err := decodeHash(encoded)
	if err != nil {
		pbkdf2.Key([]byte(secret), []byte("invalid"), s.iterations, hashKeyLen, sha256.New)
		return false, false
	}
	got := pbkdf2.Key([]byte(secret), salt, iter, len(want), sha256.New)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return false, false
	}
	return true, iter < s.iterations
}

func encodeHash(iter int, salt, key []byte) string {
	return strings.Join([]string{
		hashAlgorithm,
		strconv.Itoa(iter),
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	}, "$")
}

func decodeHash(encoded string) (int, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != hashAlgorithm {
		return 0, nil, nil, fmt.Errorf("unsupported hash format")
	}
	iter, err := strconv.Atoi(parts[1])
	if err != nil || iter <= 0 {
		return 0, nil, nil, fmt.Errorf("bad iteration count %q", parts[1])
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil || len(key) == 0 {
		return 0, nil, nil, fmt.Errorf("decode key: %v", err)
	}
	return iter, salt, key, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func abbreviate(s string) string {
	if len(s) <= 6 {
		return s
	}
	return s[:6] + "..."
}
