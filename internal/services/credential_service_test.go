package services

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

func newTestCredentialService(store CredentialStore) *CredentialService {
	svc := NewCredentialService(store)
	svc.iterations = 1000
	svc.dummyHash = svc.hashSecret("dummy")
	svc.now = func() time.Time { return time.Unix(0, 0).UTC() }
	return svc
}

func TestCredentialCreateAndVerify(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	svc := newTestCredentialService(store)

	access, secret, err := svc.CreateKey(ctx, "r1", false, "tableau")
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if len(access) != 64 {
		t.Fatalf("expected 64 char access key, got %d", len(access))
	}
	stored := store.keys[access]
	if stored == nil || strings.Contains(stored.SecretHash, secret) || !strings.HasPrefix(stored.SecretHash, "pbkdf2_sha256$1000$") {
		t.Fatalf("unexpected stored hash %+v", stored)
	}

	p, err := svc.Verify(ctx, access, secret)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.ResearcherID != "r1" || p.AccessKeyID != access || p.SiteAdmin {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestCredentialFailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	svc := newTestCredentialService(store)
	access, _, err := svc.CreateKey(ctx, "r1", false, "")
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	_, errWrong := svc.Verify(ctx, access, "not-the-secret")
	_, errMissing := svc.Verify(ctx, "no-such-key", "whatever")
	_, errEmpty := svc.Verify(ctx, "", "")
	for _, err := range []error{errWrong, errMissing, errEmpty} {
		se, ok := AsServiceError(err)
		if !ok || se.Code != ErrorUnauthorized {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	}
	if errWrong.Error() != errMissing.Error() || errMissing.Error() != errEmpty.Error() {
		t.Fatalf("messages differ: %q / %q / %q", errWrong, errMissing, errEmpty)
	}
}

func TestCredentialSingleCharacterMutationsFail(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	svc := newTestCredentialService(store)
	access, secret, err := svc.CreateKey(ctx, "r1", false, "")
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	_, errUnknown := svc.Verify(ctx, "no-such-key", secret)

	mutate := func(s string, i int) string {
		b := []byte(s)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		return string(b)
	}
	cases := map[string][2]string{
		"padded access":   {" " + access + "\t", secret},
		"padded secret":   {access, secret + " "},
		"access prefix":   {access[:len(access)-1], secret},
		"secret prefix":   {access, secret[:len(secret)-1]},
		"access extended": {access + "0", secret},
	}
	for _, i := range []int{0, len(access) / 2, len(access) - 1} {
		cases[fmt.Sprintf("access[%d]", i)] = [2]string{mutate(access, i), secret}
	}
	for _, i := range []int{0, len(secret) / 2, len(secret) - 1} {
		cases[fmt.Sprintf("secret[%d]", i)] = [2]string{access, mutate(secret, i)}
	}
	for name, pair := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Verify(ctx, pair[0], pair[1])
			if !IsCode(err, ErrorUnauthorized) {
				t.Fatalf("expected unauthorized, got %v", err)
			}
			if err.Error() != errUnknown.Error() {
				t.Fatalf("error %q differs from unknown-key error %q", err, errUnknown)
			}
		})
	}
	if _, err := svc.Verify(ctx, access, secret); err != nil {
		t.Fatalf("exact pair must still verify: %v", err)
	}
}

func TestCredentialInactiveKeyRejected(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	svc := newTestCredentialService(store)
	access, secret, _ := svc.CreateKey(ctx, "r1", false, "")
	store.keys[access].IsActive = false
	if _, err := svc.Verify(ctx, access, secret); !IsCode(err, ErrorUnauthorized) {
		t.Fatalf("expected unauthorized for inactive key, got %v", err)
	}
}

func TestCredentialRotateRejectsOldSecret(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	svc := newTestCredentialService(store)
	access, oldSecret, _ := svc.CreateKey(ctx, "r1", true, "")

	newSecret, err := svc.RotateSecret(ctx, access)
	if err != nil {
		t.Fatalf("RotateSecret: %v", err)
	}
	if newSecret == oldSecret {
		t.Fatalf("rotation returned the old secret")
	}
	if _, err := svc.Verify(ctx, access, oldSecret); !IsCode(err, ErrorUnauthorized) {
		t.Fatalf("old secret should be rejected, got %v", err)
	}
	p, err := svc.Verify(ctx, access, newSecret)
	if err != nil || !p.SiteAdmin {
		t.Fatalf("new secret should verify: %+v %v", p, err)
	}
	if _, err := svc.RotateSecret(ctx, "missing"); !IsCode(err, ErrorNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCredentialUpgradesOutdatedHash(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	svc := newTestCredentialService(store)
	salt := []byte("0123456789abcdef")
	old := encodeHash(10, salt, pbkdf2.Key([]byte("s3cret"), salt, 10, hashKeyLen, sha256.New))
	store.keys["AK"] = &APIKey{AccessKeyID: "AK", SecretHash: old, ResearcherID: "r1", IsActive: true}

	if _, err := svc.Verify(ctx, "AK", "s3cret"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !strings.HasPrefix(store.keys["AK"].SecretHash, "pbkdf2_sha256$1000$") {
		t.Fatalf("hash not upgraded: %s", store.keys["AK"].SecretHash)
	}
	if _, err := svc.Verify(ctx, "AK", "s3cret"); err != nil {
		t.Fatalf("Verify after upgrade: %v", err)
	}
}

func TestDecodeHashRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "md5$1$a$b", "pbkdf2_sha256$x$a$b", "pbkdf2_sha256$10$!!$b", "pbkdf2_sha256$10$YQ==$"} {
		if _, _, _, err := decodeHash(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
