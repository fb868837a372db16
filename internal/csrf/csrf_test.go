package csrf_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/testdrivenio/flask-spa-auth/internal/csrf"
)

const testTTL = time.Hour

type testFixture struct {
	service *csrf.Service
	secret  []byte
	now     time.Time
}

// setupTestFixture builds a token service with a controllable clock. Tests
// mutate fixture.now to move time; the service reads it on every call.
func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	secret, err := csrf.GenerateSecret()
	require.NoError(t, err)

	fixture := &testFixture{
		secret: secret,
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	service, err := csrf.NewService(secret, testTTL, csrf.WithNowTime(func() time.Time {
		return fixture.now
	}))
	require.NoError(t, err)

	fixture.service = service
	return fixture
}

// TestIssue_TokenShape verifies the wire form: three dot-separated segments
// with a unix timestamp in the middle.
func TestIssue_TokenShape(t *testing.T) {
	fixture := setupTestFixture(t)

	token, err := fixture.service.Issue()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	require.Equal(t, "1748779200", parts[1])
}

// TestValidate_RoundTrip verifies that a freshly issued token presented on
// both channels passes validation.
func TestValidate_RoundTrip(t *testing.T) {
	fixture := setupTestFixture(t)

	token, err := fixture.service.Issue()
	require.NoError(t, err)

	require.NoError(t, fixture.service.Validate(token, token))
}

// TestValidate_ReusableWithinWindow verifies that one token authorizes any
// number of requests while it stays fresh.
func TestValidate_ReusableWithinWindow(t *testing.T) {
	fixture := setupTestFixture(t)

	token, err := fixture.service.Issue()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, fixture.service.Validate(token, token))
		fixture.now = fixture.now.Add(10 * time.Minute)
	}
}

// TestValidate_MissingValues verifies that an absent cookie or header is
// rejected before any comparison happens.
func TestValidate_MissingValues(t *testing.T) {
	fixture := setupTestFixture(t)

	token, err := fixture.service.Issue()
	require.NoError(t, err)

	tests := []struct {
		name   string
		cookie string
		header string
	}{
		{name: "no cookie", cookie: "", header: token},
		{name: "no header", cookie: token, header: ""},
		{name: "neither", cookie: "", header: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := fixture.service.Validate(tc.cookie, tc.header)
			require.ErrorIs(t, err, csrf.ErrMissing)
		})
	}
}

// TestValidate_PairMismatch verifies that two individually well-formed tokens
// are rejected when they differ, even if both carry valid signatures.
func TestValidate_PairMismatch(t *testing.T) {
	fixture := setupTestFixture(t)

	first, err := fixture.service.Issue()
	require.NoError(t, err)
	second, err := fixture.service.Issue()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	err = fixture.service.Validate(first, second)
	require.ErrorIs(t, err, csrf.ErrMismatch)
}

// TestValidate_MalformedTokens covers wire forms that cannot be parsed.
func TestValidate_MalformedTokens(t *testing.T) {
	fixture := setupTestFixture(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "not dotted", token: "garbage"},
		{name: "two segments", token: "abc.123"},
		{name: "four segments", token: "a.b.c.d"},
		{name: "timestamp not numeric", token: "abc.notatime.c2ln"},
		{name: "signature not base64url", token: "abc.123.!!!"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := fixture.service.Validate(tc.token, tc.token)
			require.ErrorIs(t, err, csrf.ErrMalformed)
		})
	}
}

// TestValidate_TamperedTimestamp verifies that editing the timestamp without
// re-signing breaks the signature check.
func TestValidate_TamperedTimestamp(t *testing.T) {
	fixture := setupTestFixture(t)

	token, err := fixture.service.Issue()
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + ".9999999999." + parts[2]

	err = fixture.service.Validate(tampered, tampered)
	require.ErrorIs(t, err, csrf.ErrBadSignature)
}

// TestValidate_TamperedNonce verifies that editing the nonce without
// re-signing breaks the signature check.
func TestValidate_TamperedNonce(t *testing.T) {
	fixture := setupTestFixture(t)

	token, err := fixture.service.Issue()
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA." + parts[1] + "." + parts[2]

	err = fixture.service.Validate(tampered, tampered)
	require.ErrorIs(t, err, csrf.ErrBadSignature)
}

// TestValidate_SecretRotation verifies that a token minted under one secret
// is rejected by a service holding another, which is what invalidates every
// outstanding token on rotation.
func TestValidate_SecretRotation(t *testing.T) {
	fixture := setupTestFixture(t)

	token, err := fixture.service.Issue()
	require.NoError(t, err)

	rotated, err := csrf.GenerateSecret()
	require.NoError(t, err)
	rotatedService, err := csrf.NewService(rotated, testTTL)
	require.NoError(t, err)

	err = rotatedService.Validate(token, token)
	require.ErrorIs(t, err, csrf.ErrBadSignature)
}

// TestValidate_Expiry verifies the freshness window on both ends: tokens age
// out after the ttl and tokens from the far future are rejected, while small
// clock skew is tolerated.
func TestValidate_Expiry(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		wantErr error
	}{
		{name: "just inside window", advance: testTTL - time.Second, wantErr: nil},
		{name: "just past window", advance: testTTL + time.Second, wantErr: csrf.ErrExpired},
		{name: "long expired", advance: 48 * time.Hour, wantErr: csrf.ErrExpired},
		{name: "small future skew tolerated", advance: -30 * time.Second, wantErr: nil},
		{name: "far future rejected", advance: -5 * time.Minute, wantErr: csrf.ErrExpired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fixture := setupTestFixture(t)

			token, err := fixture.service.Issue()
			require.NoError(t, err)

			fixture.now = fixture.now.Add(tc.advance)

			err = fixture.service.Validate(token, token)
			if tc.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

// TestNewService_RejectsWeakConfig verifies the constructor guards.
func TestNewService_RejectsWeakConfig(t *testing.T) {
	secret, err := csrf.GenerateSecret()
	require.NoError(t, err)

	t.Run("short secret", func(t *testing.T) {
		_, err := csrf.NewService(secret[:16], testTTL)
		require.Error(t, err)
		require.Contains(t, err.Error(), "at least 32 bytes")
	})

	t.Run("zero ttl", func(t *testing.T) {
		_, err := csrf.NewService(secret, 0)
		require.Error(t, err)
		require.Contains(t, err.Error(), "must be positive")
	})

	t.Run("negative ttl", func(t *testing.T) {
		_, err := csrf.NewService(secret, -time.Minute)
		require.Error(t, err)
	})
}

// TestGenerateSecret verifies size and uniqueness of generated secrets.
func TestGenerateSecret(t *testing.T) {
	first, err := csrf.GenerateSecret()
	require.NoError(t, err)
	require.Len(t, first, 32)

	second, err := csrf.GenerateSecret()
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
