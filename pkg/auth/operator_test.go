package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperatorToken_RoundTrip(t *testing.T) {
	token, err := IssueOperatorToken("alice", RoleTreasuryAdmin, "secret", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateOperatorToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, RoleTreasuryAdmin, claims.Role)
}

func TestOperatorToken_WrongSecret(t *testing.T) {
	token, err := IssueOperatorToken("alice", RoleTreasuryAdmin, "secret", time.Minute)
	require.NoError(t, err)

	_, err = ValidateOperatorToken(token, "other")
	assert.Error(t, err)
}

func TestOperatorToken_Expired(t *testing.T) {
	token, err := IssueOperatorToken("alice", RoleTreasuryAdmin, "secret", -time.Minute)
	require.NoError(t, err)

	_, err = ValidateOperatorToken(token, "secret")
	assert.Error(t, err)
}

func TestValidateTOTP(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "settlement", AccountName: "treasury"})
	require.NoError(t, err)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	assert.True(t, ValidateTOTP(code, key.Secret()))
	assert.False(t, ValidateTOTP("000000", ""))
	assert.False(t, ValidateTOTP("", key.Secret()))
}
