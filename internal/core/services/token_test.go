package services

import (
	"testing"
	"time"

	"camlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssueAndValidate(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, []string{"cam001@studio.loc", "bob@home.loc"})

	token, err := svc.Issue("cam001@studio.loc/device")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	jid, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, domain.Address("cam001@studio.loc/device"), jid)
}

func TestTokenIssueRejectsUnknownJID(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, []string{"cam001@studio.loc"})

	_, err := svc.Issue("mallory@evil.loc/viewer")
	assert.ErrorIs(t, err, ErrJIDNotAllowed)
}

func TestTokenAllowListUsesBareJID(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, []string{"cam001@studio.loc"})

	// Any resource of an allowed bare JID may authenticate.
	_, err := svc.Issue("cam001@studio.loc/device")
	assert.NoError(t, err)
	_, err = svc.Issue("cam001@studio.loc/backup")
	assert.NoError(t, err)
}

func TestTokenValidateRejectsGarbage(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, []string{"cam001@studio.loc"})

	_, err := svc.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenService("secret-a", time.Hour, []string{"cam001@studio.loc"})
	verifier := NewTokenService("secret-b", time.Hour, []string{"cam001@studio.loc"})

	token, err := issuer.Issue("cam001@studio.loc/device")
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenValidateRejectsExpired(t *testing.T) {
	svc := NewTokenService("test-secret", -time.Minute, []string{"cam001@studio.loc"})

	token, err := svc.Issue("cam001@studio.loc/device")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
