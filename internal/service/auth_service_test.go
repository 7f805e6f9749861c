package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/config"
)

func TestStudentTokenRoundTrip(t *testing.T) {
	auth := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: time.Hour})

	token, err := auth.GenerateStudentToken(42)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, claims.UserID)
	assert.Equal(t, TokenTypeStudent, claims.TokenType)
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthService(&config.Config{JWTSecret: "one", JWTExpiry: time.Hour})
	verifier := NewAuthService(&config.Config{JWTSecret: "two", JWTExpiry: time.Hour})

	token, err := issuer.GenerateStudentToken(1)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	auth := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: -time.Minute})

	token, err := auth.GenerateStudentToken(1)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.Error(t, err)
}
