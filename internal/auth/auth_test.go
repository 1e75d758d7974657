package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticVerifierAcceptsConfiguredToken(t *testing.T) {
	v := StaticVerifier{Token: "secret", Identity: Identity{UserID: "u1", Roles: []string{"USER"}}}

	id, err := v.Verify("secret")
	require.NoError(t, err)
	require.Equal(t, "u1", id.UserID)
}

func TestStaticVerifierRejectsAnyOtherToken(t *testing.T) {
	v := StaticVerifier{Token: "secret"}
	_, err := v.Verify("wrong")
	require.ErrorIs(t, err, ErrInvalidToken)
}
