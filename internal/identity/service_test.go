package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/pkg/logger"
)

func newTestService() *Service {
	return NewService(NewMemoryRepository(), NewTokenManager("test-secret", time.Hour), logger.NewNop())
}

func TestSignUpSignIn(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	u, err := svc.SignUp(ctx, " Ana@Example.com ", "correct-horse", user.Profile{DisplayName: "Ana", Phone: "809-555-0101", Role: user.RoleRider})
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", u.Email)
	assert.NotEqual(t, "correct-horse", u.PasswordHash)

	session, err := svc.SignIn(ctx, "ana@example.com", "correct-horse")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, u.ID, session.User.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, 5*time.Second)

	current, err := svc.CurrentUser(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, user.RoleRider, current.Role)
	assert.Equal(t, "Ana", current.DisplayName)
}

func TestSignUp_Validation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	profile := user.Profile{DisplayName: "Luis", Role: user.RoleDriver}

	_, err := svc.SignUp(ctx, "not-an-email", "long-enough", profile)
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = svc.SignUp(ctx, "luis@example.com", "short", profile)
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = svc.SignUp(ctx, "luis@example.com", "long-enough", user.Profile{DisplayName: "Luis", Role: "admin"})
	assert.ErrorIs(t, err, user.ErrInvalidRole)

	_, err = svc.SignUp(ctx, "luis@example.com", "long-enough", profile)
	require.NoError(t, err)
	_, err = svc.SignUp(ctx, "LUIS@example.com", "long-enough", profile)
	assert.ErrorIs(t, err, user.ErrEmailTaken)
}

func TestSignIn_WrongCredentials(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	_, err := svc.SignUp(ctx, "ana@example.com", "correct-horse", user.Profile{DisplayName: "Ana", Role: user.RoleRider})
	require.NoError(t, err)

	_, err = svc.SignIn(ctx, "ana@example.com", "wrong-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.SignIn(ctx, "nobody@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignOut_RevokesAndRunsHooks(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	u, err := svc.SignUp(ctx, "luis@example.com", "long-enough", user.Profile{DisplayName: "Luis", Role: user.RoleDriver})
	require.NoError(t, err)
	session, err := svc.SignIn(ctx, "luis@example.com", "long-enough")
	require.NoError(t, err)

	var loggedOut []string
	svc.OnSignOut(func(userID string) { loggedOut = append(loggedOut, userID) })

	require.NoError(t, svc.SignOut(ctx, session.Token))
	assert.Equal(t, []string{u.ID}, loggedOut)

	_, err = svc.CurrentUser(ctx, session.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCurrentUser_BadTokens(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	_, err := svc.CurrentUser(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewTokenManager("other-secret", time.Hour)
	forged, _, err := other.Generate(&user.User{ID: "u1", Role: user.RoleDriver})
	require.NoError(t, err)
	_, err = svc.CurrentUser(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	valid, _, err := svc.tokens.Generate(&user.User{ID: "ghost", Role: user.RoleRider})
	require.NoError(t, err)
	_, err = svc.CurrentUser(ctx, valid)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenManager_Expiry(t *testing.T) {
	m := NewTokenManager("secret", time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	token, claims, err := m.Generate(&user.User{ID: "u1", Role: user.RoleRider})
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	parsed, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, user.RoleRider, parsed.Role)

	now = now.Add(2 * time.Minute)
	_, err = m.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
