package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthContext(t *testing.T) {
	ctx := context.Background()

	_, ok := GetUserID(ctx)
	require.False(t, ok)

	ctx = SetAuthContext(ctx, "user-1", "tablet-7")
	user, ok := GetUserID(ctx)
	require.True(t, ok)
	require.Equal(t, "user-1", user)

	device, ok := GetDeviceID(ctx)
	require.True(t, ok)
	require.Equal(t, "tablet-7", device)
}
