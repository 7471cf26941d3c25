package contacterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfUnwraps(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := fmt.Errorf("submitting change: %w", New(Remote, "engine.submit", base))

	require.Equal(t, Remote, KindOf(wrapped))
	require.True(t, Is(wrapped, Remote))
	require.False(t, Is(wrapped, Conflict))
}

func TestKindOfNonTagged(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
