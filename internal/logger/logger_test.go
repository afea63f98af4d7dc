package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	_, err := New("loud", "json")
	require.Error(t, err)

	_, err = New("info", "xml")
	require.Error(t, err)

	l, err := New("debug", "console")
	require.NoError(t, err)
	require.NotNil(t, l)
}
