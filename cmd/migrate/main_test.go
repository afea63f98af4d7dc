package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		args    []string
		want    command
		wantErr string
	}{
		{args: []string{"up"}, want: command{name: "up"}},
		{args: []string{"down", "2"}, want: command{name: "down", steps: 2}},
		{args: []string{"seed", "a.sql", "b.sql"}, want: command{name: "seed", files: []string{"a.sql", "b.sql"}}},
		{args: nil, wantErr: "missing command"},
		{args: []string{"up", "extra"}, wantErr: "no arguments"},
		{args: []string{"down"}, wantErr: "number of steps"},
		{args: []string{"down", "0"}, wantErr: "invalid step count"},
		{args: []string{"down", "x"}, wantErr: "invalid step count"},
		{args: []string{"seed"}, wantErr: "at least one file"},
		{args: []string{"drop"}, wantErr: "unknown command"},
	}
	for _, tc := range cases {
		got, err := parseCommand(tc.args)
		if tc.wantErr != "" {
			require.ErrorContains(t, err, tc.wantErr, "args %v", tc.args)
			continue
		}
		require.NoError(t, err, "args %v", tc.args)
		require.Equal(t, tc.want, got)
	}
}
