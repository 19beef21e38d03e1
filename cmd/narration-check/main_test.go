package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestValidateFlags verifies that exactly one mode must be selected.
func TestValidateFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flags   appFlags
		wantErr bool
	}{
		{
			name:    "manifest mode alone is valid",
			flags:   appFlags{manifest: true},
			wantErr: false,
		},
		{
			name:    "health mode alone is valid",
			flags:   appFlags{health: true},
			wantErr: false,
		},
		{
			name:    "outcome mode alone is valid",
			flags:   appFlags{outcome: `{"errors":[]}`},
			wantErr: false,
		},
		{
			name:    "text mode alone is valid",
			flags:   appFlags{text: "hello"},
			wantErr: false,
		},
		{
			name:    "no mode is rejected",
			flags:   appFlags{},
			wantErr: true,
		},
		{
			name:    "manifest and health together are rejected",
			flags:   appFlags{manifest: true, health: true},
			wantErr: true,
		},
		{
			name:    "outcome and text together are rejected",
			flags:   appFlags{outcome: `{"errors":[]}`, text: "hello"},
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := validateFlags(testCase.flags)

			if testCase.wantErr {
				require.ErrorContains(t, err, "Exactly one of")
			} else {
				require.NoError(t, err)
			}
		})
	}
}
