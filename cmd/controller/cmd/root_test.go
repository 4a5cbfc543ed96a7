package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeSelector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", input: "", want: nil},
		{name: "blank", input: "   ", want: nil},
		{name: "single", input: "role=edge", want: map[string]string{"role": "edge"}},
		{
			name:  "several with spaces",
			input: "role=edge, kubernetes.io/os = linux",
			want:  map[string]string{"role": "edge", "kubernetes.io/os": "linux"},
		},
		{name: "empty value", input: "dedicated=", want: map[string]string{"dedicated": ""}},
		{name: "missing separator", input: "role", wantErr: true},
		{name: "missing key", input: "=edge", wantErr: true},
		{name: "trailing comma", input: "role=edge,", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseNodeSelector(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
