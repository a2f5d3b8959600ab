package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/followup/internal/domain"
)

func TestParseID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cursor  domain.LogID
		want    int64
		wantErr bool
	}{
		{name: "empty means start", cursor: "", want: 0},
		{name: "zero cursor", cursor: domain.CursorStart, want: 0},
		{name: "numeric", cursor: "42", want: 42},
		{name: "redis stream id rejected", cursor: "1700000000000-0", wantErr: true},
		{name: "negative rejected", cursor: "-1", wantErr: true},
		{name: "garbage rejected", cursor: "abc", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseID(tc.cursor)
			if tc.wantErr {
				require.ErrorIs(t, err, domain.ErrInvalidCursor)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormatID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.LogID("1"), formatID(1))
	assert.Equal(t, domain.LogID("9007199254740993"), formatID(9007199254740993))
}

func TestLogRepo_UnknownTopic(t *testing.T) {
	t.Parallel()

	// Topic validation happens before the pool is touched.
	r := NewLogRepo(nil)

	_, err := r.Append(t.Context(), domain.Topic("bogus"), nil)
	require.ErrorIs(t, err, domain.ErrUnknownTopic)

	_, err = r.ReadFrom(t.Context(), domain.Topic("bogus"), domain.CursorStart, 1)
	require.ErrorIs(t, err, domain.ErrUnknownTopic)
}
