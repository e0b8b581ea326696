package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindFromName(t *testing.T) {
	cases := []struct {
		name string
		want ActionKind
	}{
		{name: "save_expense", want: ActionSave},
		{name: "get_expenses_by_category", want: ActionQueryCategory},
		{name: "get_expenses_by_date", want: ActionQueryDate},
		{name: "drop_table", want: ActionUnknown},
		{name: "", want: ActionUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, KindFromName(tc.name))
		})
	}
}
