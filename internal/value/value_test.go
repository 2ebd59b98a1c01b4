package value

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"number", KindNumber},
		{"Integer", KindNumber},
		{"text", KindString},
		{"date", KindDate},
		{"boolean", KindBool},
		{"", KindAny},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseKind("blob")
	assert.Error(t, err)
}

func TestFromRaw_UsesDeclaredKind(t *testing.T) {
	v, err := FromRaw(KindNumber, "17")
	require.NoError(t, err)
	assert.Equal(t, KindNumber, v.Kind())
	assert.Equal(t, 17.0, v.Num())

	v, err = FromRaw(KindDate, "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, KindDate, v.Kind())
	assert.Equal(t, "2024-03-01", v.String())

	v, err = FromRaw(KindBool, "yes")
	require.NoError(t, err)
	assert.True(t, v.Truth())

	v, err = FromRaw(KindString, 42.0)
	require.NoError(t, err)
	assert.Equal(t, KindString, v.Kind())
	assert.Equal(t, "42", v.Str())
}

func TestFromRaw_UnparseableTextStaysString(t *testing.T) {
	v, err := FromRaw(KindNumber, "abc")
	require.NoError(t, err)
	assert.Equal(t, KindString, v.Kind())

	v, err = FromRaw(KindDate, "yesterday")
	require.NoError(t, err)
	assert.Equal(t, KindString, v.Kind())
}

func TestFromRaw_EmptyValues(t *testing.T) {
	for _, raw := range []any{nil, "", "   ", time.Time{}} {
		v, err := FromRaw(KindNumber, raw)
		require.NoError(t, err)
		assert.True(t, v.IsEmpty(), "%#v", raw)
	}
	assert.True(t, Value{}.IsEmpty())
}

func TestFromRaw_UntypedInference(t *testing.T) {
	v, err := FromRaw(KindAny, "2024-01-05")
	require.NoError(t, err)
	assert.Equal(t, KindDate, v.Kind())

	v, err = FromRaw(KindAny, "12")
	require.NoError(t, err)
	assert.Equal(t, KindString, v.Kind())

	v, err = FromRaw(KindAny, json.Number("12.5"))
	require.NoError(t, err)
	assert.Equal(t, KindString, v.Kind())

	v, err = FromRaw(KindAny, 12)
	require.NoError(t, err)
	assert.Equal(t, KindNumber, v.Kind())
}

func TestFromRaw_RejectsComposites(t *testing.T) {
	_, err := FromRaw(KindAny, map[string]any{"a": 1})
	assert.Error(t, err)
	_, err = FromRaw(KindAny, []any{1, 2})
	assert.Error(t, err)
}

func TestComparator(t *testing.T) {
	assert.Negative(t, Comparator(KindNumber)(Number(1), Number(2)))
	assert.Zero(t, Comparator(KindNumber)(Number(2), Number(2)))

	d1, _ := ParseDate("2024-01-01")
	d2, _ := ParseDate("2024-01-02")
	assert.Positive(t, Comparator(KindDate)(Date(d2), Date(d1)))
	assert.Negative(t, Comparator(KindAny)(Date(d1), Date(d2)))
}

func TestEqualIsCaseSensitive(t *testing.T) {
	assert.True(t, Equal(String("Female"), String("Female")))
	assert.False(t, Equal(String("Female"), String("female")))
	assert.False(t, Equal(Number(1), String("1")))
}

func TestDaysBetween(t *testing.T) {
	a, _ := ParseDate("2024-02-27")
	b, _ := ParseDate("2024-03-02")
	assert.Equal(t, 4.0, DaysBetween(a, b))
	assert.Equal(t, b, AddDays(a, 4))
}
