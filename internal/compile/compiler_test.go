package compile

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrule/internal/lang"
	"clinrule/internal/value"
)

func testCatalog() Catalog {
	return Catalog{
		"age":             value.KindNumber,
		"weight":          value.KindNumber,
		"baseline_weight": value.KindNumber,
		"visit_date":      value.KindDate,
		"consent_date":    value.KindDate,
		"gender":          value.KindString,
		"visit":           value.KindString,
		"pregnancy_date":  value.KindDate,
		"pregnant":        value.KindBool,
		"notes":           value.KindAny,
	}
}

func TestCompile_Between(t *testing.T) {
	r, err := Compile("age", "between 6 and 18", testCatalog())
	require.NoError(t, err)
	assert.Equal(t, "age", r.Field)
	assert.Equal(t, "between 6 and 18", r.Canonical)
	assert.Equal(t, []string{"age"}, r.Refs)

	a, ok := r.Root.(*Assert)
	require.True(t, ok)
	rg, ok := a.Cond.(*Range)
	require.True(t, ok)
	assert.Equal(t, value.KindNumber, rg.Type)
	assert.Equal(t, "age", rg.Label)
	assert.Equal(t, "age", rg.Subject.(*Field).Name)
}

func TestCompile_RefsSortedAndDeduplicated(t *testing.T) {
	r, err := Compile("visit_date", "visit_date >= consent_date and visit_date <= today() and age > 0", testCatalog())
	require.NoError(t, err)
	assert.Equal(t, []string{"age", "consent_date", "visit_date"}, r.Refs)
}

func TestCompile_UnknownField(t *testing.T) {
	_, err := Compile("age", "age > baseline", testCatalog())
	var unknown *UnknownFieldError
	require.True(t, errors.As(err, &unknown), "got %v", err)
	assert.Equal(t, "baseline", unknown.Name)
	assert.Equal(t, 6, unknown.Offset)

	kind, off := Describe(err)
	assert.Equal(t, ErrKindUnknownField, kind)
	assert.Equal(t, 6, off)
}

func TestCompile_FieldNamesAreCaseSensitive(t *testing.T) {
	_, err := Compile("age", "Age > 1", testCatalog())
	var unknown *UnknownFieldError
	assert.True(t, errors.As(err, &unknown))
}

func TestCompile_UnknownTarget(t *testing.T) {
	_, err := Compile("height", ">= 0", testCatalog())
	var unknown *UnknownFieldError
	require.True(t, errors.As(err, &unknown))
	assert.True(t, unknown.Target)
	assert.Equal(t, "height", unknown.Name)
}

func TestCompile_TypeErrors(t *testing.T) {
	tests := []struct {
		target string
		src    string
	}{
		{"gender", "> 'F'"},
		{"pregnant", "pregnant < true"},
		{"age", "in 5"},
		{"age", "in (1, 'two')"},
		{"gender", "between 'a' and 'z'"},
		{"age", "between 1 and 2024-01-01"},
		{"visit_date", "within 5% of consent_date"},
		{"weight", "within 5 days of baseline_weight"},
		{"visit_date", "within 1.5 days of consent_date"},
		{"age", "gender + 1 > 2"},
		{"age", "age == 'x'"},
		{"visit_date", "visit_date * 2 > 3"},
		{"age", "-gender == 1"},
		{"visit", "in (1, 2)"},
	}
	for _, tt := range tests {
		_, err := Compile(tt.target, tt.src, testCatalog())
		var typeErr *TypeError
		require.True(t, errors.As(err, &typeErr), "%q: got %v", tt.src, err)
		kind, _ := Describe(err)
		assert.Equal(t, ErrKindType, kind, tt.src)
	}
}

func TestCompile_WithinPercentExpandsToRange(t *testing.T) {
	r, err := Compile("weight", "within 10% of baseline_weight", testCatalog())
	require.NoError(t, err)
	rg := r.Root.(*Assert).Cond.(*Range)
	assert.Equal(t, value.KindNumber, rg.Type)

	low := rg.Low.(*Shift)
	high := rg.High.(*Shift)
	assert.True(t, low.Percent)
	assert.Equal(t, 10.0, low.Amount)
	assert.Equal(t, -1, low.Sign)
	assert.Equal(t, 1, high.Sign)
	assert.Equal(t, "baseline_weight", low.Ref.(*Field).Name)
}

func TestCompile_WithinDays(t *testing.T) {
	r, err := Compile("visit_date", "within 3 days of consent_date + 28", testCatalog())
	require.NoError(t, err)
	rg := r.Root.(*Assert).Cond.(*Range)
	assert.Equal(t, value.KindDate, rg.Type)
	assert.False(t, rg.Low.(*Shift).Percent)
	assert.Equal(t, value.KindDate, rg.Low.(*Shift).Ref.Kind())
}

func TestCompile_ListIdentifiersAreCodes(t *testing.T) {
	r, err := Compile("visit_date", "if visit in (baseline, week4) then visit_date required endif", testCatalog())
	require.NoError(t, err)
	assert.Equal(t, []string{"visit", "visit_date"}, r.Refs)

	cond := r.Root.(*IfThen).Cond.(*Member)
	require.Len(t, cond.Set, 2)
	assert.Equal(t, value.String("baseline"), cond.Set[0])
	assert.Equal(t, value.KindString, cond.Type)
}

func TestCompile_ConditionalWithRequired(t *testing.T) {
	r, err := Compile("pregnancy_date", "if gender == 'Female' then pregnancy_date required endif", testCatalog())
	require.NoError(t, err)
	c := r.Root.(*IfThen)
	assert.Nil(t, c.Else)
	req := c.Then.(*Required)
	assert.Equal(t, "pregnancy_date", req.Field.Name)
	assert.Equal(t, value.KindDate, req.Field.Type)
}

func TestCompile_RequiredUnlessImplicitTarget(t *testing.T) {
	r, err := Compile("notes", "required unless age < 18", testCatalog())
	require.NoError(t, err)
	req := r.Root.(*Required)
	assert.Equal(t, "notes", req.Field.Name)
	require.NotNil(t, req.Unless)
}

func TestCompile_DateArithmetic(t *testing.T) {
	r, err := Compile("visit_date", "visit_date - consent_date <= 30", testCatalog())
	require.NoError(t, err)
	cmp := r.Root.(*Assert).Cond.(*Compare)
	assert.Equal(t, value.KindNumber, cmp.Type)
	assert.Equal(t, value.KindNumber, cmp.Left.Kind())
}

func TestCompile_UntypedFieldDefersToRuntime(t *testing.T) {
	r, err := Compile("notes", "notes > 5", testCatalog())
	require.NoError(t, err)
	assert.Equal(t, value.KindNumber, r.Root.(*Assert).Cond.(*Compare).Type)

	r, err = Compile("notes", "notes == notes", testCatalog())
	require.NoError(t, err)
	assert.Equal(t, value.KindAny, r.Root.(*Assert).Cond.(*Compare).Type)
}

func TestCompile_SyntaxErrorsPassThrough(t *testing.T) {
	_, err := Compile("age", "betwen 1 and 10", testCatalog())
	var syn *lang.SyntaxError
	require.True(t, errors.As(err, &syn))
	assert.Equal(t, "betwen", syn.Token)

	kind, off := Describe(err)
	assert.Equal(t, ErrKindSyntax, kind)
	assert.Equal(t, 0, off)

	_, err = Compile("age", "age # 1", testCatalog())
	kind, off = Describe(err)
	assert.Equal(t, ErrKindLexical, kind)
	assert.Equal(t, 4, off)
}

func TestCompileNode_RejectsNestedChecks(t *testing.T) {
	node := &lang.Logical{
		Op:    lang.OpAnd,
		Left:  &lang.Required{},
		Right: &lang.Compare{Op: lang.OpGt, Right: &lang.NumberLit{Raw: "1", Value: 1}},
	}
	_, err := CompileNode("age", "", node, testCatalog())
	var typeErr *TypeError
	assert.True(t, errors.As(err, &typeErr))
}

func TestDescribe_Unknown(t *testing.T) {
	kind, off := Describe(errors.New("boom"))
	assert.Equal(t, ErrKindInternal, kind)
	assert.Equal(t, -1, off)
}
