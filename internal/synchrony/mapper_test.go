package synchrony

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synchrony/internal/db/dbtest"
	"synchrony/internal/models"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
)

func intPtr(v int) *int { return &v }

func pushMapper(targets ...FieldDefinition) *FieldMapper {
	site := &settings.Site{CustomFieldsSet: []map[string]string{
		row(settings.DimCustomField, "Severity", "Severity", "true"),
		row(settings.DimCustomField, "Components", "Components", "true"),
		row(settings.DimCustomField, "Reviewer", "Reviewer", "true"),
		row(settings.DimCustomField, "Reviewers", "Reviewers", "true"),
		row(settings.DimCustomField, "Ticket code", "Code", "true"),
		row(settings.DimCustomField, "Remarks", "Remarks", "true"),
		row(settings.DimCustomField, "Internal", "Internal", "false"),
		row(settings.DimCustomField, "Author", "Author ID", "true"),
	}}
	return &FieldMapper{
		Direction:  Push,
		Mappings:   site.Mappings(),
		Targets:    targets,
		Principals: NewPrincipalTable(map[uint]int{1: remoteAlice, 2: remoteBob}),
		Bookkeeping: Bookkeeping{
			Source: map[int]bool{90: true},
			Target: map[int]bool{30: true},
		},
	}
}

func TestFieldDefinitionKind(t *testing.T) {
	tests := []struct {
		name string
		def  FieldDefinition
		want FieldKind
	}{
		{"list", FieldDefinition{Format: models.FieldFormatList, PossibleValues: []string{"a"}}, KindEnumerated},
		{"list without values", FieldDefinition{Format: models.FieldFormatList}, KindPassthrough},
		{"constrained list without values", FieldDefinition{Format: models.FieldFormatList, MaxLength: intPtr(2)}, KindStringConstrained},
		{"possible values win over user", FieldDefinition{Format: models.FieldFormatUser, PossibleValues: []string{"1"}}, KindEnumerated},
		{"user multi", FieldDefinition{Format: models.FieldFormatUser, Multiple: true}, KindPrincipalMulti},
		{"user", FieldDefinition{Format: models.FieldFormatUser}, KindPrincipalSingle},
		{"regexp", FieldDefinition{Format: models.FieldFormatString, Regexp: "^a"}, KindStringConstrained},
		{"max length", FieldDefinition{Format: models.FieldFormatString, MaxLength: intPtr(3)}, KindStringConstrained},
		{"text", FieldDefinition{Format: models.FieldFormatText}, KindPassthrough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.def.Kind())
		})
	}

	boolDef := RemoteFieldDefinition(remote.CustomField{ID: 4, FieldFormat: models.FieldFormatBool})
	assert.Equal(t, []string{"0", "1"}, boolDef.PossibleValues)
	assert.Equal(t, KindEnumerated, boolDef.Kind())
}

func TestTranslateEnumerated(t *testing.T) {
	m := pushMapper(
		FieldDefinition{ID: 10, Name: "Severity", Format: models.FieldFormatList, PossibleValues: []string{"Minor", "Major"}},
		FieldDefinition{ID: 11, Name: "Components", Format: models.FieldFormatList, Multiple: true, PossibleValues: []string{"UI", "API"}},
	)

	got := m.TranslateCustomFields([]SourceValue{
		{FieldID: 1, Name: "Severity", Values: []string{"Major"}},
		{FieldID: 2, Name: "Components", Values: []string{"UI", "DB", "API"}},
	})
	assert.Equal(t, []TargetValue{
		{FieldID: 10, Values: []string{"Major"}},
		{FieldID: 11, Multiple: true, Values: []string{"UI", "API"}},
	}, got)

	got = m.TranslateCustomFields([]SourceValue{
		{FieldID: 1, Name: "Severity", Values: []string{"Critical"}},
		{FieldID: 2, Name: "Components", Values: []string{"DB"}},
	})
	assert.Empty(t, got, "values outside the possible values are dropped")

	got = m.TranslateCustomFields([]SourceValue{{FieldID: 1, Name: "Severity", Values: []string{"Minor", "Major"}}})
	assert.Empty(t, got, "a single-valued target never receives a list")
}

func TestTranslatePrincipals(t *testing.T) {
	m := pushMapper(
		FieldDefinition{ID: 12, Name: "Reviewer", Format: models.FieldFormatUser},
		FieldDefinition{ID: 13, Name: "Reviewers", Format: models.FieldFormatUser, Multiple: true},
	)

	got := m.TranslateCustomFields([]SourceValue{
		{FieldID: 3, Name: "Reviewer", Values: []string{"2"}},
		{FieldID: 4, Name: "Reviewers", Values: []string{"1", "7", "2"}},
	})
	assert.Equal(t, []TargetValue{
		{FieldID: 12, Values: []string{"102"}},
		{FieldID: 13, Multiple: true, Values: []string{"101", "102"}},
	}, got)

	got = m.TranslateCustomFields([]SourceValue{
		{FieldID: 3, Name: "Reviewer", Values: []string{"7"}},
		{FieldID: 4, Name: "Reviewers", Values: []string{"7"}},
	})
	require.Len(t, got, 1, "an unmapped single principal drops the field")
	assert.Equal(t, 13, got[0].FieldID)
	assert.Empty(t, got[0].Values, "a multi principal field may end up empty")

	local, ok := m.Principals.translate(Pull, "102")
	assert.True(t, ok)
	assert.Equal(t, "2", local)
}

func TestTranslateStringConstrained(t *testing.T) {
	m := pushMapper(FieldDefinition{ID: 14, Name: "Code", Format: models.FieldFormatString, Regexp: `^[A-Z]+-\d+$`, MinLength: intPtr(3), MaxLength: intPtr(8)})

	tests := []struct {
		value string
		ok    bool
	}{
		{"AB-12", true},
		{"ab-12", false},
		{"ABCDEF-123", false},
		{"ÄB-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got := m.TranslateCustomFields([]SourceValue{{FieldID: 5, Name: "Ticket code", Values: []string{tt.value}}})
			assert.Equal(t, tt.ok, len(got) == 1)
		})
	}
}

func TestTranslatePolicy(t *testing.T) {
	m := pushMapper(
		FieldDefinition{ID: 15, Name: "Remarks", Format: models.FieldFormatText},
		FieldDefinition{ID: 16, Name: "Internal", Format: models.FieldFormatText},
		FieldDefinition{ID: 30, Name: "Author ID", Format: models.FieldFormatString},
	)

	got := m.TranslateCustomFields([]SourceValue{
		{FieldID: 6, Name: "Remarks", Values: []string{"free text"}},
		{FieldID: 7, Name: "Internal", Values: []string{"hidden"}},
		{FieldID: 8, Name: "Unmapped", Values: []string{"x"}},
		{FieldID: 90, Name: "Remarks", Values: []string{"bookkeeping source"}},
		{FieldID: 9, Name: "Author", Values: []string{"bookkeeping target"}},
		{FieldID: 10, Name: "Severity", Values: []string{"Major"}},
	})
	assert.Equal(t, []TargetValue{{FieldID: 15, Values: []string{"free text"}}}, got,
		"disabled, unmapped, bookkeeping and missing-target fields are skipped")
}

func TestPullMapperMatchesTargetByID(t *testing.T) {
	site := &settings.Site{CustomFieldsSet: []map[string]string{
		row(settings.DimCustomField, "Remarks", "42", "1"),
	}}
	m := &FieldMapper{
		Direction: Pull,
		Mappings:  site.Mappings(),
		Targets:   []FieldDefinition{{ID: 7, Name: "Remarks", Format: models.FieldFormatText}},
	}
	got := m.TranslateCustomFields([]SourceValue{{FieldID: 42, Name: "Notes from upstream", Values: []string{"hello"}}})
	assert.Equal(t, []TargetValue{{FieldID: 7, Values: []string{"hello"}}}, got)
}

func TestLoadPrincipalTable(t *testing.T) {
	f := dbtest.Seed(t)
	table, err := LoadPrincipalTable(context.Background(), f.Store, f.RemoteUserID)
	require.NoError(t, err)

	rid, ok := table.ToRemote(f.Alice)
	assert.True(t, ok)
	assert.Equal(t, remoteAlice, rid)
	local, ok := table.ToLocal(remoteBob)
	assert.True(t, ok)
	assert.Equal(t, f.Bob, local)
	_, ok = table.ToRemote(f.Carol)
	assert.False(t, ok)

	empty, err := LoadPrincipalTable(context.Background(), f.Store, 0)
	require.NoError(t, err)
	_, ok = empty.ToLocal(remoteAlice)
	assert.False(t, ok)
}
