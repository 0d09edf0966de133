package models

import (
	"testing"
	"time"
)

// StringSlice serialization tests

func TestStringSliceScan(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected []string
		wantErr  bool
	}{
		{"nil value", nil, []string{}, false},
		{"empty bytes", []byte{}, []string{}, false},
		{"empty string", "", []string{}, false},
		{"empty array", []byte("[]"), []string{}, false},
		{"single item", []byte(`["UI"]`), []string{"UI"}, false},
		{"multiple items", []byte(`["UI","API","DB"]`), []string{"UI", "API", "DB"}, false},
		{"special chars", []byte(`["value with spaces","quote\"here"]`), []string{"value with spaces", `quote"here`}, false},
				{"invalid json", []byte(`not json`), nil, true},
		{"wrong type int", 123, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s StringSlice
			err := s.Scan(tt.input)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Scan() expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("Scan() unexpected error: %v", err)
				return
			}

			if len(s) != len(tt.expected) {
				t.Errorf("Scan() len = %d, want %d", len(s), len(tt.expected))
				return
			}

			for i, v := range s {
				if v != tt.expected[i] {
					t.Errorf("Scan()[%d] = %q, want %q", i, v, tt.expected[i])
				}
			}
		})
	}
}

func TestStringSliceValue(t *testing.T) {
	tests := []struct {
		name     string
		input    StringSlice
		expected string
	}{
		{"nil slice", nil, "[]"},
		{"empty slice", StringSlice{}, "[]"},
		{"single item", StringSlice{"UI"}, `["UI"]`},
		{"multiple items", StringSlice{"UI", "API"}, `["UI","API"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, err := tt.input.Value()
			if err != nil {
				t.Errorf("Value() error: %v", err)
				return
			}

			str, ok := val.(string)
			if !ok {
				t.Errorf("Value() type = %T, want string", val)
				return
			}

			if str != tt.expected {
				t.Errorf("Value() = %q, want %q", str, tt.expected)
			}
		})
	}
}

func TestStringSliceContains(t *testing.T) {
	s := StringSlice{"Minor", "Major"}
	if !s.Contains("Major") {
		t.Error("Contains(Major) = false, want true")
	}
	if s.Contains("major") {
		t.Error("Contains is case-sensitive")
	}
}

func TestIssueConverged(t *testing.T) {
	remote := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	local := remote.Add(300 * time.Millisecond).In(time.FixedZone("CET", 3600))

	tests := []struct {
		name string
		at   *time.Time
		want bool
	}{
		{"never synchronized", nil, false},
		{"same second other zone", &local, true},
		{"older", func() *time.Time { t := remote.Add(-time.Minute); return &t }(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := &Issue{SynchronizedAt: tt.at}
			if got := issue.Converged(remote); got != tt.want {
				t.Errorf("Converged() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJournalPushCandidate(t *testing.T) {
	rid := 3
	tests := []struct {
		name    string
		journal Journal
		want    bool
	}{
		{"public note", Journal{Notes: "hello"}, true},
		{"private note", Journal{Notes: "hello", PrivateNotes: true}, false},
		{"no text", Journal{}, false},
		{"already linked", Journal{Notes: "hello", SynchronyID: &rid}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.journal.PushCandidate(); got != tt.want {
				t.Errorf("PushCandidate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserName(t *testing.T) {
	if got := (&User{Login: "jd", Firstname: "John", Lastname: "Doe"}).Name(); got != "John Doe" {
		t.Errorf("Name() = %q, want John Doe", got)
	}
	if got := (&User{Login: "jd"}).Name(); got != "jd" {
		t.Errorf("Name() = %q, want login fallback", got)
	}
}

func TestCustomFieldAllowedValues(t *testing.T) {
	boolField := &CustomField{FieldFormat: FieldFormatBool}
	if got := boolField.AllowedValues(); len(got) != 2 {
		t.Errorf("bool AllowedValues() = %v", got)
	}
	list := &CustomField{FieldFormat: FieldFormatList, PossibleValues: StringSlice{"a"}}
	if !list.IsEnumerated() || list.IsPrincipal() {
		t.Error("list field should be enumerated and not principal")
	}
}
