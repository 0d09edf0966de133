package synchrony

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"synchrony/internal/db"
	"synchrony/internal/models"
	"synchrony/internal/remote"
	"synchrony/internal/settings"
)

// Direction is the way a value travels.
type Direction int

const (
	// Pull imports remote state into the local store.
	Pull Direction = iota
	// Push exports local state to the remote tracker.
	Push
)

func (d Direction) String() string {
	if d == Push {
		return models.SyncDirectionPush
	}
	return models.SyncDirectionPull
}

// FieldDefinition describes a custom field on the target side.
type FieldDefinition struct {
	ID             int
	Name           string
	Format         string
	Multiple       bool
	PossibleValues []string
	Regexp         string
	MinLength      *int
	MaxLength      *int
}

// LocalFieldDefinition describes a local custom field.
func LocalFieldDefinition(cf models.CustomField) FieldDefinition {
	return FieldDefinition{
		ID:             int(cf.ID),
		Name:           cf.Name,
		Format:         cf.FieldFormat,
		Multiple:       cf.Multiple,
		PossibleValues: cf.AllowedValues(),
		Regexp:         cf.Regexp,
		MinLength:      cf.MinLength,
		MaxLength:      cf.MaxLength,
	}
}

// RemoteFieldDefinition describes a remote custom field.
func RemoteFieldDefinition(cf remote.CustomField) FieldDefinition {
	def := FieldDefinition{
		ID:        cf.ID,
		Name:      cf.Name,
		Format:    cf.FieldFormat,
		Multiple:  cf.Multiple,
		Regexp:    cf.Regexp,
		MinLength: cf.MinLength,
		MaxLength: cf.MaxLength,
	}
	for _, pv := range cf.PossibleValues {
		def.PossibleValues = append(def.PossibleValues, pv.Value)
	}
	if cf.FieldFormat == models.FieldFormatBool && len(def.PossibleValues) == 0 {
		def.PossibleValues = []string{"0", "1"}
	}
	return def
}

// FieldKind selects the translation strategy of a field.
type FieldKind string

const (
	KindEnumerated        FieldKind = "enumerated"
	KindPrincipalMulti    FieldKind = "principal-multi"
	KindPrincipalSingle   FieldKind = "principal-single"
	KindStringConstrained FieldKind = "string-constrained"
	KindPassthrough       FieldKind = "passthrough"
)

// Kind classifies the definition. Any field with possible values is
// enumerated, whatever its format.
func (d FieldDefinition) Kind() FieldKind {
	switch {
	case len(d.PossibleValues) > 0:
		return KindEnumerated
	case d.Format == models.FieldFormatUser && d.Multiple:
		return KindPrincipalMulti
	case d.Format == models.FieldFormatUser:
		return KindPrincipalSingle
	case d.Regexp != "" || d.MinLength != nil || d.MaxLength != nil:
		return KindStringConstrained
	}
	return KindPassthrough
}

// PrincipalTable relates local users to their remote identities.
type PrincipalTable struct {
	toRemote map[uint]int
	toLocal  map[int]uint
}

// NewPrincipalTable builds a table from explicit pairs (local → remote).
func NewPrincipalTable(pairs map[uint]int) *PrincipalTable {
	t := &PrincipalTable{toRemote: make(map[uint]int), toLocal: make(map[int]uint)}
	for local, rid := range pairs {
		t.add(local, rid)
	}
	return t
}

func (t *PrincipalTable) add(local uint, rid int) {
	t.toRemote[local] = rid
	if _, dup := t.toLocal[rid]; !dup {
		t.toLocal[rid] = local
	}
}

// LoadPrincipalTable reads every user's remote identity custom value.
func LoadPrincipalTable(ctx context.Context, store *db.Store, identityFieldID uint) (*PrincipalTable, error) {
	t := NewPrincipalTable(nil)
	if identityFieldID == 0 {
		return t, nil
	}
	values, err := store.UserCustomValues(ctx, identityFieldID)
	if err != nil {
		return nil, fmt.Errorf("failed to load remote identities: %w", err)
	}
	for _, v := range values {
		rid, err := strconv.Atoi(strings.TrimSpace(v.Value))
		if err != nil || rid == 0 {
			continue
		}
		t.add(v.CustomizedID, rid)
	}
	return t, nil
}

// ToRemote returns the remote identity of a local user.
func (t *PrincipalTable) ToRemote(local uint) (int, bool) {
	rid, ok := t.toRemote[local]
	return rid, ok
}

// ToLocal returns the local user holding a remote identity.
func (t *PrincipalTable) ToLocal(rid int) (uint, bool) {
	local, ok := t.toLocal[rid]
	return local, ok
}

// translate maps one principal reference written as a decimal id.
func (t *PrincipalTable) translate(dir Direction, value string) (string, bool) {
	value = strings.TrimSpace(value)
	if dir == Pull {
		rid, err := strconv.Atoi(value)
		if err != nil {
			return "", false
		}
		local, ok := t.ToLocal(rid)
		if !ok {
			return "", false
		}
		return strconv.FormatUint(uint64(local), 10), true
	}
	local, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return "", false
	}
	rid, ok := t.ToRemote(uint(local))
	if !ok {
		return "", false
	}
	return strconv.Itoa(rid), true
}

// SourceValue is a custom field value on the source record.
type SourceValue struct {
	FieldID int
	Name    string
	Values  []string
}

// TargetValue is a translated custom field value.
type TargetValue struct {
	FieldID  int
	Multiple bool
	Values   []string
}

// FieldMapper translates custom field values between the two sides.
type FieldMapper struct {
	Direction  Direction
	Mappings   *settings.MappingTables
	Targets    []FieldDefinition
	Principals *PrincipalTable
	// Bookkeeping holds the source and target field ids owned by the engine.
	Bookkeeping Bookkeeping
	Logger      *slog.Logger
}

// Bookkeeping lists the engine's own fields on each side.
type Bookkeeping struct {
	Source map[int]bool
	Target map[int]bool
}

type strategy interface {
	translate(m *FieldMapper, src SourceValue, def FieldDefinition) (TargetValue, string, bool)
}

var strategies = map[FieldKind]strategy{
	KindEnumerated:        enumerated{},
	KindPrincipalMulti:    principalMulti{},
	KindPrincipalSingle:   principalSingle{},
	KindStringConstrained: stringConstrained{},
	KindPassthrough:       passthrough{},
}

// TranslateCustomFields maps every source value that survives the mapping
// policy. Dropped fields are logged, never returned as errors.
func (m *FieldMapper) TranslateCustomFields(sources []SourceValue) []TargetValue {
	var out []TargetValue
	for _, src := range sources {
		tv, ok := m.translateOne(src)
		if ok {
			out = append(out, tv)
		}
	}
	return out
}

func (m *FieldMapper) translateOne(src SourceValue) (TargetValue, bool) {
	log := m.logger().With("field", src.Name, "field_id", src.FieldID, "direction", m.Direction.String())

	if m.Bookkeeping.Source[src.FieldID] {
		return TargetValue{}, false
	}
	entry, ok := m.entry(src)
	if !ok {
		log.Debug("custom field not mapped, skipping")
		return TargetValue{}, false
	}
	if !entry.Enabled() {
		log.Debug("custom field synchronization disabled, skipping")
		return TargetValue{}, false
	}
	def, ok := m.definition(entry)
	if !ok {
		log.Info("custom field not found on target side, skipping", "target", m.targetName(entry))
		return TargetValue{}, false
	}
	if m.Bookkeeping.Target[def.ID] {
		return TargetValue{}, false
	}

	kind := def.Kind()
	tv, reason, ok := strategies[kind].translate(m, src, def)
	if !ok {
		log.Info("custom field value dropped", "kind", string(kind), "reason", reason, "value", strings.Join(src.Values, ","))
		return TargetValue{}, false
	}
	return tv, true
}

func (m *FieldMapper) entry(src SourceValue) (settings.MappingEntry, bool) {
	if m.Mappings == nil {
		return settings.MappingEntry{}, false
	}
	if m.Direction == Push {
		return m.Mappings.ByLocal(settings.DimCustomField, src.Name)
	}
	if e, ok := m.Mappings.ByTarget(settings.DimCustomField, src.Name); ok {
		return e, true
	}
	return m.Mappings.ByTarget(settings.DimCustomField, strconv.Itoa(src.FieldID))
}

func (m *FieldMapper) targetName(e settings.MappingEntry) string {
	if m.Direction == Push {
		return e.Target
	}
	return e.Local
}

func (m *FieldMapper) definition(e settings.MappingEntry) (FieldDefinition, bool) {
	name := strings.TrimSpace(m.targetName(e))
	for _, def := range m.Targets {
		if strings.TrimSpace(def.Name) == name {
			return def, true
		}
	}
	if id, err := strconv.Atoi(name); err == nil {
		for _, def := range m.Targets {
			if def.ID == id {
				return def, true
			}
		}
	}
	return FieldDefinition{}, false
}

func (m *FieldMapper) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}

type enumerated struct{}

func (enumerated) translate(_ *FieldMapper, src SourceValue, def FieldDefinition) (TargetValue, string, bool) {
	allowed := make(map[string]bool, len(def.PossibleValues))
	for _, v := range def.PossibleValues {
		allowed[v] = true
	}
	if def.Multiple {
		var common []string
		for _, v := range src.Values {
			if allowed[v] {
				common = append(common, v)
			}
		}
		if len(common) == 0 {
			return TargetValue{}, "no value in possible values", false
		}
		return TargetValue{FieldID: def.ID, Multiple: true, Values: common}, "", true
	}
	if len(src.Values) != 1 {
		return TargetValue{}, "single-valued target given a list", false
	}
	if !allowed[src.Values[0]] {
		return TargetValue{}, "value not in possible values", false
	}
	return TargetValue{FieldID: def.ID, Values: src.Values[:1]}, "", true
}

type principalMulti struct{}

func (principalMulti) translate(m *FieldMapper, src SourceValue, def FieldDefinition) (TargetValue, string, bool) {
	out := make([]string, 0, len(src.Values))
	for _, v := range src.Values {
		if mapped, ok := m.principals().translate(m.Direction, v); ok {
			out = append(out, mapped)
		}
	}
	return TargetValue{FieldID: def.ID, Multiple: true, Values: out}, "", true
}

type principalSingle struct{}

func (principalSingle) translate(m *FieldMapper, src SourceValue, def FieldDefinition) (TargetValue, string, bool) {
	if len(src.Values) != 1 {
		return TargetValue{}, "single-valued target given a list", false
	}
	mapped, ok := m.principals().translate(m.Direction, src.Values[0])
	if !ok {
		return TargetValue{}, "user has no remote identity", false
	}
	return TargetValue{FieldID: def.ID, Values: []string{mapped}}, "", true
}

type stringConstrained struct{}

func (stringConstrained) translate(_ *FieldMapper, src SourceValue, def FieldDefinition) (TargetValue, string, bool) {
	if len(src.Values) != 1 {
		return TargetValue{}, "single-valued target given a list", false
	}
	value := src.Values[0]
	if def.Regexp != "" {
		re, err := regexp.Compile(def.Regexp)
		if err != nil {
			return TargetValue{}, "invalid regexp " + def.Regexp, false
		}
		if !re.MatchString(value) {
			return TargetValue{}, "does not match regexp", false
		}
	}
	n := utf8.RuneCountInString(value)
	if def.MinLength != nil && *def.MinLength > 0 && n < *def.MinLength {
		return TargetValue{}, "too short", false
	}
	if def.MaxLength != nil && *def.MaxLength > 0 && n > *def.MaxLength {
		return TargetValue{}, "too long", false
	}
	return TargetValue{FieldID: def.ID, Values: []string{value}}, "", true
}

type passthrough struct{}

func (passthrough) translate(_ *FieldMapper, src SourceValue, def FieldDefinition) (TargetValue, string, bool) {
	return TargetValue{FieldID: def.ID, Multiple: def.Multiple, Values: src.Values}, "", true
}

func (m *FieldMapper) principals() *PrincipalTable {
	if m.Principals == nil {
		return NewPrincipalTable(nil)
	}
	return m.Principals
}
