// Package schema implements C2, the schema drift detector and fuzzy
// field mapper: it reconciles whatever field names a source happens to
// emit against the fixed unified record shape, using static aliases
// first and Levenshtein similarity as a fallback.
package schema

import (
	"strconv"
	"strings"

	"github.com/agext/levenshtein"
)

// UnifiedFields are the canonical target field names.
var UnifiedFields = []string{
	"symbol", "name", "price_usd", "volume_24h",
	"market_cap", "percent_change_24h", "timestamp", "source",
}

// staticAliases is the canonical alias table, resolving the two
// variants observed across source files to their union: both
// created_at and price_timestamp are kept as timestamp aliases.
var staticAliases = map[string]string{
	"time":            "timestamp",
	"ticker":          "symbol",
	"usd_price":       "price_usd",
	"tx_volume":       "volume_24h",
	"created_at":      "timestamp",
	"price_timestamp": "timestamp",
}

// Tier classifies a mapping's confidence.
type Tier int

const (
	TierApplied Tier = iota
	TierQuarantined
	TierSkipped
)

const (
	appliedThreshold    = 0.8
	quarantineThreshold = 0.5
)

func classify(confidence float64) Tier {
	switch {
	case confidence >= appliedThreshold:
		return TierApplied
	case confidence >= quarantineThreshold:
		return TierQuarantined
	default:
		return TierSkipped
	}
}

// Mapping is one resolved (or rejected) field-name correspondence.
type Mapping struct {
	From       string
	To         string
	Confidence float64
	Tier       Tier
}

// DriftResult is returned by DetectDrift.
type DriftResult struct {
	SchemaVersion       int
	AppliedMappings     []Mapping
	QuarantinedMappings []Mapping
	SkippedMappings     []Mapping
}

// fieldSchema is the per-source snapshot compared across runs: the
// sorted field set plus a scalar type tag per field.
type fieldSchema struct {
	fields map[string]string // field -> type tag ("string", "number", "bool", "other")
}

// Mapper holds per-source schema snapshots and the live alias table
// each source has accumulated from auto-mapped (>=0.8) fields.
type Mapper struct {
	snapshots map[string]fieldSchema
	versions  map[string]int
	learned   map[string]map[string]string // source -> observed field -> unified field
}

// New constructs an empty Mapper.
func New() *Mapper {
	return &Mapper{
		snapshots: make(map[string]fieldSchema),
		versions:  make(map[string]int),
		learned:   make(map[string]map[string]string),
	}
}

// DetectDrift compares source's current schema (derived from
// firstRecord) against the stored snapshot. A structural change bumps
// schema_version and, for every field that disappeared, attempts to
// match it against a newly-added field by similarity.
func (m *Mapper) DetectDrift(source string, firstRecord map[string]interface{}) DriftResult {
	current := snapshotOf(firstRecord)
	prev, hadPrev := m.snapshots[source]

	result := DriftResult{SchemaVersion: m.versions[source]}

	if !hadPrev {
		m.snapshots[source] = current
		m.versions[source] = 1
		result.SchemaVersion = 1
		m.recordStaticAliases(source, &result)
		return result
	}

	removed, added := diff(prev, current)
	if len(removed) == 0 && len(added) == 0 {
		m.recordStaticAliases(source, &result)
		return result
	}

	m.versions[source]++
	result.SchemaVersion = m.versions[source]

	for _, from := range removed {
		best := ""
		bestScore := 0.0
		for _, to := range added {
			score := Similarity(from, to)
			if score > bestScore {
				bestScore = score
				best = to
			}
		}
		if best == "" || bestScore == 0 {
			continue
		}
		mapping := Mapping{From: from, To: best, Confidence: bestScore, Tier: classify(bestScore)}
		m.file(source, mapping, &result)
		if mapping.Tier == TierApplied {
			// Rows now carry the replacement name, so the learned table
			// is keyed by it and points back at the vanished field's
			// unified name.
			unified := from
			if to, ok := staticAliases[from]; ok {
				unified = to
			}
			delete(m.learned[source], from)
			m.learned[source][best] = unified
		}
	}

	m.snapshots[source] = current
	m.recordStaticAliases(source, &result)
	return result
}

// recordStaticAliases folds the fixed 1.0-confidence aliases into the
// applied set so mapRow can rely on a single learned table per source.
func (m *Mapper) recordStaticAliases(source string, result *DriftResult) {
	for from, to := range staticAliases {
		m.file(source, Mapping{From: from, To: to, Confidence: 1.0, Tier: TierApplied}, result)
	}
}

func (m *Mapper) file(source string, mapping Mapping, result *DriftResult) {
	switch mapping.Tier {
	case TierApplied:
		if m.learned[source] == nil {
			m.learned[source] = make(map[string]string)
		}
		m.learned[source][mapping.From] = mapping.To
		result.AppliedMappings = append(result.AppliedMappings, mapping)
	case TierQuarantined:
		result.QuarantinedMappings = append(result.QuarantinedMappings, mapping)
	default:
		result.SkippedMappings = append(result.SkippedMappings, mapping)
	}
}

// MapResult is the outcome of mapping one raw row.
type MapResult struct {
	MappedRow  map[string]interface{}
	MappingLog []Mapping
}

// MapRow rewrites row's field names to unified names using source's
// learned alias table (static aliases plus any auto-mapped fields from
// DetectDrift). Fields with no known mapping pass through unchanged;
// numeric unified fields are coerced per the currency/number rules.
func (m *Mapper) MapRow(source string, row map[string]interface{}) MapResult {
	aliases := m.learned[source]
	out := make(map[string]interface{}, len(row))
	var log []Mapping

	for field, value := range row {
		target := field
		confidence := 1.0
		if to, ok := aliases[field]; ok {
			target = to
		} else if to, ok := staticAliases[field]; ok {
			target = to
		}

		if isNumericUnifiedField(target) {
			coerced, ok := coerceNumber(value)
			if !ok {
				continue // absent: dropped, not zero
			}
			out[target] = coerced
		} else {
			out[target] = value
		}

		if target != field {
			log = append(log, Mapping{From: field, To: target, Confidence: confidence, Tier: TierApplied})
		}
	}

	return MapResult{MappedRow: out, MappingLog: log}
}

func isNumericUnifiedField(field string) bool {
	switch field {
	case "price_usd", "volume_24h", "market_cap", "percent_change_24h":
		return true
	default:
		return false
	}
}

// coerceNumber strips currency punctuation and parses the remainder as
// a float. A non-numeric or empty result yields (0, false): absent,
// never a reported zero.
func coerceNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case '$', ',', ' ':
				return -1
			default:
				return r
			}
		}, v)
		if cleaned == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Similarity implements s(a, b) per the documented precedence: static
// alias match, then substring containment, then normalized Levenshtein
// distance.
func Similarity(a, b string) float64 {
	if staticAliases[a] == b || staticAliases[b] == a || a == b {
		return 1.0
	}

	normA := normalize(a)
	normB := normalize(b)

	if staticAliases[normA] == normB || staticAliases[normB] == normA {
		return 1.0
	}

	if normA == "" && normB == "" {
		return 1.0
	}

	if normA != "" && normB != "" && (strings.Contains(normA, normB) || strings.Contains(normB, normA)) {
		return 0.9
	}

	maxLen := len(normA)
	if len(normB) > maxLen {
		maxLen = len(normB)
	}
	if maxLen == 0 {
		return 1.0
	}

	dist := levenshtein.Distance(normA, normB, nil)
	return 1.0 - float64(dist)/float64(maxLen)
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func snapshotOf(record map[string]interface{}) fieldSchema {
	fields := make(map[string]string, len(record))
	for k, v := range record {
		fields[k] = typeTag(v)
	}
	return fieldSchema{fields: fields}
}

func typeTag(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "bool"
	default:
		return "other"
	}
}

// diff returns fields present in prev but absent from current
// ("removed") and fields present in current but absent from prev
// ("added"). A field whose type tag changed counts as both.
func diff(prev, current fieldSchema) (removed, added []string) {
	for f, t := range prev.fields {
		ct, ok := current.fields[f]
		if !ok || ct != t {
			removed = append(removed, f)
		}
	}
	for f, t := range current.fields {
		pt, ok := prev.fields[f]
		if !ok || pt != t {
			added = append(added, f)
		}
	}
	return removed, added
}
