package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimilarity_StaticAlias(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("ticker", "symbol"))
	assert.Equal(t, 1.0, Similarity("usd_price", "price_usd"))
}

func TestSimilarity_SubstringContainment(t *testing.T) {
	// "ticker_symbol" normalizes to "tickersymbol", which contains
	// "symbol" as a contiguous suffix: a genuine substring relation,
	// not a static alias.
	score := Similarity("symbol", "ticker_symbol")
	assert.Equal(t, 0.9, score)
}

func TestSimilarity_Levenshtein(t *testing.T) {
	// "mkt_cap" and "market_cap" share no contiguous substring relation
	// once normalized ("mktcap" / "marketcap"), so this exercises the
	// Levenshtein fallback: edit distance 3 over a max length of 9.
	score := Similarity("mkt_cap", "market_cap")
	assert.True(t, score < 0.8, "expected quarantine-tier score, got %v", score)
	assert.True(t, score >= 0.5, "expected at least quarantine floor, got %v", score)
}

func TestSimilarity_BothEmpty(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
}

func TestSimilarity_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"mkt_cap", "market_cap"},
		{"symbol", "ticker_symbol"},
		{"ticker", "symbol"},
	}
	for _, p := range pairs {
		assert.Equal(t, Similarity(p[0], p[1]), Similarity(p[1], p[0]), "similarity must be symmetric for %v", p)
	}
}

func TestClassify_Tiers(t *testing.T) {
	assert.Equal(t, TierApplied, classify(0.8))
	assert.Equal(t, TierApplied, classify(1.0))
	assert.Equal(t, TierQuarantined, classify(0.5))
	assert.Equal(t, TierQuarantined, classify(0.79))
	assert.Equal(t, TierSkipped, classify(0.49))
}

func TestDetectDrift_FirstObservationSeedsVersion1(t *testing.T) {
	m := New()
	result := m.DetectDrift("B", map[string]interface{}{
		"symbol": "BTC", "name": "Bitcoin", "price_usd": 50000.0,
	})
	assert.Equal(t, 1, result.SchemaVersion)
}

func TestDetectDrift_RenamedFieldAutoMaps(t *testing.T) {
	m := New()
	m.DetectDrift("B", map[string]interface{}{
		"symbol": "BTC", "name": "Bitcoin", "price_usd": 50000.0,
		"volume_24h": 1000000.0, "timestamp": "2026-01-01T00:00:00Z",
	})

	result := m.DetectDrift("B", map[string]interface{}{
		"symbol": "BTC", "name": "Bitcoin", "usd_price": "$50,000",
		"vol": 1000000.0, "timestamp": "2026-01-01T00:00:00Z",
	})

	require.Equal(t, 2, result.SchemaVersion)

	var foundStaticAlias, foundFuzzy bool
	for _, mapping := range result.AppliedMappings {
		if mapping.From == "price_usd" && mapping.To == "usd_price" {
			foundStaticAlias = true
		}
		if mapping.From == "volume_24h" && mapping.To == "vol" {
			foundFuzzy = true
			assert.GreaterOrEqual(t, mapping.Confidence, 0.8)
		}
	}
	assert.True(t, foundStaticAlias, "expected usd_price static alias in applied mappings")
	assert.True(t, foundFuzzy, "expected vol fuzzy match in applied mappings")
}

func TestDetectDrift_QuarantineTier(t *testing.T) {
	m := New()
	m.DetectDrift("B", map[string]interface{}{
		"symbol": "BTC", "market_cap": 900000000.0,
	})

	result := m.DetectDrift("B", map[string]interface{}{
		"symbol": "BTC", "mkt_cap": 900000000.0,
	})

	var quarantined bool
	for _, mapping := range result.QuarantinedMappings {
		if mapping.From == "market_cap" && mapping.To == "mkt_cap" {
			quarantined = true
		}
	}
	assert.True(t, quarantined, "expected market_cap -> mkt_cap to land in quarantine tier")
}

func TestMapRow_NumericCoercionStripsCurrencyPunctuation(t *testing.T) {
	m := New()
	m.DetectDrift("A", map[string]interface{}{"symbol": "BTC", "price_usd": 1.0})

	result := m.MapRow("A", map[string]interface{}{
		"symbol": "BTC", "price_usd": "$50,000.25",
	})

	assert.Equal(t, 50000.25, result.MappedRow["price_usd"])
}

func TestMapRow_UnparsableNumberIsAbsentNotZero(t *testing.T) {
	m := New()
	result := m.MapRow("A", map[string]interface{}{"price_usd": "not-a-number"})
	_, present := result.MappedRow["price_usd"]
	assert.False(t, present, "unparsable numeric field must be absent, not coerced to zero")
}
