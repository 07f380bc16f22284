// Package symbols finds stock tickers mentioned in free text.
package symbols

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
)

// Known maps an upper-case ticker to its lower-case aliases, e.g. company names.
type Known map[string][]string

var (
	// $AAPL, $brk.b
	cashtagPattern = regexp.MustCompile(`\$([A-Za-z]{1,5}(?:\.[A-Za-z])?)\b`)
	// bare upper-case words: AAPL, BRK.B
	tickerPattern = regexp.MustCompile(`\b([A-Z]{1,5}(?:\.[A-Z])?)\b`)
)

// DefaultKnown is the built-in watchlist used when no file is configured.
func DefaultKnown() Known {
	return Known{
		"AAPL":  {"apple"},
		"MSFT":  {"microsoft"},
		"GOOGL": {"google", "alphabet"},
		"AMZN":  {"amazon"},
		"META":  {"meta", "facebook"},
		"NVDA":  {"nvidia"},
		"TSLA":  {"tesla"},
		"NFLX":  {"netflix"},
		"AMD":   {},
		"INTC":  {"intel"},
		"JPM":   {"jpmorgan"},
		"V":     {"visa"},
		"DIS":   {"disney"},
		"BRK.B": {"berkshire"},
		"SPY":   {},
		"QQQ":   {},
	}
}

// ExtractKnown returns the known tickers mentioned in text, in order of first
// mention and without duplicates. A ticker matches as a cashtag in any case,
// as an upper-case word, or through one of its aliases.
func ExtractKnown(text string, known Known) []string {
	type hit struct {
		pos    int
		ticker string
	}
	var hits []hit

	for _, m := range cashtagPattern.FindAllStringSubmatchIndex(text, -1) {
		t := strings.ToUpper(text[m[2]:m[3]])
		if _, ok := known[t]; ok {
			hits = append(hits, hit{pos: m[0], ticker: t})
		}
	}
	for _, m := range tickerPattern.FindAllStringSubmatchIndex(text, -1) {
		t := text[m[2]:m[3]]
		// single letters only count as cashtags
		if len(t) < 2 {
			continue
		}
		if _, ok := known[t]; ok {
			hits = append(hits, hit{pos: m[2], ticker: t})
		}
	}

	lower := strings.ToLower(text)
	for ticker, aliases := range known {
		for _, alias := range aliases {
			for _, pos := range aliasPositions(lower, alias) {
				hits = append(hits, hit{pos: pos, ticker: ticker})
			}
		}
	}

	slices.SortStableFunc(hits, func(a, b hit) int {
		return cmp.Compare(a.pos, b.pos)
	})

	seen := make(map[string]bool, len(hits))
	var out []string
	for _, h := range hits {
		if seen[h.ticker] {
			continue
		}
		seen[h.ticker] = true
		out = append(out, h.ticker)
	}
	return out
}

// aliasPositions finds alias in lower on word boundaries.
func aliasPositions(lower, alias string) []int {
	if alias == "" {
		return nil
	}
	var out []int
	for from := 0; from < len(lower); {
		idx := strings.Index(lower[from:], alias)
		if idx < 0 {
			break
		}
		start := from + idx
		end := start + len(alias)
		if boundary(lower, start-1) && boundary(lower, end) {
			out = append(out, start)
		}
		from = start + 1
	}
	return out
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}
