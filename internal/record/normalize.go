package record

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxColumnLen is the identifier length limit shared by the backends we
// target (Postgres truncates at 63 bytes).
const MaxColumnLen = 63

// NormalizeColumn converts an arbitrary field name into a lowercase
// identifier made of [a-z0-9_]:
//
//	"shipping_address.province_code" -> "shipping_address_province_code"
//	"Endereço Cobrança"              -> "endereco_cobranca"
//
// Accents are folded rather than dropped, runs of other characters collapse
// to a single underscore, and the result is cut to MaxColumnLen bytes.
func NormalizeColumn(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// transform.Chain keeps state, so each call builds its own.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return truncateColumn(strings.Trim(b.String(), "_"))
}

func truncateColumn(s string) string {
	if len(s) <= MaxColumnLen {
		return s
	}
	cut := MaxColumnLen
	for cut > 0 && !utf8.ValidString(s[:cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], "_")
}

// NormalizeBatch renames every field through NormalizeColumn. When two fields
// normalize to the same name the later one wins.
func NormalizeBatch(b Batch) Batch {
	out := make(Batch, len(b))
	for i, r := range b {
		n := &Record{vals: make(map[string]Value, r.Len())}
		for _, k := range r.Keys() {
			name := NormalizeColumn(k)
			if name == "" {
				continue
			}
			n.Set(name, r.Get(k))
		}
		out[i] = n
	}
	return out
}
