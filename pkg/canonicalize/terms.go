package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// agreementCodePrefix is the domain separator hashed with the terms hash to
// derive the human-quotable agreement code.
const agreementCodePrefix = "OPENCAWT_AGREEMENT_CODE_V1"

// crockford32 is the Crockford base32 alphabet (no I, L, O, U).
const crockford32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// AgreementCodeLength is the fixed length of a derived agreement code.
const AgreementCodeLength = 10

// CanonicalTerms is the result of canonicalising a raw OCP terms document.
type CanonicalTerms struct {
	CanonicalJSON []byte
	TermsHash     string
	AgreementCode string
}

// BuildCanonicalTerms canonicalises a raw JSON terms document:
//
//   - strings are trimmed and internal whitespace collapsed to a single
//     space (case and punctuation preserved),
//   - null optional fields are removed,
//   - object keys are sorted lexicographically at every depth,
//   - the top-level parties / obligations / consideration arrays are sorted
//     by their semantic keys; all other arrays keep input order.
//
// termsHash is the SHA-256 hex of the canonical JSON; the agreement code is
// derived from the hash.
func BuildCanonicalTerms(raw []byte) (*CanonicalTerms, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("canonicalize: terms are not valid JSON: %w", err)
	}
	top, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("canonicalize: terms must be a JSON object")
	}

	normalized, _ := normalizeValue(top)
	topMap := normalized.(map[string]any)
	sortSemanticArrays(topMap)

	canonical, err := Canonical(topMap)
	if err != nil {
		return nil, err
	}
	hash := HashBytes(canonical)
	return &CanonicalTerms{
		CanonicalJSON: canonical,
		TermsHash:     hash,
		AgreementCode: AgreementCode(hash),
	}, nil
}

// AgreementCode derives the 10-character Crockford base32 code from a terms
// hash: the first 8 bytes of sha256(prefix + termsHash) interpreted as a
// big-endian integer, low 50 bits rendered most-significant digit first.
func AgreementCode(termsHash string) string {
	sum := sha256.Sum256([]byte(agreementCodePrefix + termsHash))
	v := binary.BigEndian.Uint64(sum[:8])
	code := make([]byte, AgreementCodeLength)
	for i := AgreementCodeLength - 1; i >= 0; i-- {
		code[i] = crockford32[v%32]
		v /= 32
	}
	return string(code)
}

// normalizeValue walks a decoded JSON value applying string collapsing and
// null stripping. The second return reports whether the value survives
// (nulls are dropped from objects but kept inside arrays, where removal
// would change positions).
func normalizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		return collapseWhitespace(t), true
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nv, keep := normalizeValue(val)
			if !keep {
				continue
			}
			out[k] = nv
		}
		return out, true
	case []any:
		out := make([]any, 0, len(t))
		for _, elem := range t {
			nv, keep := normalizeValue(elem)
			if !keep {
				nv = nil
			}
			out = append(out, nv)
		}
		return out, true
	default:
		return v, true
	}
}

// collapseWhitespace trims and collapses runs of whitespace to single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// sortSemanticArrays orders the recognised top-level arrays by their stable
// semantic keys. Unknown shapes are left untouched.
func sortSemanticArrays(top map[string]any) {
	sortArrayBy(top, "parties", "role")
	sortArrayBy(top, "obligations", "actorAgentId", "action")
	sortArrayBy(top, "consideration", "fromAgentId", "item")
}

func sortArrayBy(top map[string]any, field string, keys ...string) {
	arr, ok := top[field].([]any)
	if !ok {
		return
	}
	sort.SliceStable(arr, func(i, j int) bool {
		return compositeKey(arr[i], keys) < compositeKey(arr[j], keys)
	})
}

func compositeKey(elem any, keys []string) string {
	m, ok := elem.(map[string]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		s, _ := m[k].(string)
		parts = append(parts, s)
	}
	return strings.Join(parts, "\x00")
}
