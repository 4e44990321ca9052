// Package grants implements the hierarchical capability and network
// grant managers (C6), grounded directly on the original
// tenpu/hierarchical_grant.py config-intersection algorithm.
package grants

import "strings"

// hierarchySeparator joins ancestor segments of a hierarchical principal.
const hierarchySeparator = "__"

// ParsePrincipalChain returns every ancestor of principalID from the
// root outward, e.g. "a__b__c" -> ["a", "a__b", "a__b__c"].
func ParsePrincipalChain(principalID string) []string {
	segments := strings.Split(principalID, hierarchySeparator)
	chain := make([]string, 0, len(segments))
	for i := range segments {
		chain = append(chain, strings.Join(segments[:i+1], hierarchySeparator))
	}
	return chain
}

// IsHierarchical reports whether principalID has more than one segment.
func IsHierarchical(principalID string) bool {
	return strings.Contains(principalID, hierarchySeparator)
}

// GetParent returns the immediate parent of a hierarchical principal, or
// "" if principalID has no parent.
func GetParent(principalID string) string {
	idx := strings.LastIndex(principalID, hierarchySeparator)
	if idx < 0 {
		return ""
	}
	return principalID[:idx]
}

// GetRoot returns the root ancestor of principalID.
func GetRoot(principalID string) string {
	idx := strings.Index(principalID, hierarchySeparator)
	if idx < 0 {
		return principalID
	}
	return principalID[:idx]
}

// IntersectConfig folds a list of per-ancestor config dicts into one
// effective config, per the original's intersect_config: empty list ->
// {}; single element -> a copy; otherwise a left fold via intersectTwo.
func IntersectConfig(configs []map[string]interface{}) map[string]interface{} {
	if len(configs) == 0 {
		return map[string]interface{}{}
	}
	acc := copyMap(configs[0])
	for _, next := range configs[1:] {
		acc = intersectTwo(acc, next)
	}
	return acc
}

// intersectTwo keeps only keys present in both a and b, combining
// per-type: list -> set-intersection preserving a's order (scalars
// only); bool -> AND; numeric -> min; string -> keep a's; dict ->
// recurse. A type mismatch (or any other combination) drops the key.
func intersectTwo(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			continue
		}
		if merged, ok := intersectValue(av, bv); ok {
			out[k] = merged
		}
	}
	return out
}

func intersectValue(av, bv interface{}) (interface{}, bool) {
	switch a := av.(type) {
	case []interface{}:
		b, ok := bv.([]interface{})
		if !ok {
			return nil, false
		}
		bSet := make(map[interface{}]struct{}, len(b))
		for _, item := range b {
			if isScalar(item) {
				bSet[item] = struct{}{}
			}
		}
		var merged []interface{}
		for _, item := range a {
			if !isScalar(item) {
				continue
			}
			if _, in := bSet[item]; in {
				merged = append(merged, item)
			}
		}
		return merged, true
	case bool:
		b, ok := bv.(bool)
		if !ok {
			return nil, false
		}
		return a && b, true
	case float64:
		b, ok := bv.(float64)
		if !ok {
			return nil, false
		}
		if a < b {
			return a, true
		}
		return b, true
	case string:
		_, ok := bv.(string)
		if !ok {
			return nil, false
		}
		return a, true // keep a's (earlier/more-ancestral) value
	case map[string]interface{}:
		b, ok := bv.(map[string]interface{})
		if !ok {
			return nil, false
		}
		return intersectTwo(a, b), true
	default:
		return nil, false
	}
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	default:
		return false
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
