package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rumi-ai/kernel/pkg/kernelerr"
)

// ListKeysResult is the outcome of ListKeys, keyset-paginated over key
// order within a store.
type ListKeysResult struct {
	Keys          []string `json:"keys"`
	HasMore       bool     `json:"has_more"`
	NextCursor    string   `json:"next_cursor,omitempty"`
	TotalEstimate int      `json:"total_estimate"`
}

// ListKeys returns up to limit keys in a store, ordered lexicographically,
// optionally filtered by prefix and resumed from cursor (the last key of
// the previous page). TotalEstimate is a COUNT(*) over the same filter,
// not adjusted for concurrent writes between calls.
func (r *Registry) ListKeys(ctx context.Context, storeID, prefix, cursor string, limit int) (ListKeysResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var (
		countQuery strings.Builder
		countArgs  []interface{}
	)
	countQuery.WriteString(`SELECT COUNT(*) FROM store_data WHERE store_id = ?`)
	countArgs = append(countArgs, storeID)
	if prefix != "" {
		countQuery.WriteString(` AND key LIKE ? ESCAPE '\'`)
		countArgs = append(countArgs, escapeLike(prefix)+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQuery.String(), countArgs...).Scan(&total); err != nil {
		return ListKeysResult{}, fmt.Errorf("store: count keys: %w", err)
	}

	var (
		q    strings.Builder
		args []interface{}
	)
	q.WriteString(`SELECT key FROM store_data WHERE store_id = ?`)
	args = append(args, storeID)
	if prefix != "" {
		q.WriteString(` AND key LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(prefix)+"%")
	}
	if cursor != "" {
		q.WriteString(` AND key > ?`)
		args = append(args, cursor)
	}
	q.WriteString(` ORDER BY key ASC LIMIT ?`)
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return ListKeysResult{}, fmt.Errorf("store: list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return ListKeysResult{}, fmt.Errorf("store: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return ListKeysResult{}, fmt.Errorf("store: list keys: %w", err)
	}

	res := ListKeysResult{TotalEstimate: total}
	if len(keys) > limit {
		res.HasMore = true
		keys = keys[:limit]
		res.NextCursor = keys[len(keys)-1]
	}
	res.Keys = keys
	return res, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// BatchGetResult is the outcome of BatchGet. Values holds only the keys
// that were returned before the cumulative size cap was hit; Truncated
// records whether remaining keys were dropped (I6).
type BatchGetResult struct {
	Values    map[string]interface{} `json:"values"`
	Truncated bool                   `json:"truncated"`
}

// BatchGet fetches up to MaxBatchGetKeys keys in a single query, capping
// the cumulative response at MaxBatchResponseBytes: once adding a value's
// canonical JSON would exceed the cap, it and all subsequent requested
// keys are dropped and Truncated is set, rather than returning a partial
// value.
func (r *Registry) BatchGet(ctx context.Context, storeID string, keys []string) (BatchGetResult, error) {
	if len(keys) == 0 {
		return BatchGetResult{Values: map[string]interface{}{}}, nil
	}
	if len(keys) > MaxBatchGetKeys {
		return BatchGetResult{}, kernelerr.New(kernelerr.InvalidRequest, "too many keys requested")
	}

	placeholders := make([]string, len(keys))
	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, storeID)
	for i, k := range keys {
		placeholders[i] = "?"
		args = append(args, k)
	}

	q := fmt.Sprintf(`SELECT key, value FROM store_data WHERE store_id = ? AND key IN (%s)`, strings.Join(placeholders, ","))
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return BatchGetResult{}, fmt.Errorf("store: batch get: %w", err)
	}
	defer rows.Close()

	raw := make(map[string]string, len(keys))
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return BatchGetResult{}, fmt.Errorf("store: scan batch row: %w", err)
		}
		raw[k] = v
	}
	if err := rows.Err(); err != nil {
		return BatchGetResult{}, fmt.Errorf("store: batch get: %w", err)
	}

	out := make(map[string]interface{}, len(keys))
	truncated := false
	cumulative := 0
	// Iterate in the caller's requested order so truncation is
	// deterministic and favors earlier-requested keys.
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if cumulative+len(v) > MaxBatchResponseBytes {
			truncated = true
			break
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return BatchGetResult{}, fmt.Errorf("store: decode stored value for %q: %w", k, err)
		}
		out[k] = decoded
		cumulative += len(v)
	}

	return BatchGetResult{Values: out, Truncated: truncated}, nil
}
