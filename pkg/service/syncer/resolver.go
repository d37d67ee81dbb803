package syncer

import (
	"strings"

	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// StaleVersionGap is the version distance beyond which a lagging cloud
// copy is simply overwritten instead of merged.
const StaleVersionGap = 5

// LocalBiasWindowMs is the window within which near-simultaneous edits
// always resolve in favor of the local copy.
const LocalBiasWindowMs = 60_000

// ConflictContext carries both versions of one record into resolution.
// Data travels in generic map form, the shape both the ledger
// reconciliation and the cloud mirror operate on.
type ConflictContext struct {
	Kind             types.EntityKind
	EntityID         string
	LocalVersion     int
	CloudVersion     int
	LocalTimestampMs int64
	CloudTimestampMs int64
	LocalData        map[string]any
	CloudData        map[string]any
	CloudSource      string
}

// Resolution is the outcome of conflict resolution. MergedData and
// Version are populated only for the merge action.
type Resolution struct {
	Action     types.ResolutionAction
	MergedData map[string]any
	Version    int
}

// Resolve decides what to do with two diverged copies of a record. Pure
// and deterministic: same context, same resolution, no side effects.
//
// Decision order, first match wins:
//  1. local far ahead of cloud           -> overwrite_cloud
//  2. edits within the local-bias window -> keep_local
//  3. local strictly newer               -> keep_local
//  4. compacted-summary record           -> merge (union lists, local summary)
//  5. entity snapshot                    -> merge (union domains, local attrs win)
//  6. cloud edit came from mobile        -> merge (shallow, cloud onto local)
//  7. otherwise                          -> keep_cloud
func Resolve(c *ConflictContext) *Resolution {
	if diff := c.LocalVersion - c.CloudVersion; diff > StaleVersionGap {
		return &Resolution{Action: types.ResolutionOverwriteCloud}
	}

	if absInt64(c.LocalTimestampMs-c.CloudTimestampMs) <= LocalBiasWindowMs {
		return &Resolution{Action: types.ResolutionKeepLocal}
	}

	if c.LocalTimestampMs > c.CloudTimestampMs {
		return &Resolution{Action: types.ResolutionKeepLocal}
	}

	switch {
	case c.Kind == types.KindCompactedMemory:
		return mergeCompacted(c)
	case c.Kind == types.KindEntity:
		return mergeEntity(c)
	case isMobileSource(c.CloudSource):
		return mergeMobile(c)
	default:
		return &Resolution{Action: types.ResolutionKeepCloud}
	}
}

// mergeCompacted unions the decision/fact/entity lists of both summaries
// and keeps the local summary text.
func mergeCompacted(c *ConflictContext) *Resolution {
	merged := cloneMap(c.LocalData)
	for _, key := range []string{"key_decisions", "key_facts", "key_entities", "action_items"} {
		union := unionStrings(stringList(c.LocalData, key), stringList(c.CloudData, key))
		if len(union) > 0 {
			merged[key] = union
		}
	}

	version := max(c.LocalVersion, c.CloudVersion) + 1
	merged["version"] = version
	return &Resolution{
		Action:     types.ResolutionMerge,
		MergedData: merged,
		Version:    version,
	}
}

// mergeEntity unions related domains, keeps local attributes over cloud
// ones, and advances mention count and last-seen to the max of both.
func mergeEntity(c *ConflictContext) *Resolution {
	merged := cloneMap(c.LocalData)

	domains := unionStrings(stringList(c.LocalData, "related_domains"), stringList(c.CloudData, "related_domains"))
	if len(domains) > 0 {
		merged["related_domains"] = domains
	}

	attrs := map[string]any{}
	for k, v := range mapValue(c.CloudData, "attributes") {
		attrs[k] = v
	}
	for k, v := range mapValue(c.LocalData, "attributes") {
		attrs[k] = v
	}
	if len(attrs) > 0 {
		merged["attributes"] = attrs
	}

	merged["mention_count"] = max(numValue(c.LocalData, "mention_count"), numValue(c.CloudData, "mention_count"))
	merged["last_seen_ms"] = max(numValue(c.LocalData, "last_seen_ms"), numValue(c.CloudData, "last_seen_ms"))

	version := max(c.LocalVersion, c.CloudVersion) + 1
	merged["version"] = version
	return &Resolution{
		Action:     types.ResolutionMerge,
		MergedData: merged,
		Version:    version,
	}
}

// mergeMobile shallow-merges the mobile-originated cloud copy onto the
// local one and tags the result as merged.
func mergeMobile(c *ConflictContext) *Resolution {
	merged := cloneMap(c.LocalData)
	for k, v := range c.CloudData {
		merged[k] = v
	}
	merged["source"] = string(types.SourceMerged)

	version := max(c.LocalVersion, c.CloudVersion) + 1
	merged["version"] = version
	return &Resolution{
		Action:     types.ResolutionMerge,
		MergedData: merged,
		Version:    version,
	}
}

func isMobileSource(source string) bool {
	return source == string(types.SourceMobileInput) || strings.HasPrefix(source, "mobile")
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// stringList extracts a string slice from generic JSON data, tolerating
// both []string and []any element types
func stringList(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// unionStrings keeps first-occurrence order, local values first
func unionStrings(local, cloud []string) []string {
	seen := make(map[string]bool, len(local)+len(cloud))
	var out []string
	for _, s := range append(append([]string{}, local...), cloud...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func mapValue(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// numValue tolerates both float64 (JSON) and int (in-process) numbers
func numValue(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
