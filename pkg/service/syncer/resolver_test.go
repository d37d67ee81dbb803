package syncer_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/service/syncer"
)

func baseContext() *syncer.ConflictContext {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	return &syncer.ConflictContext{
		Kind:             types.KindDecision,
		EntityID:         "d-1",
		LocalVersion:     2,
		CloudVersion:     2,
		LocalTimestampMs: base,
		CloudTimestampMs: base + 10*time.Minute.Milliseconds(),
		LocalData:        map[string]any{"text": "local"},
		CloudData:        map[string]any{"text": "cloud"},
	}
}

func TestResolveOverwritesStaleCloud(t *testing.T) {
	c := baseContext()
	c.LocalVersion = 10
	c.CloudVersion = 3

	res := syncer.Resolve(c)
	gt.Value(t, res.Action).Equal(types.ResolutionOverwriteCloud)
}

func TestResolveCloudAheadIsNotStale(t *testing.T) {
	// Gap rule only fires when local leads
	c := baseContext()
	c.LocalVersion = 3
	c.CloudVersion = 10

	res := syncer.Resolve(c)
	gt.Value(t, res.Action).NotEqual(types.ResolutionOverwriteCloud)
}

func TestResolveLocalBiasWindow(t *testing.T) {
	c := baseContext()
	c.CloudVersion = 5 // higher raw version must not matter
	c.CloudTimestampMs = c.LocalTimestampMs + 59_999

	res := syncer.Resolve(c)
	gt.Value(t, res.Action).Equal(types.ResolutionKeepLocal)

	// Exactly at the boundary still counts as near-simultaneous
	c.CloudTimestampMs = c.LocalTimestampMs + 60_000
	gt.Value(t, syncer.Resolve(c).Action).Equal(types.ResolutionKeepLocal)

	// One millisecond beyond, the window no longer applies
	c.CloudTimestampMs = c.LocalTimestampMs + 60_001
	gt.Value(t, syncer.Resolve(c).Action).NotEqual(types.ResolutionKeepLocal)
}

func TestResolveLocalNewerWins(t *testing.T) {
	c := baseContext()
	c.LocalTimestampMs = c.CloudTimestampMs + 2*time.Minute.Milliseconds()

	res := syncer.Resolve(c)
	gt.Value(t, res.Action).Equal(types.ResolutionKeepLocal)
}

func TestResolveMergesCompactedMemories(t *testing.T) {
	c := baseContext()
	c.Kind = types.KindCompactedMemory
	c.LocalData = map[string]any{
		"summary":       "local summary",
		"key_decisions": []any{"A"},
		"key_facts":     []any{"f1"},
	}
	c.CloudData = map[string]any{
		"summary":       "cloud summary",
		"key_decisions": []any{"B"},
		"key_facts":     []any{"f1", "f2"},
	}

	res := syncer.Resolve(c)
	gt.Value(t, res.Action).Equal(types.ResolutionMerge)
	gt.Value(t, res.MergedData["summary"]).Equal("local summary")
	gt.Array(t, res.MergedData["key_decisions"].([]string)).Equal([]string{"A", "B"})
	gt.Array(t, res.MergedData["key_facts"].([]string)).Equal([]string{"f1", "f2"})
	gt.Value(t, res.Version).Equal(3)
	gt.Value(t, res.MergedData["version"]).Equal(3)
}

func TestResolveMergesEntities(t *testing.T) {
	c := baseContext()
	c.Kind = types.KindEntity
	c.LocalData = map[string]any{
		"name":            "ACME",
		"related_domains": []any{"business"},
		"attributes":      map[string]any{"tier": "gold", "owner": "alice"},
		"mention_count":   float64(4),
		"last_seen_ms":    float64(1000),
	}
	c.CloudData = map[string]any{
		"name":            "ACME",
		"related_domains": []any{"project"},
		"attributes":      map[string]any{"tier": "silver", "region": "eu"},
		"mention_count":   float64(7),
		"last_seen_ms":    float64(2000),
	}

	res := syncer.Resolve(c)
	gt.Value(t, res.Action).Equal(types.ResolutionMerge)
	gt.Array(t, res.MergedData["related_domains"].([]string)).Equal([]string{"business", "project"})

	attrs := res.MergedData["attributes"].(map[string]any)
	gt.Value(t, attrs["tier"]).Equal("gold") // local wins
	gt.Value(t, attrs["region"]).Equal("eu") // cloud-only survives
	gt.Value(t, res.MergedData["mention_count"]).Equal(float64(7))
	gt.Value(t, res.MergedData["last_seen_ms"]).Equal(float64(2000))
}

func TestResolveMergesMobileEdits(t *testing.T) {
	c := baseContext()
	c.CloudSource = "mobile_input"
	c.CloudData = map[string]any{"text": "edited on phone", "extra": "x"}

	res := syncer.Resolve(c)
	gt.Value(t, res.Action).Equal(types.ResolutionMerge)
	gt.Value(t, res.MergedData["text"]).Equal("edited on phone")
	gt.Value(t, res.MergedData["extra"]).Equal("x")
	gt.Value(t, res.MergedData["source"]).Equal("merged")
}

func TestResolveDefaultsToKeepCloud(t *testing.T) {
	res := syncer.Resolve(baseContext())
	gt.Value(t, res.Action).Equal(types.ResolutionKeepCloud)
}

func TestResolveIsDeterministic(t *testing.T) {
	c := baseContext()
	c.Kind = types.KindCompactedMemory
	c.LocalData = map[string]any{"summary": "s", "key_decisions": []any{"A"}}
	c.CloudData = map[string]any{"summary": "t", "key_decisions": []any{"B"}}

	first := syncer.Resolve(c)
	for i := 0; i < 50; i++ {
		res := syncer.Resolve(c)
		gt.Value(t, res.Action).Equal(first.Action)
		gt.Value(t, res.Version).Equal(first.Version)
		gt.Array(t, res.MergedData["key_decisions"].([]string)).
			Equal(first.MergedData["key_decisions"].([]string))
	}
}

func TestResolveDoesNotMutateInput(t *testing.T) {
	c := baseContext()
	c.Kind = types.KindEntity
	c.LocalData = map[string]any{"name": "n", "mention_count": float64(1)}
	c.CloudData = map[string]any{"name": "n", "mention_count": float64(2)}

	_ = syncer.Resolve(c)
	gt.Value(t, len(c.LocalData)).Equal(2)
	_, hasVersion := c.LocalData["version"]
	gt.Bool(t, hasVersion).False()
}
