package model

import "github.com/secmon-lab/mnemosyne/pkg/domain/types"

// Origin of a retrieved memory
const (
	OriginLocal = "local"
	OriginCloud = "cloud"
)

// RetrievedMemory is one ranked retrieval result
type RetrievedMemory struct {
	ID          string           `json:"id"`
	Kind        types.EntityKind `json:"kind"`
	Text        string           `json:"text"`
	Score       float64          `json:"score"`
	Similarity  float64          `json:"similarity"`
	Importance  float64          `json:"importance"`
	TimestampMs int64            `json:"timestamp_ms"`
	Checksum    string           `json:"checksum"`
	Origin      string           `json:"origin"`

	Payload Payload `json:"-"`
}
