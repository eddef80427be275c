// Package storage - Serialization helpers for BadgerDB.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// serializableEdgeStats is the stored form of EdgeStats.
type serializableEdgeStats struct {
	Count            int64   `json:"c"`
	RatingSum        float64 `json:"s"`
	RatingSumSquares float64 `json:"q"`
}

// serializeEdgeStats converts edge statistics to JSON bytes for BadgerDB storage.
func serializeEdgeStats(s EdgeStats) ([]byte, error) {
	return json.Marshal(serializableEdgeStats{
		Count:            s.Count,
		RatingSum:        s.RatingSum,
		RatingSumSquares: s.RatingSumSquares,
	})
}

// deserializeEdgeStats converts JSON bytes back to edge statistics.
func deserializeEdgeStats(data []byte) (EdgeStats, error) {
	var ss serializableEdgeStats
	if err := json.Unmarshal(data, &ss); err != nil {
		return EdgeStats{}, fmt.Errorf("unmarshaling edge stats: %w", err)
	}
	return EdgeStats{
		Count:            ss.Count,
		RatingSum:        ss.RatingSum,
		RatingSumSquares: ss.RatingSumSquares,
	}, nil
}

// encodeID converts an element ID to its fixed-width big-endian form, which
// keeps prefix scans over one parent contiguous.
func encodeID(id ElementID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// decodeID converts 8 big-endian bytes back to an element ID.
func decodeID(data []byte) (ElementID, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("decoding element id: want 8 bytes, got %d", len(data))
	}
	return ElementID(binary.BigEndian.Uint64(data)), nil
}
