package store

import (
	"slices"
	"time"
)

// Statistics summarises a set of records.
type Statistics struct {
	Oldest       *time.Time        `json:"oldest,omitempty"`
	Newest       *time.Time        `json:"newest,omitempty"`
	LatestByNode map[string]Record `json:"latest_by_node"`
	Nodes        []string          `json:"nodes"`
	TotalRecords int               `json:"total_records"`
	NodeCount    int               `json:"node_count"`
}

// Summarize computes record counts, the covered period and the latest record per node.
func Summarize(records []Record) Statistics {
	stats := Statistics{
		TotalRecords: len(records),
		LatestByNode: make(map[string]Record),
		Nodes:        []string{},
	}

	for _, rec := range records {
		ts := rec.Timestamp
		if stats.Oldest == nil || ts.Before(*stats.Oldest) {
			stats.Oldest = &ts
		}
		if stats.Newest == nil || ts.After(*stats.Newest) {
			stats.Newest = &ts
		}

		prev, seen := stats.LatestByNode[rec.NodeID]
		if !seen {
			stats.Nodes = append(stats.Nodes, rec.NodeID)
		}
		if !seen || !rec.Timestamp.Before(prev.Timestamp) {
			stats.LatestByNode[rec.NodeID] = rec
		}
	}

	slices.Sort(stats.Nodes)
	stats.NodeCount = len(stats.Nodes)
	return stats
}
