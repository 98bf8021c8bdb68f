package main

import "time"

// Stats represents current relay stats for the state API.
type Stats struct {
	Sessions     int    `json:"sessions"`
	Streams      int    `json:"streams"`
	TotalStreams int64  `json:"total_streams"`
	Superseded   int64  `json:"superseded"`
	Now          string `json:"now"`
}

func collectStats(s LeaseStore) Stats {
	sessions, streams, total, superseded := s.getStats()
	return Stats{
		Sessions:     sessions,
		Streams:      streams,
		TotalStreams: total,
		Superseded:   superseded,
		Now:          time.Now().UTC().Format(time.RFC3339),
	}
}
