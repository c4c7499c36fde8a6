package storage

import "time"

// SourceSummary describes the stored history of one source query
type SourceSummary struct {
	SourceKey     string
	Label         string
	Snapshots     int
	LastTakenAt   time.Time
	LastSnapshot  string
	LastRecordCnt int
}

// Metrics holds run statistics for export on exit
type Metrics struct {
	RunID             string         `json:"run_id,omitempty"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           time.Time      `json:"end_time"`
	PagesFetched      int            `json:"pages_fetched"`
	PagesFailed       int            `json:"pages_failed"`
	FetchAttempts     int            `json:"fetch_attempts"`
	AntiBotBlocks     int            `json:"anti_bot_blocks"`
	ProductsExtracted int            `json:"products_extracted"`
	ProductsDropped   int            `json:"products_dropped"`
	ProductsFiltered  int            `json:"products_filtered"`
	PricesUnknown     int            `json:"prices_unknown"`
	TransformWarnings int            `json:"transform_warnings"`
	ProfilesLearned   int            `json:"profiles_learned"`
	QualityScore      float64        `json:"quality_score"`
	BytesFetched      int64          `json:"bytes_fetched"`
	TotalFetchTimeMs  int64          `json:"total_fetch_time_ms"`
	AvgFetchTimeMs    int64          `json:"avg_fetch_time_ms"`
	FailureReasons    map[string]int `json:"failure_reasons"`
	TerminationReason string         `json:"termination_reason"`
}
