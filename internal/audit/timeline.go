package audit

import "time"

// TimelineFilters narrows the activity timeline query.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	BranchID int64
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow is one activity log entry as exposed to callers.
type TimelineRow struct {
	At          time.Time
	Action      string
	Entity      string
	EntityID    string
	BranchID    int64
	PerformedBy int64
	Reason      string
	Notes       string
}

// PagingInfo carries simple pagination metadata.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result bundles timeline rows with their paging info.
type Result struct {
	Rows   []TimelineRow
	Paging PagingInfo
}
