package model

type JobStats struct {
	// TotalByStatus is the number of jobs in each status.
	TotalByStatus map[JobStatus]int
	// PendingEvents is the number of events not yet completed.
	PendingEvents int
	// TotalByProductType is the number of products of each type.
	TotalByProductType map[ProductType]int
}

type StatusCount struct {
	Status JobStatus
	Total  int
}

type ProductTypeCount struct {
	ProductType ProductType
	Total       int
}

func NewJobStats(statuses []StatusCount, products []ProductTypeCount, pendingEvents int) JobStats {
	stats := JobStats{
		TotalByStatus:      make(map[JobStatus]int, len(AllJobStatuses)),
		TotalByProductType: make(map[ProductType]int, len(products)),
		PendingEvents:      pendingEvents,
	}
	for _, s := range AllJobStatuses {
		stats.TotalByStatus[s] = 0
	}
	for _, c := range statuses {
		stats.TotalByStatus[c.Status] = c.Total
	}
	for _, c := range products {
		stats.TotalByProductType[c.ProductType] = c.Total
	}
	return stats
}
