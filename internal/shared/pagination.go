package shared

import (
	"math"
	"strconv"
)

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination computes pagination metadata.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}

// PageParams converts page/page_size query values into limit and offset.
// Page size is capped at 100 and defaults to 20.
func PageParams(page, pageSize string) (limit, offset int) {
	p, _ := strconv.Atoi(page)
	if p <= 0 {
		p = 1
	}
	size, _ := strconv.Atoi(pageSize)
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return size, (p - 1) * size
}
