// Package pagination provides page/page-size pagination for list endpoints.
package pagination

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxPage keeps Offset well inside an int32.
	MaxPage = math.MaxInt32 / MaxPageSize
)

// Request is a normalized page request. Page is 1-based.
type Request struct {
	Page     int
	PageSize int
}

// New clamps page and pageSize into the supported range.
func New(page, pageSize int) Request {
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return Request{Page: page, PageSize: pageSize}
}

// FromQuery reads ?page= and ?page_size= from a gin request.
func FromQuery(c *gin.Context) Request {
	page, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("page_size"))
	return New(page, size)
}

// Offset is the number of rows to skip.
func (r Request) Offset() int {
	if r.Page < 1 || r.PageSize < 1 {
		return 0
	}
	return (min(r.Page, MaxPage) - 1) * min(r.PageSize, MaxPageSize)
}

// Limit is the number of rows to fetch: one more than the page size so
// the caller can tell whether another page exists.
func (r Request) Limit() int {
	return r.PageSize + 1
}

// Page is one page of results.
type Page[T any] struct {
	Items    []T  `json:"items"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}

// Build trims items fetched with r.Limit() down to the page size.
func Build[T any](r Request, items []T) Page[T] {
	hasMore := len(items) > r.PageSize
	if hasMore {
		items = items[:r.PageSize]
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Page: r.Page, PageSize: r.PageSize, HasMore: hasMore}
}
