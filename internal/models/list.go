package models

import (
	"math"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// MaxPage keeps Offset well inside the range Postgres accepts.
	MaxPage = math.MaxInt32 / MaxPageSize
)

// ListParams describes pagination, search and ordering for list endpoints.
type ListParams struct {
	Page     int
	PageSize int
	Search   string
	Sort     string
	Desc     bool
}

// Page is one page of a list result.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// ParseListParams reads page, page_size, search, sort and order from a query
// string. Out-of-range values are clamped rather than rejected.
func ParseListParams(q url.Values) ListParams {
	p := ListParams{
		Page:     atoiDefault(q.Get("page"), 1),
		PageSize: atoiDefault(q.Get("page_size"), DefaultPageSize),
		Search:   strings.TrimSpace(q.Get("search")),
		Sort:     strings.TrimSpace(q.Get("sort")),
		Desc:     strings.EqualFold(q.Get("order"), "desc"),
	}
	return p.Normalize()
}

func (p ListParams) Normalize() ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p ListParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
