package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/chartseed/internal/platform/fhir"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count and _offset from the echo context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page, never below 0.
func (p Params) PreviousOffset() int {
	if prev := p.Offset - p.Limit; prev > 0 {
		return prev
	}
	return 0
}

// Window clamps the page to a result set of length total and returns the
// slice bounds.
func (p Params) Window(total int) (start, end int) {
	start = min(p.Offset, total)
	end = min(start+p.Limit, total)
	return start, end
}

// FHIRLinks generates self, next and previous Bundle links for basePath.
// Search filters in query are carried onto every link; _count and _offset
// are replaced.
func (p Params) FHIRLinks(basePath string, query url.Values, total int) []fhir.BundleLink {
	link := func(offset int) string {
		q := url.Values{}
		for k, v := range query {
			if k == "_count" || k == "_offset" {
				continue
			}
			q[k] = v
		}
		q.Set("_offset", strconv.Itoa(offset))
		q.Set("_count", strconv.Itoa(p.Limit))
		return basePath + "?" + q.Encode()
	}

	links := []fhir.BundleLink{{Relation: "self", URL: link(p.Offset)}}
	if p.HasNext(total) {
		links = append(links, fhir.BundleLink{Relation: "next", URL: link(p.NextOffset())})
	}
	if p.Offset > 0 {
		links = append(links, fhir.BundleLink{Relation: "previous", URL: link(p.PreviousOffset())})
	}
	return links
}
