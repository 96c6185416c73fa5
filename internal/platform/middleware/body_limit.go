package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/chartseed/internal/platform/fhir"
)

// BodyLimit rejects request bodies larger than limit ("512K", "64M", "1G" or
// a byte count) with a 413 OperationOutcome. The declared Content-Length is
// checked up front and the body is capped while it is read.
func BodyLimit(limit string) echo.MiddlewareFunc {
	max := ParseSize(limit)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > max {
				outcome := fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTooCostly,
					fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", max))
				return c.JSON(http.StatusRequestEntityTooLarge, outcome)
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, max)
			return next(c)
		}
	}
}

// ParseSize parses a size with an optional K, M or G suffix (a trailing B is
// allowed). Unparseable input yields 1 MB.
func ParseSize(s string) int64 {
	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")
	if s == "" {
		return 1 << 20
	}
	var multiplier int64 = 1
	switch s[len(s)-1] {
	case 'K':
		multiplier = 1 << 10
	case 'M':
		multiplier = 1 << 20
	case 'G':
		multiplier = 1 << 30
	}
	if multiplier != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * multiplier
}
