package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor(t, "/")
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_FHIRParams(t *testing.T) {
	p := paramsFor(t, "/?_count=25&_offset=5")
	if p.Limit != 25 || p.Offset != 5 {
		t.Errorf("expected 25/5, got %d/%d", p.Limit, p.Offset)
	}
}

func TestFromContext_Clamps(t *testing.T) {
	p := paramsFor(t, "/?_count=500&_offset=-3")
	if p.Limit != MaxLimit {
		t.Errorf("expected max limit %d, got %d", MaxLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		p          Params
		total      int
		start, end int
	}{
		{Params{Limit: 10, Offset: 0}, 25, 0, 10},
		{Params{Limit: 10, Offset: 20}, 25, 20, 25},
		{Params{Limit: 10, Offset: 40}, 25, 25, 25},
	}
	for _, tt := range tests {
		start, end := tt.p.Window(tt.total)
		if start != tt.start || end != tt.end {
			t.Errorf("%+v.Window(%d) = %d,%d; want %d,%d", tt.p, tt.total, start, end, tt.start, tt.end)
		}
	}
}

func TestFHIRLinks(t *testing.T) {
	p := Params{Limit: 10, Offset: 10}
	query := url.Values{"identifier": {"urn:mrn|"}, "_count": {"10"}}
	links := p.FHIRLinks("/Patient", query, 35)

	rel := map[string]string{}
	for _, l := range links {
		rel[l.Relation] = l.URL
	}
	if len(rel) != 3 {
		t.Fatalf("expected self, next and previous, got %v", links)
	}
	next, err := url.Parse(rel["next"])
	if err != nil {
		t.Fatal(err)
	}
	if next.Path != "/Patient" || next.Query().Get("_offset") != "20" || next.Query().Get("identifier") != "urn:mrn|" {
		t.Errorf("unexpected next link %s", rel["next"])
	}
	if !strings.Contains(rel["previous"], "_offset=0") {
		t.Errorf("unexpected previous link %s", rel["previous"])
	}

	last := Params{Limit: 10, Offset: 30}.FHIRLinks("/Patient", nil, 35)
	for _, l := range last {
		if l.Relation == "next" {
			t.Error("last page must not have a next link")
		}
	}
}
