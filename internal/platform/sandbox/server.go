package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/chartseed/internal/platform/auth"
	"github.com/ehr/chartseed/internal/platform/fhir"
	"github.com/ehr/chartseed/internal/platform/middleware"
	"github.com/ehr/chartseed/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// ServerConfig configures the sandbox target API.
type ServerConfig struct {
	SigningKey   []byte
	TokenTTL     time.Duration
	ClientID     string
	ClientSecret string
	// BaseURL is used in Location headers and bundle links. When empty the
	// request's scheme and host are used.
	BaseURL   string
	BodyLimit string
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server is an in-memory stand-in for the target resource API. It accepts
// creates of any resource type and answers identifier searches.
type Server struct {
	echo   *echo.Echo
	issuer *auth.Issuer
	config ServerConfig
	logger zerolog.Logger

	mu        sync.RWMutex
	resources map[string][]json.RawMessage // resource type -> creation order
	byID      map[string]map[string]int    // resource type -> id -> index
}

// NewServer builds the sandbox with its routes registered. The configured
// client is the only one allowed to obtain tokens.
func NewServer(cfg ServerConfig, logger zerolog.Logger) *Server {
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = []byte(uuid.NewString())
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "64M"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &Server{
		echo:      echo.New(),
		issuer:    auth.NewIssuer(cfg.SigningKey, "chartseed-sandbox", cfg.TokenTTL),
		config:    cfg,
		logger:    logger,
		resources: make(map[string][]json.RawMessage),
		byID:      make(map[string]map[string]int),
	}
	s.issuer.RegisterClient(cfg.ClientID, cfg.ClientSecret)

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	auth.RegisterTokenEndpoint(e.Group("/auth"), s.issuer)

	bearer := auth.BearerMiddleware(s.issuer)
	e.POST("/:type", s.handleCreate, bearer)
	e.GET("/:type", s.handleSearch, bearer)
	e.GET("/:type/:id", s.handleRead, bearer)

	return s
}

// Handler returns the server's HTTP handler, for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Count returns the number of stored resources of the given type.
func (s *Server) Count(resourceType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources[resourceType])
}

// Resources returns the stored resources of the given type in creation order.
func (s *Server) Resources(resourceType string) []json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]json.RawMessage(nil), s.resources[resourceType]...)
}

// Reset drops every stored resource.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = make(map[string][]json.RawMessage)
	s.byID = make(map[string]map[string]int)
}

// Put stores a resource as if it had been created, returning its id.
func (s *Server) Put(resourceType string, resource map[string]interface{}) (string, error) {
	id := uuid.NewString()
	resource["resourceType"] = resourceType
	resource["id"] = id
	resource["meta"] = map[string]interface{}{
		"versionId":   "1",
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(resource)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", resourceType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID[resourceType] == nil {
		s.byID[resourceType] = make(map[string]int)
	}
	s.byID[resourceType][id] = len(s.resources[resourceType])
	s.resources[resourceType] = append(s.resources[resourceType], raw)
	return id, nil
}

func (s *Server) baseURL(c echo.Context) string {
	if s.config.BaseURL != "" {
		return s.config.BaseURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleCreate(c echo.Context) error {
	resourceType := c.Param("type")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(body, &resource); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "invalid JSON body: "+err.Error()))
	}
	if rt, _ := resource["resourceType"].(string); rt != resourceType {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid,
			fmt.Sprintf("resourceType %q does not match endpoint %s", rt, resourceType)))
	}

	id, err := s.Put(resourceType, resource)
	if err != nil {
		return err
	}
	s.logger.Debug().Str("resource_type", resourceType).Str("id", id).Msg("resource created")

	c.Response().Header().Set(echo.HeaderLocation,
		fmt.Sprintf("%s/%s/%s/_history/1", s.baseURL(c), resourceType, id))
	return c.JSON(http.StatusCreated, resource)
}

func (s *Server) handleRead(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")

	s.mu.RLock()
	i, ok := s.byID[resourceType][id]
	var raw json.RawMessage
	if ok {
		raw = s.resources[resourceType][i]
	}
	s.mu.RUnlock()

	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id))
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, raw)
}

// handleSearch supports the identifier parameter in its three FHIR token
// forms: "system|value", "system|" and "value".
func (s *Server) handleSearch(c echo.Context) error {
	resourceType := c.Param("type")
	match := identifierMatcher(c.QueryParam("identifier"))

	var matched []json.RawMessage
	for _, raw := range s.Resources(resourceType) {
		var r struct {
			Identifier []fhir.Identifier `json:"identifier"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if match(r.Identifier) {
			matched = append(matched, raw)
		}
	}

	p := pagination.FromContext(c)
	start, end := p.Window(len(matched))
	links := p.FHIRLinks(s.baseURL(c)+"/"+resourceType, c.QueryParams(), len(matched))
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(matched[start:end], len(matched), links))
}

func identifierMatcher(param string) func([]fhir.Identifier) bool {
	if param == "" {
		return func([]fhir.Identifier) bool { return true }
	}
	system, value, hasSystem := strings.Cut(param, "|")
	if !hasSystem {
		system, value = "", param
	}
	return func(ids []fhir.Identifier) bool {
		for _, id := range ids {
			if hasSystem && id.System != system {
				continue
			}
			if value == "" || id.Value == value {
				return true
			}
		}
		return false
	}
}

// errorHandler renders every unhandled error as an OperationOutcome.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		msg = fmt.Sprint(he.Message)
	}

	outcome := fhir.ErrorOutcome(msg)
	switch status {
	case http.StatusUnauthorized:
		outcome = fhir.UnauthorizedOutcome(msg)
	case http.StatusNotFound:
		outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, msg)
	}
	if err := c.JSON(status, outcome); err != nil {
		s.logger.Error().Err(err).Msg("failed to write error response")
	}
}
