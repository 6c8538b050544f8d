// Package mockvault is an in-memory stand-in for the Skyflow vault record API,
// used by tests and by the mock-vault command for local dry runs.
package mockvault

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Behavior controls how the mock answers
type Behavior struct {
	// EchoRequestIndex adds request_index to every inserted record
	EchoRequestIndex bool
	// Untokenized columns come back without a token
	Untokenized []string
	// RejectValues fail the single record containing one of these values
	RejectValues []string
	// Gzip compresses responses for clients that accept it
	Gzip bool
	// SigningKey signs the access tokens issued by the token endpoint
	SigningKey []byte
}

// Server is the mock vault. Handlers are safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	behavior Behavior
	tables   map[string]*table
	failures []injected
	inserts  int
	maxBatch int
}

type table struct {
	ids  []string
	rows map[string]map[string]string
}

type injected struct {
	status     int
	message    string
	retryAfter int
}

// New returns an empty mock vault
func New(b Behavior) *Server {
	if len(b.SigningKey) == 0 {
		b.SigningKey = []byte("mock-vault-signing-key")
	}
	return &Server{behavior: b, tables: make(map[string]*table)}
}

// Handler returns the gin router serving the vault API
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the vault API routes with the given Gin router
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.POST("/v1/auth/sa/oauth/token", s.tokenHandler)

	v1 := router.Group("/v1/vaults/:vault_id", requireBearer)
	{
		v1.POST("/:table", s.insertHandler)
		v1.GET("/:table", s.listHandler)
		v1.DELETE("/:table", s.deleteHandler)
	}
}

// FailNext makes the next n insert calls fail with status. retryAfter, in
// seconds, is sent as Retry-After when positive.
func (s *Server) FailNext(n, status int, message string, retryAfter int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, injected{status: status, message: message, retryAfter: retryAfter})
	}
}

// Inserts returns the number of insert calls received
func (s *Server) Inserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

// MaxBatch returns the largest number of records seen in one insert
func (s *Server) MaxBatch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBatch
}

// Rows returns the stored values of a table keyed by skyflow_id
func (s *Server) Rows(name string) map[string]map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]string)
	if t, ok := s.tables[name]; ok {
		for id, row := range t.rows {
			out[id] = row
		}
	}
	return out
}

func requireBearer(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(http.StatusUnauthorized, "missing bearer token"))
		return
	}
	c.Next()
}

func errorBody(status int, message string) gin.H {
	return gin.H{"error": gin.H{
		"http_code":   status,
		"http_status": http.StatusText(status),
		"message":     message,
	}}
}

type insertRequest struct {
	Quorum       bool `json:"quorum"`
	Tokenization bool `json:"tokenization"`
	Records      []struct {
		Fields map[string]string `json:"fields"`
	} `json:"records"`
}

func (s *Server) insertHandler(c *gin.Context) {
	var req insertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(http.StatusBadRequest, "Invalid input: "+err.Error()))
		return
	}

	s.mu.Lock()
	s.inserts++
	s.maxBatch = max(s.maxBatch, len(req.Records))
	if len(s.failures) > 0 {
		f := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		if f.retryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(f.retryAfter))
		}
		c.JSON(f.status, errorBody(f.status, f.message))
		return
	}
	s.mu.Unlock()

	if len(req.Records) == 0 {
		c.JSON(http.StatusBadRequest, errorBody(http.StatusBadRequest, "records must not be empty"))
		return
	}

	t := s.table(c.Param("table"))
	out := make([]gin.H, 0, len(req.Records))
	for i, rec := range req.Records {
		entry := gin.H{}
		if s.behavior.EchoRequestIndex {
			entry["request_index"] = i
		}
		if msg := s.rejection(rec.Fields); msg != "" {
			entry["error"] = msg
			out = append(out, entry)
			continue
		}

		id := uuid.NewString()
		s.mu.Lock()
		t.ids = append(t.ids, id)
		t.rows[id] = rec.Fields
		s.mu.Unlock()

		entry["skyflow_id"] = id
		if req.Tokenization {
			tokens := make(map[string]string, len(rec.Fields))
			for name := range rec.Fields {
				if !s.untokenized(name) {
					tokens[name] = uuid.NewString()
				}
			}
			entry["tokens"] = tokens
		}
		out = append(out, entry)
	}
	s.respond(c, http.StatusOK, gin.H{"records": out})
}

func (s *Server) listHandler(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))

	t := s.table(c.Param("table"))
	s.mu.Lock()
	ids := t.ids
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:min(offset+limit, len(ids))]
	records := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		records = append(records, gin.H{"fields": gin.H{"skyflow_id": id}})
	}
	s.mu.Unlock()

	if len(records) == 0 {
		c.JSON(http.StatusNotFound, errorBody(http.StatusNotFound, "no records found"))
		return
	}
	s.respond(c, http.StatusOK, gin.H{"records": records})
}

func (s *Server) deleteHandler(c *gin.Context) {
	var req struct {
		SkyflowIDs []string `json:"skyflow_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(http.StatusBadRequest, "Invalid input: "+err.Error()))
		return
	}

	t := s.table(c.Param("table"))
	s.mu.Lock()
	drop := make(map[string]struct{}, len(req.SkyflowIDs))
	for _, id := range req.SkyflowIDs {
		drop[id] = struct{}{}
		delete(t.rows, id)
	}
	kept := t.ids[:0]
	for _, id := range t.ids {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	t.ids = kept
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"records": len(req.SkyflowIDs)})
}

// tokenHandler exchanges any well-formed JWT assertion for an access token
func (s *Server) tokenHandler(c *gin.Context) {
	var req struct {
		GrantType string `json:"grant_type" binding:"required"`
		Assertion string `json:"assertion" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(http.StatusBadRequest, "Invalid input: "+err.Error()))
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(req.Assertion, claims); err != nil {
		c.JSON(http.StatusUnauthorized, errorBody(http.StatusUnauthorized, "invalid assertion"))
		return
	}
	sub, _ := claims.GetSubject()
	access := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := access.SignedString(s.behavior.SigningKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(http.StatusInternalServerError, err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"accessToken": signed, "tokenType": "Bearer"})
}

func (s *Server) table(name string) *table {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[string]map[string]string)}
		s.tables[name] = t
	}
	return t
}

func (s *Server) rejection(fields map[string]string) string {
	for _, v := range fields {
		for _, bad := range s.behavior.RejectValues {
			if v == bad {
				return "value rejected by column validation: " + v
			}
		}
	}
	return ""
}

func (s *Server) untokenized(name string) bool {
	for _, n := range s.behavior.Untokenized {
		if n == name {
			return true
		}
	}
	return false
}

// respond writes JSON, gzip-compressed when enabled and accepted
func (s *Server) respond(c *gin.Context, status int, body any) {
	if !s.behavior.Gzip || !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
		c.JSON(status, body)
		return
	}
	c.Header("Content-Encoding", "gzip")
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Status(status)
	zw := gzip.NewWriter(c.Writer)
	defer zw.Close()
	if err := json.NewEncoder(zw).Encode(body); err != nil {
		_ = c.Error(err)
	}
}
