// Package server exposes the gallery's HTTP API: guest upload and submission
// endpoints, moderation actions, and queue administration.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lumaframe/lumaframe"
	"github.com/lumaframe/lumaframe/database"
	"github.com/lumaframe/lumaframe/moderation"
	"github.com/lumaframe/lumaframe/storage"
)

// MaxUploadSize caps direct uploads through the API. Uploads that bypass the
// API via presigned URLs are re-checked at submission time.
const MaxUploadSize = 50 * 1024 * 1024

// DefaultSignedURLTTL is how long a presigned upload URL stays valid.
const DefaultSignedURLTTL = time.Hour

// Config carries the server's dependencies.
type Config struct {
	DB         *database.DB
	Store      storage.Provider
	Moderation *moderation.Service

	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer

	Logger logrus.FieldLogger

	// SignedURLTTL overrides DefaultSignedURLTTL when positive.
	SignedURLTTL time.Duration
}

// Server is the HTTP API.
type Server struct {
	db         *database.DB
	store      storage.Provider
	moderation *moderation.Service
	logger     logrus.FieldLogger
	signedTTL  time.Duration
	router     *gin.Engine
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}

	s := &Server{
		db:         cfg.DB,
		store:      cfg.Store,
		moderation: cfg.Moderation,
		logger:     logger,
		signedTTL:  ttl,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	api := router.Group("/api")
	{
		api.POST("/submissions", s.prepareUpload)
		api.PUT("/submissions/upload", s.directUpload)
		api.POST("/submissions/process", s.processSubmission)
		api.GET("/submissions", s.listSubmissions)
		api.POST("/submissions/:id/approve", s.approveSubmission)
		api.DELETE("/submissions/:id", s.rejectSubmission)

		api.GET("/queue", s.listJobs)
		api.POST("/queue", s.enqueueJob)
		api.POST("/queue/:id/requeue", s.requeueJob)
		api.GET("/stats", s.stats)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/healthz", s.healthz)

	s.router = router
	return s
}

// Handler returns the server's HTTP handler, usable with http.Server or
// httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request handled")
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		verr  *lumaframe.ValidationError
		nferr *lumaframe.NotFoundError
		cerr  *lumaframe.ConflictError
		serr  *lumaframe.StorageError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.As(err, &nferr):
		c.JSON(http.StatusNotFound, gin.H{"error": nferr.Error()})
	case errors.As(err, &cerr):
		c.JSON(http.StatusConflict, gin.H{"error": cerr.Error()})
	case errors.As(err, &serr):
		s.logger.WithField("error", err).Error("storage operation failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "storage operation failed"})
	default:
		s.logger.WithField("error", err).Error("internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type prepareUploadRequest struct {
	FileName string `json:"fileName" binding:"required"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

// prepareUpload allocates a storage key for a new upload and hands back
// either a presigned URL or, for stores without signing, the direct upload
// endpoint.
func (s *Server) prepareUpload(c *gin.Context) {
	var req prepareUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.FileSize > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds maximum size of %d bytes", int64(MaxUploadSize)),
		})
		return
	}

	name := sanitizeFileName(req.FileName)
	key := fmt.Sprintf("submissions/%d-%s", time.Now().UnixMilli(), name)
	if err := storage.ValidateKey(key); err != nil {
		s.writeError(c, lumaframe.Validationf("invalid file name %q", req.FileName))
		return
	}

	response := gin.H{
		"key":       key,
		"expiresIn": int(s.signedTTL.Seconds()),
	}
	if signer, ok := s.store.(storage.Signer); ok {
		url, err := signer.SignedUploadURL(c.Request.Context(), key, req.FileType, s.signedTTL)
		if err != nil {
			s.writeError(c, err)
			return
		}
		response["uploadUrl"] = url
		response["method"] = "PUT"
	} else {
		response["uploadUrl"] = "/api/submissions/upload?key=" + key
		response["method"] = "PUT"
	}
	c.JSON(http.StatusOK, response)
}

// directUpload accepts the upload body for stores without presigned URLs.
func (s *Server) directUpload(c *gin.Context) {
	key := c.Query("key")
	if key == "" || !strings.HasPrefix(key, "submissions/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key must be under submissions/"})
		return
	}
	if err := storage.ValidateKey(key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if c.Request.ContentLength > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds maximum size of %d bytes", int64(MaxUploadSize)),
		})
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload body"})
		return
	}
	if int64(len(data)) > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds maximum size of %d bytes", int64(MaxUploadSize)),
		})
		return
	}

	contentType := c.GetHeader("Content-Type")
	if err := s.store.Create(c.Request.Context(), key, data, contentType); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "size": len(data)})
}

type processRequest struct {
	Key            string `json:"key" binding:"required"`
	FileName       string `json:"fileName" binding:"required"`
	ContentType    string `json:"contentType"`
	SubmitterName  string `json:"submitterName"`
	SubmitterEmail string `json:"submitterEmail"`
	Message        string `json:"message"`
}

// processSubmission registers a completed upload as a pending submission.
func (s *Server) processSubmission(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	sub, err := s.moderation.Submit(c.Request.Context(), moderation.SubmitRequest{
		StorageKey:     req.Key,
		FileName:       req.FileName,
		ContentType:    req.ContentType,
		SubmitterName:  req.SubmitterName,
		SubmitterEmail: req.SubmitterEmail,
		Message:        req.Message,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, submissionJSON(sub))
}

func (s *Server) listSubmissions(c *gin.Context) {
	subs, err := s.moderation.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(subs))
	for _, sub := range subs {
		out = append(out, submissionJSON(sub))
	}
	c.JSON(http.StatusOK, gin.H{"submissions": out})
}

type approveRequest struct {
	ReviewedBy int64 `json:"reviewedBy" binding:"required"`
}

func (s *Server) approveSubmission(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission ID"})
		return
	}
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	photo, err := s.moderation.Approve(c.Request.Context(), id, req.ReviewedBy)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"photoId": photo.ID})
}

func (s *Server) rejectSubmission(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission ID"})
		return
	}
	if err := s.moderation.Reject(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) listJobs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	jobs, err := s.db.ListJobs(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobJSON(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

type enqueueRequest struct {
	Payload     lumaframe.JobPayload `json:"payload" binding:"required"`
	Priority    int                  `json:"priority"`
	MaxAttempts int                  `json:"maxAttempts"`
}

// enqueueJob inserts a queue row directly. Approvals enqueue automatically;
// this endpoint exists for operators re-running geocoding or linking videos.
func (s *Server) enqueueJob(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = database.DefaultMaxAttempts
	}

	id, err := s.db.Enqueue(c.Request.Context(), req.Payload, req.Priority, req.MaxAttempts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"jobId": id})
}

func (s *Server) requeueJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}
	if err := s.db.RequeueFailed(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": id, "status": database.JobStatusPending})
}

func (s *Server) stats(c *gin.Context) {
	jobs, err := s.db.CountJobsByStatus(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	subs, err := s.db.CountSubmissionsByStatus(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": jobs, "submissions": subs})
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func submissionJSON(sub *database.Submission) gin.H {
	out := gin.H{
		"id":           sub.ID,
		"key":          sub.StorageKey,
		"fileName":     sub.FileName,
		"status":       sub.Status,
		"originalUrl":  sub.OriginalURL,
		"thumbnailUrl": sub.ThumbnailURL,
		"createdAt":    sub.CreatedAt,
	}
	if sub.SubmitterName != "" {
		out["submitterName"] = sub.SubmitterName
	}
	if sub.SubmitterMessage != "" {
		out["message"] = sub.SubmitterMessage
	}
	if sub.Width != nil && sub.Height != nil {
		out["width"] = *sub.Width
		out["height"] = *sub.Height
	}
	if sub.PhotoID != nil {
		out["photoId"] = *sub.PhotoID
	}
	if sub.ReviewedBy != nil {
		out["reviewedBy"] = *sub.ReviewedBy
	}
	return out
}

func jobJSON(job *database.PipelineJob) gin.H {
	out := gin.H{
		"id":          job.ID,
		"type":        string(job.Payload.Kind),
		"status":      job.Status,
		"priority":    job.Priority,
		"attempts":    job.Attempts,
		"maxAttempts": job.MaxAttempts,
		"createdAt":   job.CreatedAt,
	}
	if job.Payload.StorageKey != "" {
		out["storageKey"] = job.Payload.StorageKey
	}
	if job.Payload.PhotoID != "" {
		out["photoId"] = job.Payload.PhotoID
	}
	if job.Stage != nil {
		out["stage"] = string(*job.Stage)
	}
	if job.ErrorMessage != nil {
		out["errorMessage"] = *job.ErrorMessage
	}
	if job.CompletedAt != nil {
		out["completedAt"] = *job.CompletedAt
	}
	return out
}

// sanitizeFileName strips path separators and control characters so a guest
// supplied name cannot escape the submissions/ prefix.
func sanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r < 0x20 || r == 0x7f:
			return '_'
		default:
			return r
		}
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "upload"
	}
	return name
}
