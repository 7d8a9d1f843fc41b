package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/novadm/internal/dm"
	"github.com/danmuck/novadm/internal/update"
)

// hmacHeader is the transport header carrying the message authentication
// tuple, both directions.
const hmacHeader = "x-syncml-hmac"

// maxBodyBytes bounds a device POST; the largest observed fleet message
// is well under 64 KiB.
const maxBodyBytes = 1 << 20

func (s *Server) RegisterRoutes() {
	s.router.POST(DMEndpoint, s.handleDM)

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.name,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"packages": s.engine.Registry().Len(),
			"sessions": s.engine.Sessions().Len(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": s.engine.Sessions().Snapshot(),
		})
	})

	api := s.router.Group("/api/updates")
	api.GET("/check", s.handleUpdateCheck)
	api.GET("/urls", s.handleUpdateURLs)
	api.GET("/session-files", s.handleSessionFiles)

	s.router.GET("/packages/manifest.json", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"packages": s.engine.Registry().Packages(),
		})
	})

	if s.packageDir != "" {
		s.router.Static("/packages/files", s.packageDir)
	}
}

// handleDM is the protocol endpoint. Transport-level failures use HTTP
// status codes; protocol-level failures travel inside the response body.
func (s *Server) handleDM(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}

	resp, err := s.engine.Handle(dm.Request{
		Body:        body,
		ContentType: c.ContentType(),
		HMACHeader:  c.GetHeader(hmacHeader),
	})
	if err != nil {
		switch {
		case errors.Is(err, dm.ErrDecode):
			c.String(http.StatusBadRequest, "undecodable message")
		case errors.Is(err, dm.ErrSessionBusy):
			c.String(http.StatusConflict, "session busy")
		default:
			c.String(http.StatusInternalServerError, "internal error")
		}
		return
	}

	if resp.HMACHeader != "" {
		c.Header(hmacHeader, resp.HMACHeader)
	}
	c.Data(http.StatusOK, resp.ContentType, resp.Body)
}

type updateView struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size"`
	Checksum    string `json:"md5,omitempty"`
	Description string `json:"description,omitempty"`
	TargetBuild string `json:"target_build"`
	URL         string `json:"url"`
}

// evaluateQuery runs the rule engine for the ?build= query parameter.
func (s *Server) evaluateQuery(c *gin.Context) ([]update.PackageDescriptor, bool) {
	build := c.Query("build")
	if build == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing build parameter"})
		return nil, false
	}
	return s.engine.Registry().Evaluate(build), true
}

// handleUpdateCheck is the OMA-DM bypass for devices that can speak plain
// HTTPS: same rule engine, JSON instead of WBXML.
func (s *Server) handleUpdateCheck(c *gin.Context) {
	offers, ok := s.evaluateQuery(c)
	if !ok {
		return
	}
	views := make([]updateView, 0, len(offers))
	for _, pkg := range offers {
		views = append(views, updateView{
			Name:        pkg.Name,
			Version:     pkg.Version,
			Filename:    pkg.Filename,
			SizeBytes:   pkg.SizeBytes,
			Checksum:    pkg.Checksum,
			Description: pkg.Description,
			TargetBuild: pkg.TargetBuild,
			URL:         s.engine.Registry().DownloadURL(pkg),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"update_available": len(views) > 0,
		"packages":         views,
	})
}

func (s *Server) handleUpdateURLs(c *gin.Context) {
	offers, ok := s.evaluateQuery(c)
	if !ok {
		return
	}
	urls := make([]string, 0, len(offers))
	for _, pkg := range offers {
		urls = append(urls, s.engine.Registry().DownloadURL(pkg))
	}
	c.JSON(http.StatusOK, gin.H{"urls": urls})
}

func (s *Server) handleSessionFiles(c *gin.Context) {
	offers, ok := s.evaluateQuery(c)
	if !ok {
		return
	}
	files := make([]string, 0, len(offers))
	for _, pkg := range offers {
		files = append(files, pkg.Filename)
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}
