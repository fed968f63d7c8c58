package imports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth reports service and database health. It never requires auth.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	report := s.service.Health(ctx)

	database := gin.H{
		"status":   "connected",
		"provider": report.Provider,
	}
	status, code := "healthy", http.StatusOK
	if !report.Healthy() {
		database["status"] = "disconnected"
		database["error"] = report.DatabaseErr.Error()
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	cache := report.Cache
	if cache != "disabled" {
		cache = "connected"
		if report.CacheErr != nil {
			cache = "disconnected"
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Seconds(),
		"version":   s.opts.Version,
		"database":  database,
		"services": gin.H{
			"redis":     cache,
			"storage":   report.Storage,
			"ocrEngine": report.Engine,
		},
	})
}

// contentTypeFor determines the content type of an upload
func contentTypeFor(header *multipart.FileHeader, data []byte) string {
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return http.DetectContentType(data)
}

// handleProcessForm handles a form upload: multipart "image" (or "file") plus "formType"
func (s *Server) handleProcessForm(c *gin.Context) {
	tooLargeMessage := fmt.Sprintf("File is too large. Maximum size is %dMB. Please compress or resize your image.",
		max(s.opts.MaxUploadBytes>>20, 1))
	if c.Request.ContentLength > s.opts.MaxUploadBytes {
		writeErrorCode(c, http.StatusBadRequest, "invalid_input", tooLargeMessage)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)

	header, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		header, err = c.FormFile("file")
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeErrorCode(c, http.StatusBadRequest, "invalid_input", tooLargeMessage)
		case errors.Is(err, http.ErrMissingFile):
			writeErrorCode(c, http.StatusBadRequest, "invalid_input", "No image was uploaded. Please choose a photo of the form.")
		default:
			writeErrorCode(c, http.StatusBadRequest, "invalid_input", "Error parsing form")
		}
		return
	}

	f, err := header.Open()
	if err != nil {
		writeError(c, fmt.Errorf("opening upload: %w", err))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		writeError(c, fmt.Errorf("reading upload: %w", err))
		return
	}

	result, err := s.service.ProcessForm(c.Request.Context(), ProcessRequest{
		Filename:    header.Filename,
		Data:        data,
		ContentType: contentTypeFor(header, data),
		FormType:    c.PostForm("formType"),
		Identity:    identity(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	rec := result.Record
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"id":          result.Import.ID,
			"confidence":  result.Recognition.Confidence,
			"needsReview": result.NeedsReview,
			"metadata": gin.H{
				"ocrEngine":        result.Recognition.Engine,
				"language":         result.Recognition.Language,
				"processingTimeMs": result.Recognition.Duration.Milliseconds(),
				"formType":         rec.FormType,
			},
			"mappedFields": gin.H{
				"invoiceNumber": rec.InvoiceNumber,
				"supplier":      rec.Supplier,
				"date":          rec.Date,
				"totalAmount":   rec.TotalAmount,
				"notes":         rec.Notes,
				"items":         rec.Items,
				"fields":        rec.Fields,
				"missing":       rec.Missing,
			},
			"pendingImport": result.Import,
		},
	})
}

func (s *Server) handleListPending(c *gin.Context) {
	imps, err := s.service.ListPending(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": imps})
}

func (s *Server) handleListImports(c *gin.Context) {
	imps, err := s.service.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": imps})
}

func importID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid import id %q", ErrInvalidInput, c.Param("id"))
	}
	return id, nil
}

func (s *Server) handleGetImport(c *gin.Context) {
	id, err := importID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	imp, err := s.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": imp})
}

func (s *Server) handleGetImportImage(c *gin.Context) {
	id, err := importID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	data, contentType, err := s.service.ImageFile(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) handleApprove(c *gin.Context) {
	id, err := importID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	imp, err := s.service.Approve(c.Request.Context(), id, identity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": imp})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(c *gin.Context) {
	id, err := importID(c)
	if err != nil {
		writeError(c, err)
		return
	}

	var req rejectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			writeErrorCode(c, http.StatusBadRequest, "invalid_input", "Invalid request body")
			return
		}
	}

	imp, err := s.service.Reject(c.Request.Context(), id, identity(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": imp})
}

func (s *Server) handleListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.service.Templates()})
}

func (s *Server) handleGetTemplate(c *gin.Context) {
	tpl, err := s.service.Template(c.Param("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": tpl})
}

func (s *Server) handleStock(c *gin.Context) {
	levels, err := s.service.Stock(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": levels})
}
