package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/imagestore"
	"rollcall/internal/model"
	"rollcall/internal/oracle"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	repo := attendance.NewRepository(db.Client)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		return err
	}

	rec := oracle.New(cfg.OracleURL, cfg.OracleAPIKey, cfg.OracleSkip)
	svc := attendance.NewService(repo, rec, q, cfg.Location())

	// Image store (nil when not configured)
	var images *imagestore.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		images = imagestore.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/register", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			Role   string `json:"role" binding:"required"`
			Name   string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role != model.RoleTeacher && req.Role != model.RoleStudent {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be teacher or student"})
			return
		}

		if err := repo.UpsertUser(c.Request.Context(), req.UserID, req.Role, req.Name); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
			return
		}

		tokens, err := auth.Issue(req.UserID, req.Role, req.Name, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = repo.SaveRefreshToken(c.Request.Context(), req.UserID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.RequireAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	teacherGroup := authGroup.Group("", auth.RequireRole(model.RoleTeacher))

	teacherGroup.POST("/students", func(c *gin.Context) {
		var req attendance.NewStudent
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		entry, err := svc.RegisterStudent(c.Request.Context(), auth.Viewer(c).ID, req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, entry)
	})

	teacherGroup.GET("/students", func(c *gin.Context) {
		roster, err := svc.Roster(c.Request.Context(), auth.Viewer(c).ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": roster})
	})

	teacherGroup.POST("/students/:id/photo", func(c *gin.Context) {
		if images == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}
		result, err := uploadImage(c, images)
		if err != nil {
			return // response already written
		}
		if err := svc.SetStudentPhoto(c.Request.Context(), auth.Viewer(c).ID, c.Param("id"), result.SecureURL); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": result.SecureURL})
	})

	// Upload endpoint — stores the class photo and returns its URL for the
	// recognize/commit calls.
	teacherGroup.POST("/attendance/photo", func(c *gin.Context) {
		if images == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}
		result, err := uploadImage(c, images)
		if err != nil {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"url":       result.SecureURL,
			"public_id": result.PublicID,
			"width":     result.Width,
			"height":    result.Height,
			"bytes":     result.Bytes,
		})
	})

	teacherGroup.POST("/attendance/recognize", func(c *gin.Context) {
		var req struct {
			ImageURL string `json:"image_url" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resolved, err := svc.TakeAttendance(c.Request.Context(), auth.Viewer(c).ID, req.ImageURL)
		if err != nil {
			if errors.Is(err, oracle.ErrRecognition) {
				c.JSON(http.StatusBadGateway, gin.H{"error": "recognition failed, please retry"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"candidates": resolved})
	})

	teacherGroup.POST("/attendance/commit", func(c *gin.Context) {
		var req struct {
			Date       string                    `json:"date"`
			PhotoURL   string                    `json:"photo_url"`
			Candidates []model.ResolvedCandidate `json:"candidates" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var date time.Time
		if req.Date != "" {
			parsed, err := time.Parse(time.RFC3339, req.Date)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be RFC3339"})
				return
			}
			date = parsed
		}
		session, err := svc.CommitAttendance(c.Request.Context(), auth.Viewer(c).ID, date, req.Candidates, req.PhotoURL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, session)
	})

	// Session detail: the committed record plus the marks written for it, so
	// a teacher can audit a partial dual write.
	teacherGroup.GET("/attendance/sessions/:id", func(c *gin.Context) {
		session, err := repo.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if session.TeacherID != auth.Viewer(c).ID {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		marks, err := repo.ListMarksBySession(c.Request.Context(), session.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": session, "marks": marks})
	})

	authGroup.GET("/attendance/timeline", func(c *gin.Context) {
		entries, err := svc.Timeline(c.Request.Context(), auth.Viewer(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"timeline": entries})
	})

	authGroup.GET("/attendance/calendar", func(c *gin.Context) {
		now := time.Now().In(cfg.Location())
		year, month := now.Year(), int(now.Month())
		if v := c.Query("year"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				year = parsed
			}
		}
		if v := c.Query("month"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed >= 1 && parsed <= 12 {
				month = parsed
			}
		}
		cells, err := svc.MonthGrid(c.Request.Context(), auth.Viewer(c), year, time.Month(month))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"year": year, "month": month, "cells": cells})
	})

	authGroup.GET("/attendance/stats", func(c *gin.Context) {
		stats, err := svc.DashboardStats(c.Request.Context(), auth.Viewer(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	// Live updates: one SSE event per coalesced change, carrying the fresh
	// timeline snapshot. The client re-renders from each snapshot.
	authGroup.GET("/attendance/stream", func(c *gin.Context) {
		viewer := auth.Viewer(c)
		ch, cancel := svc.Subscribe(viewer.ID)
		defer cancel()

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		send := func() bool {
			entries, err := svc.Timeline(c.Request.Context(), viewer)
			if err != nil {
				log.Printf("stream snapshot failed for %s: %v", viewer.ID, err)
				return false
			}
			c.SSEvent("timeline", entries)
			return true
		}
		if !send() {
			return
		}
		c.Writer.Flush()

		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()
		c.Stream(func(w io.Writer) bool {
			select {
			case <-ch:
				return send()
			case <-heartbeat.C:
				c.SSEvent("ping", time.Now().Unix())
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// uploadImage accepts either a multipart file or a JSON base64 data URL and
// pushes it to the image store. On failure the HTTP response is written and
// an error returned so the caller can stop.
func uploadImage(c *gin.Context, images *imagestore.Client) (*imagestore.UploadResult, error) {
	contentType := c.ContentType()
	var result *imagestore.UploadResult
	var err error

	switch {
	case strings.Contains(contentType, "multipart/form-data"):
		file, header, ferr := c.Request.FormFile("file")
		if ferr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return nil, ferr
		}
		defer file.Close()
		data, ferr := io.ReadAll(file)
		if ferr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
			return nil, ferr
		}
		result, err = images.UploadBytes(data, header.Filename)

	default:
		var body struct {
			Data string `json:"data" binding:"required"`
		}
		if berr := c.ShouldBindJSON(&body); berr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
			return nil, berr
		}
		result, err = images.UploadBase64(body.Data)
	}

	if err != nil {
		log.Printf("image upload failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return nil, err
	}
	return result, nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
