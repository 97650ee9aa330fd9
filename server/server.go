// The argus server ingests geolocated RF detections over HTTP, serves
// spatial and clustering queries, and runs retention in the background.
// The storage tier (server-side MySQL or local SQLite) is selected once
// at startup from the configured mode.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/hb9tf/argus/cluster"
	"github.com/hb9tf/argus/config"
	"github.com/hb9tf/argus/filter"
	"github.com/hb9tf/argus/geo"
	"github.com/hb9tf/argus/retention"
	sig "github.com/hb9tf/argus/signal"
	"github.com/hb9tf/argus/spatial"
	"github.com/hb9tf/argus/store"

	// Blind import support for sqlite3 used by the local tier.
	_ "github.com/mattn/go-sqlite3"
)

var (
	configPath = flag.String("config", "", "Path of the YAML config file; defaults apply when empty.")
	listen     = flag.String("listen", "", "Listen address, overrides the config file when set.")
	mode       = flag.String("mode", "", "Storage tier to use (one of: server, local), overrides the config file when set.")
)

type apiServer struct {
	facade    *store.Facade
	engine    *spatial.Engine
	retention *retention.Service

	ingestSem  *semaphore.Weighted
	statsGroup singleflight.Group
}

func clientError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func serverError(c *gin.Context, err error) {
	glog.Errorf("request %s %s failed: %s", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *apiServer) handleInsert(c *gin.Context) {
	var d sig.Detection
	if err := c.ShouldBindJSON(&d); err != nil {
		clientError(c, fmt.Errorf("unparseable signal payload: %w", err))
		return
	}
	id, err := s.facade.StoreSignal(c.Request.Context(), d)
	if err != nil {
		if strings.Contains(err.Error(), "invalid signal") {
			clientError(c, err)
			return
		}
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// handleBatch accepts either a bare array of detections or an object
// wrapping them as {"signals": [...]}.
func (s *apiServer) handleBatch(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		clientError(c, fmt.Errorf("unable to read batch body: %w", err))
		return
	}
	var detections []sig.Detection
	if err := json.Unmarshal(raw, &detections); err != nil {
		var wrapped struct {
			Signals []sig.Detection `json:"signals"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.Signals == nil {
			clientError(c, errors.New(`batch body must be an array of signals or {"signals": [...]}`))
			return
		}
		detections = wrapped.Signals
	}

	ctx := c.Request.Context()
	if err := s.ingestSem.Acquire(ctx, 1); err != nil {
		serverError(c, fmt.Errorf("unable to schedule batch: %w", err))
		return
	}
	defer s.ingestSem.Release(1)

	res, err := s.facade.StoreSignalsBatch(ctx, detections)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func queryFilters(c *gin.Context) []filter.Filterer {
	var filters []filter.Filterer
	if ids := c.Query("deviceIds"); ids != "" {
		filters = append(filters, filter.NewDeviceIDs(strings.Split(ids, ",")))
	}
	if types := c.Query("signalTypes"); types != "" {
		filters = append(filters, filter.NewSignalTypes(strings.Split(types, ",")))
	}
	return filters
}

func floatParam(c *gin.Context, name string) (float64, error) {
	v := c.Query(name)
	if v == "" {
		return 0, fmt.Errorf("missing required parameter %q", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid parameter %q: %w", name, err)
	}
	return f, nil
}

func intParam(c *gin.Context, name string, fallback int64) int64 {
	if v := c.Query(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func (s *apiServer) handleRadius(c *gin.Context) {
	lat, err := floatParam(c, "lat")
	if err != nil {
		clientError(c, err)
		return
	}
	lon, err := floatParam(c, "lon")
	if err != nil {
		clientError(c, err)
		return
	}
	radius, err := floatParam(c, "radiusMeters")
	if err != nil {
		clientError(c, err)
		return
	}
	startMs := intParam(c, "startTime", 0)
	endMs := intParam(c, "endTime", 0)
	limit := int(intParam(c, "limit", 0))

	signals, err := s.engine.SignalsInRadius(c.Request.Context(), lat, lon, radius, startMs, endMs, limit, queryFilters(c)...)
	if err != nil {
		if errors.Is(err, spatial.ErrBadQuery) {
			clientError(c, err)
			return
		}
		serverError(c, err)
		return
	}

	if clusterRadius := intParam(c, "clusterRadiusMeters", 0); clusterRadius > 0 {
		minSize := int(intParam(c, "minClusterSize", 1))
		c.JSON(http.StatusOK, gin.H{
			"clusters": cluster.Cluster(signals, float64(clusterRadius), minSize),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

func (s *apiServer) handleRecent(c *gin.Context) {
	limit := int(intParam(c, "limit", 100))
	if limit <= 0 || limit > spatial.DefaultMaxLimit {
		clientError(c, fmt.Errorf("limit must be in [1, %d]", spatial.DefaultMaxLimit))
		return
	}
	signals, err := s.facade.FindRecent(c.Request.Context(), limit)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

func (s *apiServer) handleByID(c *gin.Context) {
	found, err := s.facade.FindByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "signal not found"})
		return
	}
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func boxParams(c *gin.Context) (sig.BoundingBox, error) {
	var box sig.BoundingBox
	var err error
	if box.MinLat, err = floatParam(c, "minLat"); err != nil {
		return box, err
	}
	if box.MinLon, err = floatParam(c, "minLon"); err != nil {
		return box, err
	}
	if box.MaxLat, err = floatParam(c, "maxLat"); err != nil {
		return box, err
	}
	if box.MaxLon, err = floatParam(c, "maxLon"); err != nil {
		return box, err
	}
	return box, box.Validate()
}

func (s *apiServer) handleDevicesInArea(c *gin.Context) {
	box, err := boxParams(c)
	if err != nil {
		clientError(c, err)
		return
	}
	devices, err := s.engine.DevicesInArea(c.Request.Context(), box)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

func (s *apiServer) handleDevice(c *gin.Context) {
	id := c.Param("id")
	device, err := s.facade.Device(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	if err != nil {
		serverError(c, err)
		return
	}
	rels, err := s.facade.RelationshipsForDevice(c.Request.Context(), id)
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": device, "relationships": rels})
}

func (s *apiServer) handlePath(c *gin.Context) {
	var req struct {
		Points       []sig.Position `json:"points"`
		RadiusMeters float64        `json:"radiusMeters"`
		DeviceIDs    []string       `json:"deviceIds,omitempty"`
		SignalTypes  []string       `json:"signalTypes,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		clientError(c, fmt.Errorf("unparseable path payload: %w", err))
		return
	}
	var filters []filter.Filterer
	if len(req.DeviceIDs) > 0 {
		filters = append(filters, filter.NewDeviceIDs(req.DeviceIDs))
	}
	if len(req.SignalTypes) > 0 {
		filters = append(filters, filter.NewSignalTypes(req.SignalTypes))
	}
	signals, err := s.engine.SignalsAlongPath(c.Request.Context(), req.Points, req.RadiusMeters, filters...)
	if err != nil {
		if errors.Is(err, spatial.ErrBadQuery) {
			clientError(c, err)
			return
		}
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

func (s *apiServer) handleDensity(c *gin.Context) {
	box, err := boxParams(c)
	if err != nil {
		clientError(c, err)
		return
	}
	gridSize := int(intParam(c, "gridSize", 20))
	cells, err := s.engine.Density(c.Request.Context(), box, gridSize, queryFilters(c)...)
	if err != nil {
		if errors.Is(err, spatial.ErrBadQuery) {
			clientError(c, err)
			return
		}
		serverError(c, err)
		return
	}

	if c.Query("format") == "png" {
		width := int(intParam(c, "width", 640))
		height := int(intParam(c, "height", 480))
		img, err := spatial.Heatmap(cells, box, gridSize, width, height)
		if err != nil {
			clientError(c, err)
			return
		}
		c.Header("Content-Type", "image/png")
		c.Status(http.StatusOK)
		if err := png.Encode(c.Writer, img); err != nil {
			glog.Warningf("unable to encode heatmap: %s", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"cells": cells, "count": len(cells)})
}

func (s *apiServer) handleStatistics(c *gin.Context) {
	windowMs := intParam(c, "timeWindowMs", time.Hour.Milliseconds())
	// Identical concurrent windows share one scan.
	v, err, _ := s.statsGroup.Do(strconv.FormatInt(windowMs, 10), func() (any, error) {
		return s.retention.Statistics(c.Request.Context(), windowMs)
	})
	if err != nil {
		if errors.Is(err, retention.ErrWindowTooLarge) {
			clientError(c, err)
			return
		}
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// handleAdmin is the single administrative surface; the action selector
// picks the maintenance operation.
func (s *apiServer) handleAdmin(c *gin.Context) {
	var req struct {
		Action     string `json:"action"`
		MaxAgeMs   int64  `json:"maxAgeMs,omitempty"`
		DaysToKeep int    `json:"daysToKeep,omitempty"`
		StartTime  int64  `json:"startTime,omitempty"`
		EndTime    int64  `json:"endTime,omitempty"`
		Hours      int    `json:"hours,omitempty"`
		Format     string `json:"format,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		clientError(c, fmt.Errorf("unparseable admin payload: %w", err))
		return
	}
	ctx := c.Request.Context()

	switch req.Action {
	case "status":
		stats, err := s.retention.Stats(ctx)
		if err != nil {
			serverError(c, err)
			return
		}
		trends, err := s.retention.GrowthTrends(ctx, req.Hours)
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"mode": s.facade.Mode(), "stats": stats, "growthTrends": trends})
	case "manual-cleanup":
		res, err := s.retention.RunCleanup(ctx, time.Duration(req.MaxAgeMs)*time.Millisecond)
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	case "vacuum", "analyze", "optimize":
		msg, err := s.facade.Maintenance(ctx, req.Action)
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": msg})
	case "aggregate":
		rolled, err := s.retention.RunAggregation(ctx)
		if err != nil {
			serverError(c, err)
			return
		}
		deleted, err := s.retention.CleanupAggregated(ctx, req.DaysToKeep)
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rolledUp": rolled, "rollupsDeleted": deleted})
	case "export":
		rollups, err := s.retention.ExportAggregated(ctx, req.StartTime, req.EndTime)
		if err != nil {
			serverError(c, err)
			return
		}
		if req.Format == "csv" {
			c.Header("Content-Type", "text/csv")
			c.Status(http.StatusOK)
			if err := retention.WriteRollupsCSV(c.Writer, rollups); err != nil {
				glog.Warningf("unable to write rollup CSV: %s", err)
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"rollups": rollups, "count": len(rollups)})
	default:
		clientError(c, fmt.Errorf("unknown action %q, pick one of: status, manual-cleanup, vacuum, analyze, optimize, aggregate, export", req.Action))
	}
}

func (s *apiServer) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/argus/v1")
	v1.POST("/signals", s.handleInsert)
	v1.POST("/signals/batch", s.handleBatch)
	v1.GET("/signals/radius", s.handleRadius)
	v1.GET("/signals/recent", s.handleRecent)
	v1.GET("/signals/:id", s.handleByID)
	v1.POST("/signals/path", s.handlePath)
	v1.GET("/devices/area", s.handleDevicesInArea)
	v1.GET("/devices/:id", s.handleDevice)
	v1.GET("/density", s.handleDensity)
	v1.GET("/statistics", s.handleStatistics)
	v1.POST("/admin", s.handleAdmin)
	return r
}

// openBackend resolves the storage tier once from the configured mode.
func openBackend(cfg config.Config) (store.Store, store.Mode, error) {
	grid := geo.NewGrid(cfg.Spatial.CellMeters)
	switch cfg.Mode {
	case "local":
		db, err := sql.Open("sqlite3", cfg.SQLite.File)
		if err != nil {
			return nil, "", fmt.Errorf("unable to open sqlite DB %q: %w", cfg.SQLite.File, err)
		}
		backend, err := store.NewSQLite(db, grid)
		if err != nil {
			return nil, "", err
		}
		return backend, store.ModeLocal, nil
	case "server":
		pass := os.Getenv("ARGUS_MYSQL_PASSWORD")
		if cfg.MySQL.PasswordFile != "" {
			raw, err := os.ReadFile(cfg.MySQL.PasswordFile)
			if err != nil {
				return nil, "", fmt.Errorf("unable to read MySQL password file %q: %w", cfg.MySQL.PasswordFile, err)
			}
			pass = strings.TrimSpace(string(raw))
		}
		mycfg := mysql.Config{
			User:   cfg.MySQL.User,
			Passwd: pass,
			Net:    "tcp",
			Addr:   cfg.MySQL.Server,
			DBName: cfg.MySQL.DBName,
		}
		db, err := sql.Open("mysql", mycfg.FormatDSN())
		if err != nil {
			return nil, "", fmt.Errorf("unable to open MySQL DB %q: %w", cfg.MySQL.Server, err)
		}
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		backend, err := store.NewMySQL(db, grid)
		if err != nil {
			return nil, "", err
		}
		return backend, store.ModeServer, nil
	default:
		return nil, "", fmt.Errorf("%q is not a supported mode, pick one of: server, local", cfg.Mode)
	}
}

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		glog.V(1).Infof("no .env file loaded: %s", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Exitf("unable to load config: %s", err)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	backend, tier, err := openBackend(cfg)
	if err != nil {
		glog.Exit(err)
	}
	facade := store.NewFacade(backend, tier, cfg.Ingest.ColocationMeters)
	defer func() {
		if err := facade.Close(); err != nil {
			glog.Warningf("unable to close store: %s", err)
		}
	}()

	svc := retention.New(facade, retention.Config{
		MaxAge:              time.Duration(cfg.Retention.MaxAgeHours) * time.Hour,
		AggregationAge:      time.Duration(cfg.Retention.AggregationAgeHours) * time.Hour,
		Bucket:              time.Duration(cfg.Retention.BucketMinutes) * time.Minute,
		CleanupInterval:     time.Duration(cfg.Retention.CleanupIntervalMinutes) * time.Minute,
		AggregationInterval: time.Duration(cfg.Retention.AggregationIntervalMinutes) * time.Minute,
		ChunkSize:           cfg.Retention.ChunkSize,
		RollupRetentionDays: cfg.Retention.RollupRetentionDays,
		DeleteAfterRollup:   cfg.Retention.DeleteAfterRollup,
	})

	api := &apiServer{
		facade: facade,
		engine: spatial.New(facade, spatial.Config{
			MaxRadiusMeters: cfg.Spatial.MaxRadiusMeters,
			MaxLimit:        cfg.Spatial.MaxLimit,
			CellMeters:      cfg.Spatial.CellMeters,
		}),
		retention: svc,
		ingestSem: semaphore.NewWeighted(cfg.Ingest.MaxConcurrentBatches),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go svc.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: api.router(),
	}
	errc := make(chan error, 1)
	go func() {
		glog.Infof("serving on %s (mode: %s)", cfg.Server.Listen, tier)
		if cfg.Server.CertFile != "" || cfg.Server.KeyFile != "" {
			errc <- srv.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			return
		}
		glog.Infoln("Resorting to serving HTTP because there was no certificate and key defined.")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		glog.Error(err)
	case <-ctx.Done():
		glog.Infoln("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			glog.Warningf("shutdown: %s", err)
		}
	}

	glog.Flush()
}
