// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/layoutbench/services/layoutbench/compare"
	"github.com/AleutianAI/layoutbench/services/layoutbench/regression"
	"github.com/AleutianAI/layoutbench/services/layoutbench/report"
	"github.com/AleutianAI/layoutbench/services/layoutbench/telemetry"
)

var (
	reportRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "layoutbench",
		Name:      "report_requests_total",
		Help:      "Report server requests by route and status code",
	}, []string{"route", "code"})

	reportRenderSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "layoutbench",
		Name:      "report_render_seconds",
		Help:      "Time to render the HTML report",
		Buckets:   prometheus.DefBuckets,
	})
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := state.log()

	cmp, decision, err := comparePair(ctx, state.cfg, args[0], args[1], logger)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           newReportRouter(cmp, decision, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("report server listening", slog.String("addr", serveAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("report server stopping")
		return srv.Shutdown(shutdownCtx)
	}
}

// newReportRouter serves one comparison.
//
// Routes:
//
//	GET /                - HTML report.
//	GET /api/comparison  - Comparison JSON.
//	GET /api/gate        - Gate decision and Markdown report.
//	GET /metrics         - Prometheus metrics.
func newReportRouter(cmp *compare.Comparison, decision *regression.GateDecision, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("layoutbench-report"))
	router.Use(countRequests())

	router.GET("/", func(c *gin.Context) {
		start := time.Now()
		var buf bytes.Buffer
		if err := report.HTML(&buf, cmp); err != nil {
			logger.Error("render report", slog.String("error", err.Error()))
			c.String(http.StatusInternalServerError, "render report: %v", err)
			return
		}
		reportRenderSeconds.Observe(time.Since(start).Seconds())
		c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
	})

	router.GET("/api/comparison", func(c *gin.Context) {
		c.JSON(http.StatusOK, cmp)
	})

	router.GET("/api/gate", func(c *gin.Context) {
		if decision == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no gate decision"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"pass":          decision.Pass,
			"reasons":       decision.Reasons,
			"regressions":   len(decision.Result.Regressions),
			"warnings":      len(decision.Result.Warnings),
			"improvements":  len(decision.Result.Improvements),
			"host_mismatch": decision.HostMismatch,
			"report":        decision.Report,
		})
	})

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))

	return router
}

func countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		reportRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
