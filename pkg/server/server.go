/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/opscore/rollout/pkg/approval"
	"github.com/opscore/rollout/pkg/audit"
	"github.com/opscore/rollout/pkg/bus"
	"github.com/opscore/rollout/pkg/cluster"
	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/handlers/deployments"
	apiutils "github.com/opscore/rollout/pkg/handlers/utils"
	"github.com/opscore/rollout/pkg/jobqueue"
	commonklog "github.com/opscore/rollout/pkg/klog"
	"github.com/opscore/rollout/pkg/lock"
	"github.com/opscore/rollout/pkg/nodeclient"
	"github.com/opscore/rollout/pkg/notification"
	"github.com/opscore/rollout/pkg/options"
	"github.com/opscore/rollout/pkg/orchestrator"
	"github.com/opscore/rollout/pkg/pipeline"
	"github.com/opscore/rollout/pkg/trace"
	"github.com/opscore/rollout/pkg/verify"
)

// Server assembles the orchestrator service: database, cluster registry,
// message bus, job workers, approval sweeper and the HTTP API.
type Server struct {
	opts       *options.Options
	httpServer *http.Server
	dbClient   *dbclient.Client
	registry   *cluster.Registry
	messageBus *bus.Bus
	approvals  *approval.Service
	service    *orchestrator.Service
	executor   *pipeline.Executor
	sink       audit.Sink
	auditStore *audit.StoreSink
	isInited   bool
}

// NewServer creates and returns a new Server instance.
func NewServer() (*Server, error) {
	s := &Server{opts: &options.Options{}}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// init performs flag parsing, logging, configuration loading and the wiring
// of every component, then marks the server as initialized.
func (s *Server) init() error {
	gin.SetMode(gin.ReleaseMode)
	var err error
	if err = s.opts.InitFlags(); err != nil {
		klog.ErrorS(err, "failed to parse flags")
		return err
	}
	if err = commonklog.Init(s.opts.LogfilePath, s.opts.LogFileSize); err != nil {
		klog.ErrorS(err, "failed to init logs")
		return err
	}
	if err = s.initConfig(); err != nil {
		klog.ErrorS(err, "failed to init config")
		return err
	}
	if commonconfig.IsTracingEnable() {
		if err = trace.InitTracer("rollout-orchestrator",
			commonconfig.GetTracingOtlpEndpoint(), commonconfig.GetTracingMode(),
			commonconfig.GetTracingSamplingRatio()); err != nil {
			klog.Warningf("Failed to init tracer: %v", err)
		}
	} else {
		klog.Info("Tracing is disabled (tracing.enable: false)")
	}
	if err = s.initComponents(); err != nil {
		return err
	}
	s.isInited = true
	return nil
}

func (s *Server) initConfig() error {
	fullPath, err := filepath.Abs(s.opts.Config)
	if err != nil {
		return err
	}
	if err = commonconfig.LoadConfig(fullPath); err != nil {
		return fmt.Errorf("config path: %s, err: %v", fullPath, err)
	}
	return nil
}

func (s *Server) initComponents() error {
	if s.dbClient = dbclient.NewClient(); s.dbClient == nil {
		return fmt.Errorf("failed to new db client")
	}
	ctx := context.Background()
	if err := s.dbClient.Migrate(ctx); err != nil {
		klog.ErrorS(err, "failed to migrate schema")
		return err
	}

	s.registry = cluster.NewRegistry(s.dbClient)
	if path := commonconfig.GetClusterConfigPath(); path != "" {
		if err := s.registry.LoadInventory(ctx, path); err != nil {
			klog.ErrorS(err, "failed to load cluster inventory", "path", path)
			return err
		}
	}

	if commonconfig.IsNotificationEnable() {
		if err := notification.InitManager(commonconfig.GetNotificationConfig()); err != nil {
			klog.Warningf("failed to init notification manager: %v", err)
		}
	}
	notifier := notification.GetManager()

	storeSink, err := audit.NewStoreSink(s.dbClient.Gorm())
	if err != nil {
		klog.ErrorS(err, "failed to init audit store")
		return err
	}
	s.auditStore = storeSink
	s.sink = audit.NewFanout(
		storeSink,
		audit.NewMetricsSink(prometheus.DefaultRegisterer),
		audit.NewTracingSink(),
		audit.LogSink{},
	)

	s.messageBus = bus.NewBus(s.dbClient, s.opts.InstanceId)
	if err = s.bootstrapBus(ctx); err != nil {
		return err
	}

	s.approvals = approval.NewService(s.dbClient, s.sink, notifier)
	locks := lock.NewManager(s.dbClient, s.opts.InstanceId)
	s.service = orchestrator.NewService(s.dbClient, locks, s.messageBus, s.sink, notifier)
	s.executor = pipeline.NewExecutor(s.dbClient, s.registry, nodeclient.NewClient(),
		verify.NewDigestVerifier(), s.approvals, s.sink, notifier, locks)
	return nil
}

// bootstrapBus declares the topics and subscriptions this instance relies on.
// Declarations are idempotent across restarts and instances.
func (s *Server) bootstrapBus(ctx context.Context) error {
	if err := s.messageBus.CreateTopic(ctx, orchestrator.TopicDeploymentEvents,
		bus.TopicPubSub, bus.RoutingFanOut); err != nil {
		return err
	}
	return s.messageBus.Subscribe(ctx, orchestrator.TopicDeploymentEvents, "event-journal", nil)
}

// Start launches the workers and the HTTP server, then blocks until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) {
	if !s.isInited {
		klog.Errorf("please init the orchestrator first")
		return
	}
	gin.EnableJsonDecoderDisallowUnknownFields()
	klog.Infof("starting rollout orchestrator, instance %s", s.opts.InstanceId)

	for i := 0; i < commonconfig.GetJobWorkerCount(); i++ {
		worker := jobqueue.NewWorker(s.dbClient, fmt.Sprintf("%s-%d", s.opts.InstanceId, i), s.executor.Handle).
			WithListener(s.dbClient.SourceName())
		go worker.Run(ctx)
	}
	go s.approvals.RunSweeper(ctx)
	go s.approvals.RunListener(ctx, s.dbClient.SourceName())
	go s.messageBus.RunStaleSweeper(ctx)
	go s.runRetention(ctx)
	go s.runEventJournal(ctx)

	go func() {
		if err := s.startHttpServer(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "failed to start http-server")
		}
	}()

	<-ctx.Done()
	s.Stop()
}

// Stop gracefully shuts down the HTTP server and flushes logs.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	klog.Info("shutting down http server...")
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.ErrorS(err, "failed to shutdown httpserver")
		}
	}
	if err := trace.CloseTracer(); err != nil {
		klog.ErrorS(err, "failed to close tracer")
	}
	s.dbClient.Close()
	klog.Info("orchestrator is stopped")
	klog.Flush()
}

// startHttpServer builds the gin engine and starts listening.
func (s *Server) startHttpServer() error {
	if commonconfig.GetServerPort() <= 0 {
		return fmt.Errorf("the server port is not defined")
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.NoRoute(func(c *gin.Context) {
		apiutils.AbortWithApiError(c, commonerrors.NewNotFoundWithMessage(c.Request.RequestURI+" not found"))
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	handler := deployments.NewHandler(s.service, s.approvals, s.messageBus, s.dbClient)
	deployments.InitDeploymentRouters(engine, handler)

	addr := fmt.Sprintf(":%d", commonconfig.GetServerPort())
	s.httpServer = &http.Server{Addr: addr, Handler: engine}
	klog.Infof("http-server listen port: %d", commonconfig.GetServerPort())
	return s.httpServer.ListenAndServe()
}

// runEventJournal consumes the deployment event stream so every lifecycle
// event lands in the log even when it was produced by another instance.
func (s *Server) runEventJournal(ctx context.Context) {
	s.messageBus.RunConsumer(ctx, orchestrator.TopicDeploymentEvents, "event-journal",
		func(_ context.Context, envelope *bus.Envelope) error {
			klog.Infof("deployment event: %s", string(envelope.Payload))
			return nil
		})
}

// runRetention purges expired idempotency keys, old audit events and
// executions past the retention window once a day.
func (s *Server) runRetention(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		s.sweepRetention(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) sweepRetention(ctx context.Context) {
	if purged, err := s.dbClient.PurgeExpiredIdempotencyKeys(ctx); err != nil {
		klog.ErrorS(err, "failed to purge idempotency keys")
	} else if purged > 0 {
		klog.Infof("purged %d expired idempotency keys", purged)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -commonconfig.GetRetentionExecutionDays())
	if purged, err := s.dbClient.PurgeOldExecutions(ctx, cutoff); err != nil {
		klog.ErrorS(err, "failed to purge old executions")
	} else if purged > 0 {
		klog.Infof("purged %d executions older than %s", purged, cutoff.Format(time.RFC3339))
	}
	if purged, err := s.auditStore.Purge(ctx, cutoff); err != nil {
		klog.ErrorS(err, "failed to purge audit events")
	} else if purged > 0 {
		klog.Infof("purged %d audit events older than %s", purged, cutoff.Format(time.RFC3339))
	}
}
