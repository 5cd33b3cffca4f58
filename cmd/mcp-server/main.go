package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/analytics"
	"github.com/patrickwarner/convertrelay/internal/config"
	"github.com/patrickwarner/convertrelay/internal/db"
	"github.com/patrickwarner/convertrelay/internal/logic"
	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/observability"
	"github.com/patrickwarner/convertrelay/internal/relay"
)

func main() {
	// production logging writes to stderr; stdout carries the protocol
	logger, err := observability.InitLoggerWithService("convertrelay-mcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inspector := &RelayInspector{
		catalog: models.NewInMemoryGoalCatalog(relay.DefaultGoals(cfg)),
		cfg:     cfg,
		logger:  logger,
	}

	rates, err := logic.ParseRates(cfg.ExchangeRates)
	if err != nil {
		logger.Fatal("Invalid EXCHANGE_RATES", zap.Error(err))
	}
	inspector.rates = rates

	if cfg.StoreBackend != "memory" {
		rs, err := db.InitRedis(cfg.RedisAddr)
		if err != nil {
			logger.Warn("Redis unavailable, visitor state lookups disabled", zap.Error(err))
		} else {
			defer rs.Close()
			inspector.store = rs
		}
	}

	if cfg.PostgresDSN != "" {
		pg, err := db.InitPostgres(ctx, cfg.PostgresDSN, db.Pool{
			MaxOpen:     cfg.DBMaxOpenConns,
			MaxIdle:     cfg.DBMaxIdleConns,
			MaxLifetime: cfg.DBConnMaxLifetime,
			MaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			logger.Warn("PostgreSQL unavailable, using default goals only", zap.Error(err))
		} else {
			defer pg.Close()
			n, err := db.LoadGoals(ctx, pg, inspector.catalog)
			if err != nil {
				logger.Fatal("Failed to load project goals", zap.Error(err))
			}
			logger.Info("Loaded project goals", zap.Int("projects", n))
		}
	}

	if cfg.ClickHouseDSN != "" {
		a, err := analytics.InitClickHouse(cfg.ClickHouseDSN, 5, 1, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime, observability.NewNoOpRegistry())
		if err != nil {
			logger.Warn("ClickHouse unavailable, delivery summaries disabled", zap.Error(err))
		} else {
			defer a.Close()
			inspector.summaries = a
		}
	}

	server := newMCPServer(inspector)

	var logBuffer bytes.Buffer
	transport := &mcp.LoggingTransport{
		Transport: &mcp.StdioTransport{},
		Writer:    &logBuffer,
	}

	logger.Info("MCP Server running via stdio")
	if err := server.Run(ctx, transport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}

func newMCPServer(inspector *RelayInspector) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "convertrelay",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "evaluate_event",
		Description: "Dry-run a storefront event through the relay: attribution, filtering, goal selection and amount normalization. Nothing is sent and visitor state is not changed.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"event": map[string]interface{}{
					"type":        "object",
					"description": "Event envelope with id, name, clientId, cookie and data",
				},
				"attributes": map[string]interface{}{
					"type":        "string",
					"description": "Attribution record JSON to use instead of the stored one (optional)",
				},
				"filter_criteria": map[string]interface{}{
					"type":        "string",
					"description": "Filter criteria JSON; enables property filtering for this run (optional)",
				},
				"goal_mode": map[string]interface{}{
					"type":        "string",
					"enum":        []string{config.GoalModeSingle, config.GoalModeSubscription, config.GoalModeFirstSale},
					"description": "Goal mode to apply instead of the project's (optional)",
				},
			},
			"required": []string{"event"},
		},
	}, inspector.EvaluateEvent)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_attribution",
		Description: "Show the stored attribution record and first-sale state for a storefront client",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"client_id": map[string]interface{}{
					"type":        "string",
					"description": "Storefront client id",
				},
			},
			"required": []string{"client_id"},
		},
	}, inspector.GetAttribution)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_project_goals",
		Description: "Show the goal ids and goal mode the relay reports for a project",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pid": map[string]interface{}{
					"type":        "string",
					"description": "Project id",
				},
			},
			"required": []string{"pid"},
		},
	}, inspector.GetProjectGoals)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delivery_summary",
		Description: "Count recorded goal hits and transactions by status",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pid": map[string]interface{}{
					"type":        "string",
					"description": "Project id (optional, all projects when empty)",
				},
				"since_hours": map[string]interface{}{
					"type":        "integer",
					"minimum":     1,
					"description": "Window in hours (optional, defaults to 24)",
				},
			},
		},
	}, inspector.DeliverySummary)

	return server
}
