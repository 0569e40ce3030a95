package main

import (
	"context"
	"net/http"
	"time"

	"dvc-server/internal/commands"
	"dvc-server/internal/config"
	"dvc-server/internal/db"
	"dvc-server/internal/handlers"
	"dvc-server/internal/lifecycle"
	"dvc-server/internal/metrics"
	"dvc-server/internal/middleware"
	"dvc-server/internal/platform"
	"dvc-server/internal/store"

	"github.com/sirupsen/logrus"
)

var (
	NoCache    = middleware.CacheControl(0, "no-cache")
	Cache30Sec = middleware.CacheControl(30*time.Second, "private")
)

func commandRoute(mux *http.ServeMux, path string, token string, handler http.HandlerFunc) {
	mux.HandleFunc(path, middleware.RateLimitFunc(middleware.CommandRateLimit)(NoCache(middleware.RequireToken(token)(handler))))
}

func queryRoute(mux *http.ServeMux, path string, token string, cacheMiddleware func(http.HandlerFunc) http.HandlerFunc, handler http.HandlerFunc) {
	mux.HandleFunc(path, middleware.RateLimitFunc(middleware.GlobalRateLimit)(cacheMiddleware(middleware.RequireToken(token)(handler))))
}

func main() {
	config.LoadConfig("config.yaml")

	if config.Conf.LobbyChannelID == "" {
		logrus.Fatal("lobby_channel_id is not configured")
	}

	if err := db.Init(config.Conf.DatabasePath); err != nil {
		logrus.Fatal("DB init failed: ", err)
	}

	db.DB.AutoMigrate(
		&store.ChannelRecord{},
		&metrics.MetricsSnapshot{},
	)

	ownership := store.New(db.DB)
	client := platform.NewHTTPClient(config.Conf.APIBaseURL, config.Conf.GuildID, config.Conf.APIToken)

	machine := lifecycle.New(lifecycle.Config{
		GuildID:         config.Conf.GuildID,
		LobbyChannelID:  config.Conf.LobbyChannelID,
		CategoryID:      config.Conf.CategoryID,
		CategoryName:    config.Conf.CategoryName,
		NameTemplate:    config.Conf.NameTemplate,
		CommandPrefixes: config.Conf.CommandPrefixes,
		CallTimeout:     config.CallTimeout(),
		Workers:         config.Conf.EventWorkers,
	}, ownership, client)

	categoryID, err := machine.Bootstrap(context.Background())
	if err != nil {
		logrus.Fatal("Category bootstrap failed: ", err)
	}
	if categoryID != config.Conf.CategoryID {
		config.Conf.CategoryID = categoryID
		if err := config.SaveConfig("config.yaml"); err != nil {
			logrus.Warnf("Could not persist category id: %v", err)
		}
	}

	gateway := platform.NewGateway(config.Conf.GatewayURL, config.Conf.APIToken)
	go gateway.Run()
	go machine.Run(gateway.Events())

	metricsService := metrics.NewMetricsService()
	metricsService.Start()

	commandService := commands.NewService(
		config.Conf.GuildID,
		config.Conf.CommandPrefixes,
		ownership,
		client,
		config.CallTimeout(),
	)

	commandHandlers := handlers.NewCommandHandlers(commandService)
	statusHandlers := handlers.NewStatusHandlers(metricsService)

	mux := http.NewServeMux()

	token := config.Conf.APIToken

	// Authorization gate for the external command layer
	queryRoute(mux, "/channels/is-admin", token, NoCache, commandHandlers.IsAdminHandler)

	// Command endpoints
	commandRoute(mux, "/commands/claim", token, commandHandlers.ClaimHandler)
	commandRoute(mux, "/commands/kick", token, commandHandlers.KickHandler)
	commandRoute(mux, "/commands/ban", token, commandHandlers.BanHandler)
	commandRoute(mux, "/commands/unban", token, commandHandlers.UnbanHandler)
	commandRoute(mux, "/commands/chmod", token, commandHandlers.ChmodHandler)
	commandRoute(mux, "/commands/hide", token, commandHandlers.HideHandler(true))
	commandRoute(mux, "/commands/unhide", token, commandHandlers.HideHandler(false))
	commandRoute(mux, "/commands/lock", token, commandHandlers.LockHandler(true))
	commandRoute(mux, "/commands/unlock", token, commandHandlers.LockHandler(false))
	commandRoute(mux, "/commands/mute", token, commandHandlers.MuteHandler(true))
	commandRoute(mux, "/commands/unmute", token, commandHandlers.MuteHandler(false))
	commandRoute(mux, "/commands/name", token, commandHandlers.NameHandler)
	commandRoute(mux, "/commands/limit", token, commandHandlers.LimitHandler)
	commandRoute(mux, "/commands/bitrate", token, commandHandlers.BitrateHandler)

	// Status endpoints
	queryRoute(mux, "/status", token, NoCache, statusHandlers.StatusHandler)
	queryRoute(mux, "/status/history", token, Cache30Sec, statusHandlers.StatusHistoryHandler)

	logrus.Infof("Tracking lobby %s under category %s", config.Conf.LobbyChannelID, categoryID)
	logrus.Infof("Command API listening on %s", config.Conf.Port)
	logrus.Fatal(http.ListenAndServe(config.Conf.Port, middleware.CORS(mux)))
}
