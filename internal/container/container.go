package container

import (
	"log/slog"

	"github.com/joshua-takyi/bashbay-bookings/internal/cache"
	"github.com/joshua-takyi/bashbay-bookings/internal/clock"
	"github.com/joshua-takyi/bashbay-bookings/internal/config"
	"github.com/joshua-takyi/bashbay-bookings/internal/helpers"
	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/joshua-takyi/bashbay-bookings/internal/notify"
	"github.com/joshua-takyi/bashbay-bookings/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/supabase-community/supabase-go"
	"go.mongodb.org/mongo-driver/mongo"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	SupabaseClient *supabase.Client
	MongoDBClient  *mongo.Client
	RedisClient    *redis.Client

	Repo           *models.MongodbRepo
	TokenValidator *helpers.TokenValidator
	Dispatcher     notify.Dispatcher
	Notifier       *notify.Async

	ProfileService *services.ProfileService
	BookingService *services.BookingService
	EventService   *services.EventService
	StatsService   *services.StatsService
	ExpiryWorker   *services.ExpiryWorker
}

// NewContainer creates a new dependency injection container. A nil Redis
// client disables the statistics cache, and an empty RABBITMQ_URL routes
// notifications to the log.
func NewContainer(
	cfg *config.Config,
	logger *slog.Logger,
	supabaseClient *supabase.Client,
	mongoDBClient *mongo.Client,
	redisClient *redis.Client,
) *Container {
	supa := models.SupabaseNewRepo(supabaseClient, cfg.SupabaseURL, cfg.SupabaseAnonKey)
	repo := models.MongodbNewRepo(mongoDBClient,
		models.WithDatabase(cfg.MongoDBDatabase),
		models.WithTransactions(cfg.MongoDBTransactions),
	)

	var dispatcher notify.Dispatcher = notify.LogDispatcher{Logger: logger}
	if cfg.RabbitMQURL != "" {
		dispatcher = notify.NewAMQPDispatcher(cfg.RabbitMQURL, cfg.NotifyQueue)
	}
	notifier := notify.NewAsync(dispatcher, logger, cfg.NotifyTimeout)

	var statsCache services.StatsCache
	if redisClient != nil {
		statsCache = cache.NewStatsCache(redisClient, cfg.StatsCacheTTL)
	}

	clk := clock.NewSystem()
	bookingOpts := []services.BookingServiceOption{
		services.WithClock(clk),
		services.WithNotifier(notifier),
		services.WithLogger(logger),
		services.WithReservationTTL(cfg.ReservationTTL),
	}
	if statsCache != nil {
		bookingOpts = append(bookingOpts, services.WithStatsInvalidator(statsCache))
	}
	bookingService := services.NewBookingService(repo, repo, repo, bookingOpts...)

	return &Container{
		Config:         cfg,
		Logger:         logger,
		SupabaseClient: supabaseClient,
		MongoDBClient:  mongoDBClient,
		RedisClient:    redisClient,
		Repo:           repo,
		TokenValidator: helpers.NewTokenValidator(cfg.SupabaseURL, cfg.IsDevelopment()),
		Dispatcher:     dispatcher,
		Notifier:       notifier,
		ProfileService: services.NewProfileService(supa),
		BookingService: bookingService,
		EventService:   services.NewEventService(repo, logger),
		StatsService:   services.NewStatsService(repo, statsCache, logger),
		ExpiryWorker:   services.NewExpiryWorker(repo, bookingService, clk, logger, cfg.ExpirySweepInterval),
	}
}
