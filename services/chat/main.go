package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/classchat/internal/auth"
	"github.com/classchat/internal/config"
	"github.com/classchat/internal/fileserver"
	"github.com/classchat/internal/handler"
	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
	"github.com/classchat/internal/presence"
	"github.com/classchat/internal/repository"
	"github.com/classchat/internal/service"
	"github.com/classchat/internal/startup"
	"github.com/classchat/internal/storage"
	"github.com/classchat/internal/storage/memory"
	"github.com/classchat/internal/ws"
	"github.com/classchat/migrations"
)

// stores: набор хранилищ, из которых собираются сервисы; PostgreSQL или память.
type stores struct {
	users      storage.UserStore
	classrooms storage.ClassroomStore
	messages   storage.MessageStore
	reactions  storage.ReactionStore
	receipts   storage.ReceiptStore
	// putAdmin создаёт учётную запись администратора из окружения
	putAdmin func(ctx context.Context, u *model.User) error
}

func main() {
	logger.SetPrefix("chat")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep chat data in process memory (no PostgreSQL)")
	flag.Parse()

	if err := run(*dev, *migrate, *inMemory); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(dev, migrateOnly, inMemory bool) error {
	logger.Info("starting chat service")
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st stores
	if inMemory {
		mem := memory.New()
		st = stores{
			users:      mem,
			classrooms: mem,
			messages:   mem.Messages(),
			reactions:  mem,
			receipts:   mem,
			putAdmin: func(_ context.Context, u *model.User) error {
				mem.PutUser(u)
				return nil
			},
		}
		logger.Info("chat data kept in memory")
	} else {
		if dev {
			db, err := startEmbeddedPostgres(cfg)
			if err != nil {
				return fmt.Errorf("embedded postgres: %w", err)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := db.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			return fmt.Errorf("parse db config: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2

		pool, err := startup.ConnectDB(ctx, poolCfg, 60*time.Second)
		if err != nil {
			return err
		}
		defer pool.Close()

		migCtx, migCancel := context.WithTimeout(ctx, 30*time.Second)
		err = migrations.Apply(migCtx, pool)
		migCancel()
		if err != nil {
			return err
		}
		logger.Info("database connected, migrations applied")
		if migrateOnly {
			return nil
		}
		repos := repository.NewStore(pool)
		st = stores{
			users:      repos.Users,
			classrooms: repos.Classrooms,
			messages:   repos.Messages,
			reactions:  repos.Reactions,
			receipts:   repos.Receipts,
			putAdmin:   repos.Users.Create,
		}
	}

	if err := seedAdmin(ctx, st.putAdmin); err != nil {
		return err
	}

	reg, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	archive := service.NewArchive(st.messages, st.reactions, st.receipts, cfg.HistoryFullPageSize)
	tracker := service.NewTracker(st.messages, st.reactions, st.receipts)
	files := fileserver.New(cfg.UploadDir, cfg.MaxChatUploadSize)
	gateway := ws.NewGateway(reg, archive, st.classrooms, ws.Config{
		MaxConnections: cfg.MaxWSConnections,
		PersistQueue:   cfg.PersistQueueSize,
	})

	router := handler.NewRouter(handler.Routes{
		Policy: auth.DefaultPolicy(),
		Tokens: tokens,
		Users:  st.users,
		Auth:   handler.NewAuthHandler(st.users, tokens),
		Chat:   handler.NewChatHandler(archive, tracker, st.classrooms, reg),
		Files:  handler.NewFileHandler(files),
		WS: handler.NewWSHandler(gateway, cfg.CORSAllowedOrigins, ws.Limits{
			WriteWait:      cfg.WSWriteTimeout,
			PongWait:       cfg.WSPongTimeout,
			MaxMessageSize: cfg.WSMaxMessageSize,
			SendBuffer:     cfg.WSSendBufferSize,
		}),
		Config:  handler.NewConfigHandler(cfg, files),
		Origins: cfg.CORSAllowedOrigins,
		RPS:     cfg.Rate.RPS,
		Burst:   cfg.Rate.Burst,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.Run(gctx)
	})
	g.Go(func() error {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("server shutdown: %v", err)
		}
		// upgrade-соединения srv.Shutdown не видит: закрываем их сами
		gateway.Shutdown()
		logger.Info("server stopped accepting connections")
		return nil
	})
	err = g.Wait()
	logger.Info("chat service stopped")
	return err
}

// openRegistry выбирает реестр присутствия: память процесса или Redis (несколько инстансов).
func openRegistry(ctx context.Context, cfg *config.Config) (presence.Registry, func(), error) {
	if cfg.Presence.Backend != "redis" {
		return presence.NewMemory(), func() {}, nil
	}
	client, err := startup.ConnectRedis(ctx, cfg.Presence.RedisURL, 30*time.Second)
	if err != nil {
		return nil, nil, err
	}
	// после рестарта в Redis остаются записи соединений, которых уже нет
	resetCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Reset(resetCtx); err != nil {
		logger.Errorf("reset presence: %v", err)
	}
	logger.Info("presence registry: redis")
	return client, func() {
		if err := client.Close(); err != nil {
			logger.Errorf("redis close: %v", err)
		}
	}, nil
}

// seedAdmin создаёт администратора из CHAT_ADMIN_EMAIL / CHAT_ADMIN_PASSWORD, если они заданы.
func seedAdmin(ctx context.Context, put func(context.Context, *model.User) error) error {
	email := strings.ToLower(strings.TrimSpace(os.Getenv("CHAT_ADMIN_EMAIL")))
	password := os.Getenv("CHAT_ADMIN_PASSWORD")
	if email == "" || password == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	name := os.Getenv("CHAT_ADMIN_NAME")
	if name == "" {
		name = "Administrator"
	}
	if err := put(ctx, &model.User{Email: email, Name: name, Role: model.RoleAdmin, PasswordHash: string(hash)}); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	logger.Infof("admin account ready: %s", email)
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "classchat"
		password = "classchat_dev"
		database = "classchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "classchat-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
