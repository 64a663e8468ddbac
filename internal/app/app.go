package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/consign/internal/auth"
	"github.com/hitoshi/consign/internal/catalog"
	"github.com/hitoshi/consign/internal/config"
	"github.com/hitoshi/consign/internal/database"
	"github.com/hitoshi/consign/internal/guard"
	"github.com/hitoshi/consign/internal/handler"
	"github.com/hitoshi/consign/internal/logger"
	"github.com/hitoshi/consign/internal/metrics"
	"github.com/hitoshi/consign/internal/middleware"
	"github.com/hitoshi/consign/internal/repository"
	"github.com/hitoshi/consign/internal/security"
	"github.com/hitoshi/consign/internal/session"
	"github.com/hitoshi/consign/internal/user"
	"github.com/hitoshi/consign/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ErrMissingEmail はgrant-adminコマンドにメールアドレスが指定されていないことを示す。
var ErrMissingEmail = errors.New("usage: consign grant-admin <email>")

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("base_path", cfg.BasePath),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandGrantAdmin:
		return runGrantAdmin(cfg, commandArg(args, 0))
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はWebサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	adminRepo := repository.NewPostgresAdminRepo(db)
	productRepo := repository.NewPostgresProductRepo(db)
	listingRepo := repository.NewPostgresListedProductRepo(db)
	saleRepo := repository.NewPostgresSaleRepo(db)
	settingsRepo := repository.NewPostgresSettingsRepo(db)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. 認証サービスの初期化（Google未設定の場合はnilのまま渡す）
	var oauthProvider auth.OAuthProvider
	if cfg.GoogleEnabled() {
		oauthProvider = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	}
	authService := auth.NewService(
		oauthProvider, userRepo, identRepo, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	// 5. セッションコントローラー
	hub := auth.NewHub(slog.Default())
	controllers := session.NewRegistry(
		func(clientID string) session.AuthProvider {
			return auth.NewClientProvider(hub, authService, clientID)
		},
		adminRepo,
		session.RegistryConfig{
			IdleTTL: cfg.SessionIdleTTL,
			OnEvict: hub.Detach,
		},
		session.Options{
			Logger:        slog.Default(),
			Metrics:       collector,
			LookupTimeout: cfg.AdminLookupTimeout,
		},
	)
	defer controllers.Stop()

	// 6. ドメインサービスの初期化
	userService := user.NewService(userRepo, adminRepo, sessionRepo)
	catalogService := catalog.NewService(
		productRepo, listingRepo, saleRepo, settingsRepo, userRepo,
		security.NewContentSanitizer(),
	)

	// 7. ルーターの構築
	renderer, err := handler.NewRenderer(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSignIn),
	)
	defer rateLimiter.Stop()

	cookie := middleware.CookieConfig{
		Domain: cfg.CookieDomain,
		Path:   cfg.BasePath,
		Secure: cfg.CookieSecure,
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        slog.Default(),
		Metrics:       collector,
		Gatherer:      registry,
		HealthChecker: db,
		Client: middleware.ClientConfig{
			Auth:        authService,
			Hub:         hub,
			Controllers: controllers,
			Cookie:      cookie,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		Guard:        guard.Default(),
		Renderer:     renderer,
		BasePath:     cfg.BasePath,
		LoadWait:     cfg.SessionLoadWait,
		OAuthEnabled: authService.OAuthEnabled(),

		AuthService:    authService,
		AuthEvents:     hub,
		Passwords:      authService,
		UserService:    userService,
		CatalogService: catalogService,
	})

	// 8. HTTPサーバーの起動
	// WebSocketは接続ごとに期限を設定するため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
			slog.Bool("google_signin", authService.OAuthEnabled()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down web server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// WebSocket接続はShutdownの対象外なので、コントローラーを破棄して購読を解除する
	controllers.Stop()

	slog.Info("web server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの削除ジョブをSessionCleanupInterval毎に実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// 期限切れセッションの削除をメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runGrantAdmin はメールアドレスで指定したユーザーを管理者にする。
func runGrantAdmin(cfg *config.Config, email string) error {
	if email == "" {
		return ErrMissingEmail
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	service := user.NewService(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresAdminRepo(db),
		repository.NewPostgresSessionRepo(db),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	u, err := service.GrantAdminByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("grant-admin failed: %w", err)
	}

	slog.Info("administrator granted",
		slog.String("user_id", u.ID),
		slog.String("email", u.Email),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
