package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/consign/internal/guard"
	"github.com/hitoshi/consign/internal/metrics"
	"github.com/hitoshi/consign/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
	// Gatherer が設定されている場合は/metricsを公開する
	Gatherer      prometheus.Gatherer
	HealthChecker HealthChecker

	// ミドルウェア依存
	Client            middleware.ClientConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 画面とルートガード
	Guard        *guard.Table
	Renderer     *Renderer
	BasePath     string
	LoadWait     time.Duration
	OAuthEnabled bool

	// サービス
	AuthService    AuthServiceInterface
	AuthEvents     AuthEventPublisher
	Passwords      PasswordChanger
	UserService    UserServiceInterface
	CatalogService CatalogServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
// BasePathが設定されている場合はその配下にマウントする。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → Client → RateLimit(General) → CSRF
//
// /health と /metrics はミドルウェアチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	cookie := deps.Client.Cookie

	pages := NewPageHandler(deps.Guard, deps.Renderer, deps.CatalogService, deps.UserService, collector, PageConfig{
		LoadWait:     deps.LoadWait,
		OAuthEnabled: deps.OAuthEnabled,
		Cookie:       cookie,
	})
	authHandler := NewAuthHandler(deps.AuthService, deps.AuthEvents, AuthHandlerConfig{
		BasePath: deps.BasePath,
		Cookie:   cookie,
	})
	actions := ActionConfig{BasePath: deps.BasePath, Cookie: cookie}
	userHandler := NewUserHandler(deps.UserService, deps.Passwords, deps.AuthEvents, deps.Guard, collector, actions)
	adminHandler := NewAdminHandler(deps.CatalogService, deps.UserService, deps.Guard, collector, actions)
	sessionHandler := NewSessionHandler(deps.Client.Controllers, SessionHandlerConfig{BasePath: deps.BasePath})

	app := chi.NewRouter()
	app.Use(middleware.NewRecoveryMiddleware())
	app.Use(middleware.NewSecurityHeadersMiddleware())
	app.Use(middleware.NewLoggingMiddleware(logger, collector))
	app.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// 静的ファイルはクライアント識別の対象外
	app.Handle("/static/*", staticHandler(deps.BasePath+"/static/"))

	app.Group(func(r chi.Router) {
		r.Use(middleware.NewClientMiddleware(deps.Client))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(cookie))

		// 画面（ルートガードで表示・リダイレクトを決める）
		for _, route := range guard.DefaultRoutes() {
			r.Get(route.Path, pages.View(route.Path))
		}
		r.NotFound(pages.NotFound)

		// 認証
		r.With(deps.RateLimiter.SignInMiddleware()).Post("/auth/signin", authHandler.SignIn)
		r.With(deps.RateLimiter.SignInMiddleware()).Post("/auth/signup", authHandler.SignUp)
		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/auth/google/login", authHandler.GoogleLogin)
		r.Get("/auth/google/callback", authHandler.GoogleCallback)

		// セッション状態
		r.Get("/api/session", sessionHandler.State)
		r.Post("/session/retry", sessionHandler.Retry)
		r.Get("/live", sessionHandler.Live)

		// プロフィール（画面と同じパスにPOSTする）
		r.Post("/profile", userHandler.UpdateProfile)
		r.Post("/profile/password", userHandler.ChangePassword)

		// 管理操作
		r.Post("/admin/products", adminHandler.CreateProduct)
		r.Post("/admin/products/{id}/delete", adminHandler.DeleteProduct)
		r.Post("/admin/users/{id}/admin", adminHandler.SetAdmin)
		r.Post("/admin/listed-products", adminHandler.CreateListing)
		r.Post("/admin/listed-products/{id}/return", adminHandler.ReturnListing)
		r.Post("/admin/sales", adminHandler.RecordSale)
		r.Post("/admin/settings", adminHandler.UpdateSettings)
	})

	root := chi.NewRouter()
	root.Use(chimw.RealIP)
	root.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		root.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	if deps.BasePath == "" {
		root.Mount("/", app)
		return root
	}
	root.Mount(deps.BasePath, app)
	return root
}
