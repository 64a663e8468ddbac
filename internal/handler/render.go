package handler

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/consign/internal/catalog"
	"github.com/hitoshi/consign/internal/guard"
	"github.com/hitoshi/consign/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// pageNames はlayoutと組み合わせてパースするテンプレートの一覧。
var pageNames = []guard.View{
	guard.ViewSignIn,
	guard.ViewDashboard,
	guard.ViewProfile,
	guard.ViewSales,
	guard.ViewAdminDashboard,
	guard.ViewAdminProducts,
	guard.ViewAdminUsers,
	guard.ViewAdminListed,
	guard.ViewAdminSales,
	guard.ViewAdminSettings,
	guard.ViewLoading,
	guard.ViewNotFound,
}

// pageData はすべての画面に共通のテンプレートデータ。
type pageData struct {
	View         guard.View
	BasePath     string
	CSRFToken    string
	State        string // stateKeyの値。live.jsが再読み込みの判定に使う
	User         *model.User
	IsAdmin      bool
	LoadError    string
	Version      uint64
	Flash        *flash
	OAuthEnabled bool
	Currency     string
	Data         any
}

// Renderer はembedしたHTMLテンプレートで画面を描画する。
type Renderer struct {
	basePath string
	pages    map[guard.View]*template.Template
}

// NewRenderer は全画面のテンプレートをパースしたRendererを生成する。
func NewRenderer(basePath string) (*Renderer, error) {
	funcs := template.FuncMap{
		"url": func(path string) string {
			return basePath + path
		},
		"price": func(currency string, cents int64) string {
			return catalog.FormatPrice(cents, currency)
		},
		"date": func(t time.Time) string {
			return t.Local().Format("02.01.2006 15:04")
		},
		"status": listingStatusLabel,
		"safeHTML": func(s string) template.HTML {
			// 商品説明は保存時にサニタイズ済み
			return template.HTML(s)
		},
	}

	layout, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse layout template: %w", err)
	}

	pages := make(map[guard.View]*template.Template, len(pageNames))
	for _, name := range pageNames {
		tmpl, err := template.Must(layout.Clone()).ParseFS(templateFS, "templates/"+string(name)+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		pages[name] = tmpl
	}

	return &Renderer{basePath: basePath, pages: pages}, nil
}

// Render は指定画面を描画する。テンプレートの実行に失敗した場合は500を返す。
func (r *Renderer) Render(w http.ResponseWriter, status int, view guard.View, data *pageData) {
	tmpl, ok := r.pages[view]
	if !ok {
		slog.Error("unknown view", slog.String("view", string(view)))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	data.View = view
	data.BasePath = r.basePath

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.Error("failed to render template",
			slog.String("view", string(view)),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// staticHandler は/static配下の静的ファイルを配信する。
func staticHandler(prefix string) http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix(prefix, http.FileServerFS(sub))
}

func listingStatusLabel(status model.ListingStatus) string {
	switch status {
	case model.ListingStatusListed:
		return "v ponuke"
	case model.ListingStatusSold:
		return "predané"
	case model.ListingStatusReturned:
		return "vrátené"
	}
	return string(status)
}
