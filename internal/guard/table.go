// Package guard はパスとセッション状態から、表示するビューまたはリダイレクト先を決める。
package guard

import "strings"

// Access はパスに必要な権限の種類。
type Access int

const (
	// AccessGuest はサインイン画面。サインイン済みなら各自のトップへ送る。
	AccessGuest Access = iota
	// AccessMember は管理者以外のサインイン済みユーザー向け（管理者は管理画面へ送る）。
	AccessMember
	// AccessUser はサインイン済みなら管理者も含めて表示する。
	AccessUser
	// AccessAdmin は管理者のみ表示する。
	AccessAdmin
)

// View はレンダリングするビューの識別子。
type View string

const (
	ViewSignIn         View = "signin"
	ViewDashboard      View = "dashboard"
	ViewProfile        View = "profile"
	ViewSales          View = "sales"
	ViewAdminDashboard View = "admin"
	ViewAdminProducts  View = "admin_products"
	ViewAdminUsers     View = "admin_users"
	ViewAdminListed    View = "admin_listed_products"
	ViewAdminSales     View = "admin_sales"
	ViewAdminSettings  View = "admin_settings"
	ViewLoading        View = "loading"
	ViewNotFound       View = "not_found"
)

// 主要なパス
const (
	PathRoot      = "/"
	PathDashboard = "/dashboard"
	PathAdmin     = "/admin"
)

// Route はパスごとのポリシー。
type Route struct {
	Path   string
	Access Access
	View   View
}

// Outcome は判定の種類。
type Outcome int

const (
	OutcomeLoading Outcome = iota
	OutcomeRender
	OutcomeRedirect
	OutcomeNotFound
)

// String はメトリクスのラベルに使う名前を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeLoading:
		return "loading"
	case OutcomeRender:
		return "render"
	case OutcomeRedirect:
		return "redirect"
	case OutcomeNotFound:
		return "not_found"
	}
	return "unknown"
}

// Decision は判定結果。OutcomeRenderならView、OutcomeRedirectならLocationが設定される。
type Decision struct {
	Outcome  Outcome
	View     View
	Location string
}

// Subject は判定に使うセッション状態。
type Subject struct {
	Loading  bool
	SignedIn bool
	IsAdmin  bool
}

// maxHops はリダイレクトを辿る上限。テーブルが循環していても停止する。
const maxHops = 4

// Table はパスごとのポリシーの表。
type Table struct {
	routes map[string]Route
}

// NewTable はルートの一覧からTableを生成する。
func NewTable(routes []Route) *Table {
	t := &Table{routes: make(map[string]Route, len(routes))}
	for _, r := range routes {
		t.routes[r.Path] = r
	}
	return t
}

// DefaultRoutes はアプリケーションの全ルートを返す。
func DefaultRoutes() []Route {
	return []Route{
		{Path: PathRoot, Access: AccessGuest, View: ViewSignIn},
		{Path: PathDashboard, Access: AccessMember, View: ViewDashboard},
		{Path: "/profile", Access: AccessUser, View: ViewProfile},
		{Path: "/sales", Access: AccessUser, View: ViewSales},
		{Path: PathAdmin, Access: AccessAdmin, View: ViewAdminDashboard},
		{Path: "/admin/products", Access: AccessAdmin, View: ViewAdminProducts},
		{Path: "/admin/users", Access: AccessAdmin, View: ViewAdminUsers},
		{Path: "/admin/listed-products", Access: AccessAdmin, View: ViewAdminListed},
		{Path: "/admin/sales", Access: AccessAdmin, View: ViewAdminSales},
		{Path: "/admin/settings", Access: AccessAdmin, View: ViewAdminSettings},
	}
}

// Default はDefaultRoutesのTableを返す。
func Default() *Table {
	return NewTable(DefaultRoutes())
}

// Route はパスのポリシーを返す。
func (t *Table) Route(path string) (Route, bool) {
	r, ok := t.routes[normalize(path)]
	return r, ok
}

// Decide はパスとセッション状態から判定結果を返す。
// 読み込み中は経路に関係なくOutcomeLoadingを返す。
// リダイレクト先もテーブルで判定し、最終的な行き先を返す。
func (t *Table) Decide(path string, s Subject) Decision {
	if s.Loading {
		return Decision{Outcome: OutcomeLoading, View: ViewLoading}
	}

	path = normalize(path)
	route, ok := t.routes[path]
	if !ok {
		return Decision{Outcome: OutcomeNotFound, View: ViewNotFound}
	}

	current := path
	for hop := 0; hop < maxHops; hop++ {
		next := redirectFor(route.Access, s)
		if next == "" {
			if current == path {
				return Decision{Outcome: OutcomeRender, View: route.View}
			}
			return Decision{Outcome: OutcomeRedirect, Location: current}
		}
		current = next
		if route, ok = t.routes[next]; !ok {
			return Decision{Outcome: OutcomeRedirect, Location: next}
		}
	}
	return Decision{Outcome: OutcomeRedirect, Location: current}
}

// redirectFor はアクセス種別と状態からリダイレクト先を返す。表示できる場合は空文字列。
func redirectFor(access Access, s Subject) string {
	switch access {
	case AccessGuest:
		switch {
		case !s.SignedIn:
			return ""
		case s.IsAdmin:
			return PathAdmin
		default:
			return PathDashboard
		}
	case AccessMember:
		switch {
		case !s.SignedIn:
			return PathRoot
		case s.IsAdmin:
			return PathAdmin
		default:
			return ""
		}
	case AccessUser:
		if !s.SignedIn {
			return PathRoot
		}
		return ""
	case AccessAdmin:
		if !s.SignedIn || !s.IsAdmin {
			return PathDashboard
		}
		return ""
	}
	return PathRoot
}

// normalize は末尾のスラッシュを取り除く（ルート以外）。
func normalize(path string) string {
	if path == "" {
		return PathRoot
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return PathRoot
		}
	}
	return path
}
