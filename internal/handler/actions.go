package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/consign/internal/guard"
	"github.com/hitoshi/consign/internal/metrics"
	"github.com/hitoshi/consign/internal/middleware"
	"github.com/hitoshi/consign/internal/model"
	"github.com/hitoshi/consign/internal/session"
)

// ActionConfig はフォーム送信ハンドラーの共通設定。
type ActionConfig struct {
	BasePath string
	Cookie   middleware.CookieConfig
}

// actionGuard は状態を変更するPOSTを、送信元画面と同じルートガードで保護する。
type actionGuard struct {
	table   *guard.Table
	metrics metrics.MetricsCollector
	config  ActionConfig
}

func newActionGuard(table *guard.Table, collector metrics.MetricsCollector, config ActionConfig) actionGuard {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return actionGuard{table: table, metrics: collector, config: config}
}

// authorize はpathの画面を表示できる場合にセッション状態を返す。
// 表示できない場合はガードの判定に従ってレスポンスを書き、falseを返す。
func (g actionGuard) authorize(w http.ResponseWriter, r *http.Request, path string) (session.State, bool) {
	ctrl, ok := middleware.ControllerFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return session.State{}, false
	}

	state := ctrl.State()
	decision := g.table.Decide(path, subjectOf(state))
	g.metrics.RecordGuardDecision(decision.Outcome.String())

	switch decision.Outcome {
	case guard.OutcomeRender:
		return state, true
	case guard.OutcomeRedirect:
		http.Redirect(w, r, g.config.BasePath+decision.Location, http.StatusSeeOther)
	case guard.OutcomeLoading:
		// 画面側で読み込み完了を待たせる
		http.Redirect(w, r, g.config.BasePath+path, http.StatusSeeOther)
	default:
		http.NotFound(w, r)
	}
	return state, false
}

// finish は結果をフラッシュメッセージに設定してpathへ戻す。
// JSONを要求するクライアントには統一エラーフォーマットまたは204を返す。
func (g actionGuard) finish(w http.ResponseWriter, r *http.Request, path string, err error, success string) {
	if wantsJSON(r) {
		if err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err != nil {
		setFlash(w, g.config.Cookie, "error", userMessage(err))
	} else {
		setFlash(w, g.config.Cookie, "ok", success)
	}
	http.Redirect(w, r, g.config.BasePath+path, http.StatusSeeOther)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// formInt はフォームの整数値を読む。
func formInt(r *http.Request, field, invalidMessage string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(r.PostFormValue(field)))
	if err != nil {
		return 0, model.NewValidationError(invalidMessage)
	}
	return v, nil
}
