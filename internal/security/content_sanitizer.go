// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は管理者が入力した商品説明のHTMLをサニタイズする。
// bluemondayの許可リストポリシーで、書式用のタグとリンクのみを通過させる。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, strong, em）のみを通過させる。
	// aタグはhttps/mailtoのリンクのみ許可し、target="_blank"とrel="noopener noreferrer"を付与する。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemonday.Policyは構築後はスレッドセーフに使える。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer は商品説明用のポリシーを持つContentSanitizerServiceを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style, img等は許可リストに含めないことで除去される
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https", "mailto")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		policy: p,
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。前後の空白は除去する。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}
