package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hitoshi/consign/internal/model"
)

// maxPriceCents は入力できる価格の上限（1,000,000.00）。
const maxPriceCents = 100_000_000

var errInvalidPrice = model.NewValidationError("Cena musí byť kladné číslo s najviac dvomi desatinnými miestami.")

// ParsePrice は "12,50" や "12.5" 形式の価格をセント単位に変換する。
// 小数点にはカンマとピリオドのどちらも使える。0は受け付けない。
func ParsePrice(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	s = strings.Replace(s, ",", ".", 1)
	whole, frac, hasFrac := strings.Cut(s, ".")
	if !isDigits(whole) || (hasFrac && (!isDigits(frac) || len(frac) > 2)) {
		return 0, errInvalidPrice
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, errInvalidPrice
	}
	var cents int64
	if hasFrac {
		if len(frac) == 1 {
			frac += "0"
		}
		if cents, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return 0, errInvalidPrice
		}
	}

	if units > maxPriceCents/100 {
		return 0, errInvalidPrice
	}
	total := units*100 + cents
	if total == 0 || total > maxPriceCents {
		return 0, errInvalidPrice
	}
	return total, nil
}

// FormatPrice はセント単位の金額を "12,50 EUR" 形式で返す。
func FormatPrice(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d,%02d %s", sign, cents/100, cents%100, currency)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
