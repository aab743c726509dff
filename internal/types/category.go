package types

import "strings"

// Category is the vendor grouping exposed on the HTTP surface. It predates
// the protocol families and is kept so callers can keep addressing providers
// the way they always have.
type Category string

const (
	Category1 Category = "CATEGORY1"
	Category2 Category = "CATEGORY2"
	Category3 Category = "CATEGORY3"
	Category4 Category = "CATEGORY4"
	Category5 Category = "CATEGORY5"
)

// ParseCategory accepts "CATEGORY3", "category3" and "3".
func ParseCategory(s string) (Category, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) == 1 {
		s = "CATEGORY" + s
	}
	switch Category(s) {
	case Category1, Category2, Category3, Category4, Category5:
		return Category(s), true
	default:
		return "", false
	}
}

// DefaultFamily returns the protocol family vendors in this category speak
// unless their configuration says otherwise.
func (c Category) DefaultFamily() string {
	switch c {
	case Category1:
		return "token_api"
	case Category2:
		return "captcha_token"
	case Category3:
		return "postback"
	case Category4, Category5:
		return "signed"
	default:
		return ""
	}
}

// Number is the trailing digit, used in client-facing messages.
func (c Category) Number() string {
	return strings.TrimPrefix(string(c), "CATEGORY")
}

type Operation string

const (
	OpLogin           Operation = "login"
	OpAddUser         Operation = "add_user"
	OpRecharge        Operation = "recharge"
	OpRedeem          Operation = "redeem"
	OpChangePassword  Operation = "change_password"
	OpGetBalances     Operation = "get_balances"
	OpGetAgentBalance Operation = "get_agent_balance"
)

// Mutating reports whether the operation changes vendor-side state.
func (o Operation) Mutating() bool {
	switch o {
	case OpAddUser, OpRecharge, OpRedeem, OpChangePassword:
		return true
	}
	return false
}
