package handlers

import (
	"html/template"
	"regexp"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Form-edge ticker rule: letters only. Input is canonicalized to
// uppercase after binding; the ledger enforces the strict uppercase
// form.
var tickerRe = regexp.MustCompile(`^[A-Za-z]+$`)

func tickerValidator(fl validator.FieldLevel) bool {
	return tickerRe.MatchString(fl.Field().String())
}

// usd renders a decimal dollar amount for templates.
func usd(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Abs().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}

// NewRouter builds the gin engine: templates, cookie sessions, the
// ticker form validation, and every route.
func NewRouter(h *Handler, sessionSecret []byte, templateGlob string) *gin.Engine {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("ticker", tickerValidator)
	}

	r := gin.Default()
	r.SetFuncMap(template.FuncMap{"usd": usd})
	r.LoadHTMLGlob(templateGlob)
	r.Use(sessions.Sessions("stockfolio_session", cookie.NewStore(sessionSecret)))

	h.Mount(r)
	return r
}
