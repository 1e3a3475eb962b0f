// Package handlers serves the browser-facing routes: portfolio,
// trading, quotes, history, and the register/login/logout flow.
package handlers

import (
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"stockfolio/internal/database"
	"stockfolio/internal/folio"
	"stockfolio/internal/quote"
)

const (
	sessionUserKey   = "user_id"
	sessionQuotesKey = "quotes"
	ctxUserKey       = "currentUserID"

	maxCachedQuotes = 8
)

func init() {
	// cached quotes live in the cookie session
	gob.Register([]quote.Quote{})
}

// Store is the slice of the account store the handlers need.
type Store interface {
	CreateUser(ctx context.Context, username, hash string) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (database.User, error)
	GetUserByID(ctx context.Context, id int64) (database.User, error)
	UsernameAvailable(ctx context.Context, username string) (bool, error)
	GetHoldings(ctx context.Context, userID int64) (folio.Holdings, error)
	ExecuteBuy(ctx context.Context, userID int64, symbol string, shares int64, unitPrice decimal.Decimal) error
	ExecuteSell(ctx context.Context, userID int64, symbol string, shares int64, unitPrice decimal.Decimal) error
	GetHistory(ctx context.Context, userID int64) ([]database.Trade, error)
}

type Handler struct {
	store  Store
	quotes quote.Provider
	log    *logrus.Logger
}

func New(store Store, quotes quote.Provider, log *logrus.Logger) *Handler {
	return &Handler{store: store, quotes: quotes, log: log}
}

func (h *Handler) Mount(r *gin.Engine) {
	r.GET("/login", h.LoginForm)
	r.POST("/login", h.Login)
	r.GET("/logout", h.Logout)
	r.GET("/register", h.RegisterForm)
	r.POST("/register", h.Register)
	r.GET("/check", h.Check)

	authed := r.Group("/", h.RequireLogin)
	authed.GET("/", h.Index)
	authed.GET("/buy", h.BuyForm)
	authed.POST("/buy", h.Buy)
	authed.GET("/history", h.History)
	authed.GET("/quote", h.QuoteForm)
	authed.POST("/quote", h.Quote)
	authed.GET("/sell", h.SellForm)
	authed.POST("/sell", h.Sell)

	r.NoRoute(func(c *gin.Context) {
		h.apology(c, http.StatusNotFound, "not found")
	})
}

// RequireLogin redirects requests without an authenticated session to
// the login form and stashes the account id in the request context.
func (h *Handler) RequireLogin(c *gin.Context) {
	sess := sessions.Default(c)
	id, ok := sess.Get(sessionUserKey).(int64)
	if !ok {
		c.Redirect(http.StatusSeeOther, "/login")
		c.Abort()
		return
	}
	c.Set(ctxUserKey, id)
	c.Next()
}

// apology renders the generic error page with a message and status.
func (h *Handler) apology(c *gin.Context, status int, msg string) {
	c.HTML(status, "apology.tmpl", gin.H{"Code": status, "Message": msg})
	c.Abort()
}

func (h *Handler) currentUser(c *gin.Context) (database.User, bool) {
	id := c.GetInt64(ctxUserKey)
	u, err := h.store.GetUserByID(c.Request.Context(), id)
	if err != nil {
		h.log.Errorf("load user %d: %v", id, err)
		h.apology(c, http.StatusInternalServerError, "could not load your account")
		return database.User{}, false
	}
	return u, true
}

func cachedQuotes(sess sessions.Session) []quote.Quote {
	qs, _ := sess.Get(sessionQuotesKey).([]quote.Quote)
	return qs
}

// lookup resolves a canonical symbol through the price oracle and maps
// failures to apology pages: unknown symbols are the user's problem,
// anything else is an upstream outage.
func (h *Handler) lookup(c *gin.Context, symbol string) (quote.Quote, bool) {
	q, err := h.quotes.Lookup(c.Request.Context(), symbol)
	if err != nil {
		if errors.Is(err, quote.ErrUnknownSymbol) {
			h.apology(c, http.StatusBadRequest, "invalid ticker symbol")
		} else {
			h.log.Errorf("quote lookup %s: %v", symbol, err)
			h.apology(c, http.StatusInternalServerError, "price lookup is unavailable, try again")
		}
		return quote.Quote{}, false
	}
	return q, true
}

type tradeForm struct {
	Symbol string `form:"symbol" binding:"required,ticker"`
	Shares int64  `form:"shares" binding:"required,gt=0"`
}

type quoteForm struct {
	Symbol string `form:"symbol" binding:"required,ticker"`
}

type credentialsForm struct {
	Username string `form:"username" binding:"required"`
	Password string `form:"password" binding:"required"`
}

type registerForm struct {
	Username     string `form:"username" binding:"required"`
	Password     string `form:"password" binding:"required"`
	Confirmation string `form:"confirmation" binding:"required"`
}

// Index renders the portfolio: cash, one valued row per holding, and
// the total asset value. Any oracle failure fails the whole page; a
// portfolio with a broken row is never shown.
func (h *Handler) Index(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	holdings, err := h.store.GetHoldings(c.Request.Context(), u.ID)
	if err != nil {
		h.log.Errorf("holdings for user %d: %v", u.ID, err)
		h.apology(c, http.StatusInternalServerError, "could not load your portfolio")
		return
	}
	positions, total, err := folio.Valuation(c.Request.Context(), holdings, u.Cash, h.quotes.Lookup)
	if err != nil {
		h.log.Warnf("valuation for user %d: %v", u.ID, err)
		h.apology(c, http.StatusBadRequest, "could not price your portfolio: "+err.Error())
		return
	}
	c.HTML(http.StatusOK, "index.tmpl", gin.H{
		"Username":  u.Username,
		"Cash":      u.Cash,
		"Positions": positions,
		"Total":     total,
	})
}

func (h *Handler) BuyForm(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	if u.Cash.LessThan(decimal.NewFromFloat(0.01)) {
		h.apology(c, http.StatusForbidden, "you have no available funds")
		return
	}
	c.HTML(http.StatusOK, "buy.tmpl", gin.H{
		"Cash":   u.Cash,
		"Quotes": cachedQuotes(sessions.Default(c)),
	})
}

func (h *Handler) Buy(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	var form tradeForm
	if err := c.ShouldBind(&form); err != nil {
		h.log.Warnf("buy: invalid form from user %d: %v", u.ID, err)
		h.apology(c, http.StatusBadRequest, "invalid symbol or share count")
		return
	}
	symbol := strings.ToUpper(form.Symbol)

	q, ok := h.lookup(c, symbol)
	if !ok {
		return
	}
	err := h.store.ExecuteBuy(c.Request.Context(), u.ID, q.Symbol, form.Shares, q.Price)
	switch {
	case err == nil:
		c.Redirect(http.StatusSeeOther, "/")
	case errors.Is(err, folio.ErrInsufficientFunds):
		cost := q.Price.Mul(decimal.NewFromInt(form.Shares))
		h.apology(c, http.StatusBadRequest, "cannot afford "+usd(cost))
	case errors.Is(err, folio.ErrInvalidSymbol), errors.Is(err, folio.ErrInvalidShares):
		h.apology(c, http.StatusBadRequest, err.Error())
	default:
		h.log.Errorf("buy %d %s x%d: %v", u.ID, q.Symbol, form.Shares, err)
		h.apology(c, http.StatusInternalServerError, "purchase failed")
	}
}

func (h *Handler) SellForm(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	holdings, err := h.store.GetHoldings(c.Request.Context(), u.ID)
	if err != nil {
		h.log.Errorf("holdings for user %d: %v", u.ID, err)
		h.apology(c, http.StatusInternalServerError, "could not load your portfolio")
		return
	}
	if len(holdings) == 0 {
		h.apology(c, http.StatusForbidden, "you have no holdings")
		return
	}
	positions, total, err := folio.Valuation(c.Request.Context(), holdings, u.Cash, h.quotes.Lookup)
	if err != nil {
		h.log.Warnf("valuation for user %d: %v", u.ID, err)
		h.apology(c, http.StatusBadRequest, "could not price your portfolio: "+err.Error())
		return
	}
	c.HTML(http.StatusOK, "sell.tmpl", gin.H{
		"Cash":      u.Cash,
		"Positions": positions,
		"Total":     total,
	})
}

func (h *Handler) Sell(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	var form tradeForm
	if err := c.ShouldBind(&form); err != nil {
		h.log.Warnf("sell: invalid form from user %d: %v", u.ID, err)
		h.apology(c, http.StatusBadRequest, "invalid symbol or share count")
		return
	}
	symbol := strings.ToUpper(form.Symbol)

	q, ok := h.lookup(c, symbol)
	if !ok {
		return
	}
	err := h.store.ExecuteSell(c.Request.Context(), u.ID, q.Symbol, form.Shares, q.Price)
	switch {
	case err == nil:
		c.Redirect(http.StatusSeeOther, "/")
	case errors.Is(err, folio.ErrNoHolding):
		h.apology(c, http.StatusBadRequest, "you don't own any shares of "+q.Symbol)
	case errors.Is(err, folio.ErrInsufficientShares):
		h.apology(c, http.StatusBadRequest, "you don't own that many shares")
	case errors.Is(err, folio.ErrInvalidShares):
		h.apology(c, http.StatusBadRequest, err.Error())
	default:
		h.log.Errorf("sell %d %s x%d: %v", u.ID, q.Symbol, form.Shares, err)
		h.apology(c, http.StatusInternalServerError, "sale failed")
	}
}

// QuoteForm shows the lookup form along with this session's cached
// quotes, newest first.
func (h *Handler) QuoteForm(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	c.HTML(http.StatusOK, "quote.tmpl", gin.H{
		"Cash":   u.Cash,
		"Quotes": cachedQuotes(sessions.Default(c)),
	})
}

func (h *Handler) Quote(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	var form quoteForm
	if err := c.ShouldBind(&form); err != nil {
		h.apology(c, http.StatusBadRequest, "invalid ticker symbol")
		return
	}
	q, ok := h.lookup(c, strings.ToUpper(form.Symbol))
	if !ok {
		return
	}

	sess := sessions.Default(c)
	qs := append([]quote.Quote{q}, cachedQuotes(sess)...)
	if len(qs) > maxCachedQuotes {
		qs = qs[:maxCachedQuotes]
	}
	sess.Set(sessionQuotesKey, qs)
	if err := sess.Save(); err != nil {
		h.log.Warnf("save session: %v", err)
	}
	c.HTML(http.StatusOK, "quote.tmpl", gin.H{
		"Cash":   u.Cash,
		"Quotes": qs,
	})
}

func (h *Handler) History(c *gin.Context) {
	u, ok := h.currentUser(c)
	if !ok {
		return
	}
	trades, err := h.store.GetHistory(c.Request.Context(), u.ID)
	if err != nil {
		h.log.Errorf("history for user %d: %v", u.ID, err)
		h.apology(c, http.StatusInternalServerError, "could not load your history")
		return
	}
	c.HTML(http.StatusOK, "history.tmpl", gin.H{
		"Cash":   u.Cash,
		"Trades": trades,
	})
}

// Check reports username availability as a JSON boolean.
func (h *Handler) Check(c *gin.Context) {
	username := strings.TrimSpace(c.Query("username"))
	if username == "" {
		c.JSON(http.StatusOK, false)
		return
	}
	available, err := h.store.UsernameAvailable(c.Request.Context(), username)
	if err != nil {
		h.log.Errorf("check username: %v", err)
		c.JSON(http.StatusInternalServerError, false)
		return
	}
	c.JSON(http.StatusOK, available)
}

func (h *Handler) LoginForm(c *gin.Context) {
	c.HTML(http.StatusOK, "login.tmpl", nil)
}

func (h *Handler) Login(c *gin.Context) {
	var form credentialsForm
	if err := c.ShouldBind(&form); err != nil {
		h.apology(c, http.StatusForbidden, "must provide username and password")
		return
	}
	u, err := h.store.GetUserByUsername(c.Request.Context(), form.Username)
	if err != nil {
		if !database.IsNotFound(err) {
			h.log.Errorf("login lookup %q: %v", form.Username, err)
		}
		h.apology(c, http.StatusForbidden, "invalid username and/or password")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Hash), []byte(form.Password)) != nil {
		h.apology(c, http.StatusForbidden, "invalid username and/or password")
		return
	}
	h.establishSession(c, u.ID)
}

// Logout forgets the session, cached quotes included.
func (h *Handler) Logout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Clear()
	if err := sess.Save(); err != nil {
		h.log.Warnf("clear session: %v", err)
	}
	c.Redirect(http.StatusSeeOther, "/login")
}

func (h *Handler) RegisterForm(c *gin.Context) {
	c.HTML(http.StatusOK, "register.tmpl", nil)
}

// Register creates the account and logs it straight in.
func (h *Handler) Register(c *gin.Context) {
	var form registerForm
	if err := c.ShouldBind(&form); err != nil {
		h.apology(c, http.StatusBadRequest, "please enter a username and password")
		return
	}
	if form.Password != form.Confirmation {
		h.apology(c, http.StatusBadRequest, "passwords do not match")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(form.Password), bcrypt.DefaultCost)
	if err != nil {
		h.log.Errorf("hash password: %v", err)
		h.apology(c, http.StatusInternalServerError, "registration failed")
		return
	}
	id, err := h.store.CreateUser(c.Request.Context(), form.Username, string(hash))
	if err != nil {
		if errors.Is(err, database.ErrUsernameTaken) {
			h.apology(c, http.StatusBadRequest, "that username is already taken")
			return
		}
		h.log.Errorf("create user %q: %v", form.Username, err)
		h.apology(c, http.StatusInternalServerError, "registration failed")
		return
	}
	h.log.Infof("registered user %q (id %d)", form.Username, id)
	h.establishSession(c, id)
}

// establishSession starts a fresh session for the account and lands it
// on the portfolio page.
func (h *Handler) establishSession(c *gin.Context, userID int64) {
	sess := sessions.Default(c)
	sess.Clear()
	sess.Set(sessionUserKey, userID)
	if err := sess.Save(); err != nil {
		h.log.Errorf("save session: %v", err)
		h.apology(c, http.StatusInternalServerError, "could not establish session")
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}
