package bot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market/internal/models"
	"market/internal/storage"
)

const initDataMaxAge = 24 * time.Hour

type ctxKey int

const userIDKey ctxKey = iota

// HTTPServer serves the Mini App JSON API
type HTTPServer struct {
	bot         *Bot
	webhookMode bool // If false (polling mode), anonymous requests are allowed for local dev
}

// NewHTTPServer creates a new HTTP server for the Mini App
func NewHTTPServer(bot *Bot, webhookMode bool) *HTTPServer {
	return &HTTPServer{
		bot:         bot,
		webhookMode: webhookMode,
	}
}

// RegisterRoutes registers Mini App routes on the provided mux
func (hs *HTTPServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/products", hs.authMiddleware(hs.handleProducts))
	mux.HandleFunc("GET /api/products/{id}", hs.authMiddleware(hs.handleProduct))
	mux.HandleFunc("POST /api/products/{id}/buy", hs.authMiddleware(hs.handleBuy))
	mux.HandleFunc("GET /api/me", hs.authMiddleware(hs.handleMe))
}

// initDataUser is the Telegram user an initData string was issued for
type initDataUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// validateTelegramInitData validates the Telegram Mini App initData and
// returns the user it was issued for
func (hs *HTTPServer) validateTelegramInitData(initData string) (initDataUser, error) {
	if initData == "" {
		return initDataUser{}, fmt.Errorf("missing initData")
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return initDataUser{}, fmt.Errorf("invalid initData format: %w", err)
	}

	hash := values.Get("hash")
	if hash == "" {
		return initDataUser{}, fmt.Errorf("missing hash in initData")
	}
	values.Del("hash")

	// Create data-check-string
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var dataCheckString strings.Builder
	for i, k := range keys {
		if i > 0 {
			dataCheckString.WriteByte('\n')
		}
		dataCheckString.WriteString(k)
		dataCheckString.WriteByte('=')
		dataCheckString.WriteString(values.Get(k))
	}

	secretKey := hmac.New(sha256.New, []byte("WebAppData"))
	secretKey.Write([]byte(hs.bot.token))
	secret := secretKey.Sum(nil)

	h := hmac.New(sha256.New, secret)
	h.Write([]byte(dataCheckString.String()))
	calculatedHash := hex.EncodeToString(h.Sum(nil))

	if !hmac.Equal([]byte(calculatedHash), []byte(hash)) {
		return initDataUser{}, fmt.Errorf("invalid hash")
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return initDataUser{}, fmt.Errorf("missing auth_date")
	}
	if hs.bot.now().Sub(time.Unix(authDate, 0)) > initDataMaxAge {
		return initDataUser{}, fmt.Errorf("initData is too old")
	}

	userStr := values.Get("user")
	if userStr == "" {
		return initDataUser{}, fmt.Errorf("missing user data")
	}

	var userData initDataUser
	if err := json.Unmarshal([]byte(userStr), &userData); err != nil {
		return initDataUser{}, fmt.Errorf("invalid user data: %w", err)
	}
	if userData.ID == 0 {
		return initDataUser{}, fmt.Errorf("missing user id")
	}

	return userData, nil
}

// authMiddleware validates Telegram Mini App authentication.
// In polling mode requests without credentials pass through anonymously.
func (hs *HTTPServer) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" && !hs.webhookMode {
			hs.bot.logger.Debug("Anonymous request (polling mode)",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			next(w, r)
			return
		}

		if !strings.HasPrefix(authHeader, "tma ") {
			hs.bot.logger.Warn("Missing or invalid authorization header")
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		user, err := hs.validateTelegramInitData(strings.TrimPrefix(authHeader, "tma "))
		if err != nil {
			hs.bot.logger.Warn("Failed to validate initData",
				zap.Error(err),
				zap.String("remote_addr", r.RemoteAddr),
			)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		// Mini App users may never have opened the chat
		if _, err := hs.bot.store.EnsureUser(r.Context(), user.ID, user.Username); err != nil {
			hs.bot.logger.Error("Failed to register Mini App user", zap.Int64("user_id", user.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Service unavailable")
			return
		}

		on, err := hs.bot.store.Maintenance(r.Context())
		if err == nil && on && !hs.bot.isAdmin(user.ID) {
			writeError(w, http.StatusServiceUnavailable, "Maintenance")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, user.ID)
		next(w, r.WithContext(ctx))
	}
}

func requestUser(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(userIDKey).(int64)
	return id, ok && id != 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// productView is the public representation of a product. Content is never exposed here.
type productView struct {
	ID          int64           `json:"id"`
	SellerID    int64           `json:"seller_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
}

func newProductView(p models.Product) productView {
	return productView{
		ID:          p.ID,
		SellerID:    p.SellerID,
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price,
		Quantity:    p.Quantity,
	}
}

func (hs *HTTPServer) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := hs.bot.market.ListProducts(r.Context(), productsPageSize)
	if err != nil {
		hs.bot.logger.Error("Failed to list products", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch products")
		return
	}

	views := make([]productView, 0, len(products))
	for _, p := range products {
		views = append(views, newProductView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (hs *HTTPServer) handleProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid product id")
		return
	}

	product, _, err := hs.bot.market.Product(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Product not found")
		return
	}
	if err != nil {
		hs.bot.logger.Error("Failed to load product", zap.Int64("product_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch product")
		return
	}
	writeJSON(w, http.StatusOK, newProductView(product))
}

type purchaseView struct {
	OrderID       int64           `json:"order_id"`
	ProductID     int64           `json:"product_id"`
	Title         string          `json:"title"`
	Price         decimal.Decimal `json:"price"`
	Balance       decimal.Decimal `json:"balance"`
	Content       string          `json:"content,omitempty"`
	ContentFileID string          `json:"content_file_id,omitempty"`
}

func (hs *HTTPServer) handleBuy(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, ok := parseID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid product id")
		return
	}

	purchase, err := hs.bot.market.Buy(r.Context(), userID, id)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Product not found")
		return
	case errors.Is(err, storage.ErrOutOfStock):
		writeError(w, http.StatusConflict, "Out of stock")
		return
	case errors.Is(err, storage.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "Insufficient funds")
		return
	default:
		hs.bot.logger.Error("Purchase via Mini App failed",
			zap.Int64("user_id", userID),
			zap.Int64("product_id", id),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Purchase failed")
		return
	}

	// The chat copy of the content keeps Mini App purchases visible in history
	hs.bot.deliverContent(userID, purchase.Product)

	writeJSON(w, http.StatusCreated, purchaseView{
		OrderID:       purchase.Order.ID,
		ProductID:     purchase.Order.ProductID,
		Title:         purchase.Order.ProductTitle,
		Price:         purchase.Order.Price,
		Balance:       purchase.BuyerBalance,
		Content:       purchase.Product.ContentText,
		ContentFileID: purchase.Product.ContentFileID,
	})
}

type orderView struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"product_id"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

type meView struct {
	ID       int64           `json:"id"`
	Username string          `json:"username,omitempty"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	Orders   []orderView     `json:"orders"`
}

func (hs *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := hs.bot.store.GetUser(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Start the bot first")
		return
	}
	if err != nil {
		hs.bot.logger.Error("Failed to load user", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch user")
		return
	}

	orders, err := hs.bot.market.Orders(r.Context(), userID, ordersPageSize)
	if err != nil {
		hs.bot.logger.Error("Failed to list orders", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch orders")
		return
	}

	view := meView{
		ID:       user.ID,
		Username: user.Username,
		Balance:  user.Balance,
		Currency: hs.bot.market.Currency(),
		Orders:   make([]orderView, 0, len(orders)),
	}
	for _, o := range orders {
		view.Orders = append(view.Orders, orderView{
			ID:        o.ID,
			ProductID: o.ProductID,
			Title:     o.ProductTitle,
			Price:     o.Price,
			CreatedAt: o.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, view)
}
