package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/buiqtuan/demo-trade/internal/models"
)

type errorResponse struct {
	Error     string    `json:"error"`
	ErrorCode string    `json:"error_code"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg, details string) {
	s.writeJSON(w, status, errorResponse{
		Error:     msg,
		ErrorCode: code,
		Timestamp: s.now().UTC(),
		Details:   details,
	})
}

// parseSymbols validates the comma-separated symbol list: trimmed,
// uppercased, deduplicated preserving order, 1..100 entries.
func parseSymbols(raw string) ([]string, bool) {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		s := models.NormalizeSymbol(part)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 || len(out) > maxQuoteBatch {
		return nil, false
	}
	return out, true
}

type quotesResponse struct {
	Quotes    []models.Quote `json:"quotes"`
	Total     int            `json:"total"`
	CacheHit  bool           `json:"cache_hit"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	symbols, ok := parseSymbols(r.URL.Query().Get("symbols"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_symbols",
			"symbols must be a comma-separated list of 1 to 100 symbols", "")
		return
	}

	found, err := s.reader.GetQuotes(r.Context(), symbols)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "cache_error", "could not read quotes", err.Error())
		return
	}

	// Response order follows request order; unknown symbols are absent.
	quotes := make([]models.Quote, 0, len(found))
	for _, symbol := range symbols {
		if q, ok := found[symbol]; ok {
			quotes = append(quotes, q)
		}
	}
	s.writeJSON(w, http.StatusOK, quotesResponse{
		Quotes:    quotes,
		Total:     len(quotes),
		CacheHit:  len(quotes) > 0,
		Timestamp: s.now().UTC(),
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := models.NormalizeSymbol(mux.Vars(r)["symbol"])
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol cannot be blank", "")
		return
	}

	found, err := s.reader.GetQuotes(r.Context(), []string{symbol})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "cache_error", "could not read quote", err.Error())
		return
	}
	quote, ok := found[symbol]
	if !ok {
		s.writeError(w, http.StatusNotFound, "quote_not_found", "quote not in cache", symbol)
		return
	}
	s.writeJSON(w, http.StatusOK, quote)
}

type assetsResponse struct {
	Assets    []models.Asset   `json:"assets"`
	AssetType models.AssetType `json:"asset_type"`
	Total     int              `json:"total"`
	CacheHit  bool             `json:"cache_hit"`
	Timestamp time.Time        `json:"timestamp"`
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assetType := models.AssetType(strings.ToLower(mux.Vars(r)["type"]))
	if !assetType.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid_asset_type",
			"asset type must be stocks, crypto, or forex", string(assetType))
		return
	}

	assets, err := s.reader.GetAssets(r.Context(), assetType)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "cache_error", "could not read assets", err.Error())
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	s.writeJSON(w, http.StatusOK, assetsResponse{
		Assets:    assets,
		AssetType: assetType,
		Total:     len(assets),
		CacheHit:  len(assets) > 0,
		Timestamp: s.now().UTC(),
	})
}

type newsResponse struct {
	Articles  []models.NewsArticle `json:"articles"`
	Total     int                  `json:"total"`
	CacheHit  bool                 `json:"cache_hit"`
	Timestamp time.Time            `json:"timestamp"`
}

func (s *Server) serveNews(w http.ResponseWriter, r *http.Request, key string) {
	articles, err := s.reader.GetNews(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "cache_error", "could not read news", err.Error())
		return
	}
	if articles == nil {
		articles = []models.NewsArticle{}
	}
	s.writeJSON(w, http.StatusOK, newsResponse{
		Articles:  articles,
		Total:     len(articles),
		CacheHit:  len(articles) > 0,
		Timestamp: s.now().UTC(),
	})
}

func (s *Server) handleGeneralNews(w http.ResponseWriter, r *http.Request) {
	s.serveNews(w, r, "general")
}

func (s *Server) handleSymbolNews(w http.ResponseWriter, r *http.Request) {
	symbol := models.NormalizeSymbol(mux.Vars(r)["symbol"])
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol cannot be blank", "")
		return
	}
	s.serveNews(w, r, symbol)
}

func (s *Server) handleActiveSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.reader.GetActiveSymbols(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "cache_error", "could not read active symbols", err.Error())
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"symbols":   symbols,
		"total":     len(symbols),
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.status.Status(r.Context()),
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stats":     s.reader.Stats(r.Context()),
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.reader.Ping(r.Context()) == nil
	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	s.writeJSON(w, status, map[string]any{
		"status":         state,
		"app":            s.appName,
		"version":        s.appVersion,
		"uptime_seconds": int64(s.now().Sub(s.startedAt).Seconds()),
		"timestamp":      s.now().UTC(),
	})
}

// handleReady gates readiness on cache reachability, loops running, and a
// recent last-update stamp.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	reasons := make([]string, 0, 3)
	if err := s.reader.Ping(r.Context()); err != nil {
		reasons = append(reasons, "cache unreachable")
	}
	if !s.status.Running() {
		reasons = append(reasons, "background tasks not running")
	}
	if !s.recentUpdate() {
		reasons = append(reasons, "no recent task completion")
	}

	if len(reasons) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":     false,
			"reasons":   reasons,
			"timestamp": s.now().UTC(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ready":     true,
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) recentUpdate() bool {
	now := s.now()
	for _, ts := range s.status.LastUpdates() {
		if now.Sub(ts) < readinessWindow {
			return true
		}
	}
	return false
}
