package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/retry"
)

// Gateway endpoints. Paths are identical for paper and real accounts; the
// base URL and the order transaction ids differ.
const (
	pathToken       = "/oauth2/tokenP"
	pathPrice       = "/uapi/domestic-stock/v1/quotations/inquire-price"
	pathDailyChart  = "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice"
	pathVolumeRank  = "/uapi/domestic-stock/v1/quotations/volume-rank"
	pathOrderCash   = "/uapi/domestic-stock/v1/trading/order-cash"
	pathOrderCancel = "/uapi/domestic-stock/v1/trading/order-rvsecncl"
	pathDailyFills  = "/uapi/domestic-stock/v1/trading/inquire-daily-ccld"
	pathBalance     = "/uapi/domestic-stock/v1/trading/inquire-balance"
)

// Quotation transaction ids, shared by both account types.
const (
	trIDPrice      = "FHKST01010100"
	trIDDailyChart = "FHKST03010100"
	trIDVolumeRank = "FHPST01710000"
)

// trPurpose names an API call class whose transaction id depends on the
// account type.
type trPurpose int

const (
	trOrderBuy trPurpose = iota
	trOrderSell
	trOrderStatus
	trOrderCancel
	trBalance
)

var paperTRIDs = map[trPurpose]string{
	trOrderBuy:    "VTTC0802U",
	trOrderSell:   "VTTC0801U",
	trOrderStatus: "VTTC8001R",
	trOrderCancel: "VTTC0803U",
	trBalance:     "VTTC8434R",
}

var realTRIDs = map[trPurpose]string{
	trOrderBuy:    "TTTC0802U",
	trOrderSell:   "TTTC0801U",
	trOrderStatus: "TTTC8001R",
	trOrderCancel: "TTTC0803U",
	trBalance:     "TTTC8434R",
}

const balanceCacheKey = "account_balance"

// hts_avls is quoted in hundred-million won units.
var hundredMillionWon = decimal.NewFromInt(100_000_000)

// KISClient talks to the KIS open API over REST. One client serves one
// account in one mode. All methods are safe for concurrent use.
type KISClient struct {
	client      *http.Client
	baseURL     string
	appKey      string
	appSecret   string
	accountNo   string
	productCode string
	real        bool

	limiter  *rate.Limiter
	logger   zerolog.Logger
	loc      *time.Location
	retryCfg retry.Config

	tokenMu        sync.Mutex
	token          string
	tokenExpiry    time.Time
	tokenMargin    time.Duration
	tokenCachePath string
	prewarmHour    int
	prewarmedOn    string // KST date of the last prewarm

	balances   *cache.Cache
	balanceTTL time.Duration

	netMu            sync.Mutex
	networkDownSince time.Time

	pollInterval time.Duration
}

// NewKISClient builds a REST client from the broker section of the config.
// A token cached on disk by an earlier run is adopted when still valid.
func NewKISClient(cfg *config.Config, logger zerolog.Logger) *KISClient {
	c := &KISClient{
		client:      &http.Client{Timeout: cfg.HTTPTimeout()},
		baseURL:     strings.TrimRight(cfg.BrokerBaseURL(), "/"),
		appKey:      cfg.Broker.AppKey,
		appSecret:   cfg.Broker.AppSecret,
		accountNo:   cfg.Broker.AccountNo,
		productCode: cfg.Broker.ProductCode,
		real:        cfg.Mode() == models.ModeReal,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Broker.RateLimitPerSec), 1),
		logger:      logger.With().Str("component", "kis").Logger(),
		loc:         marketcal.KST(),
		retryCfg: retry.Config{
			MaxRetries:     cfg.Broker.MaxRetries,
			InitialBackoff: cfg.RetryBaseDelay(),
			MaxBackoff:     30 * time.Second,
		},
		tokenMargin:    cfg.TokenRefreshMargin(),
		tokenCachePath: cfg.TokenCacheFile(),
		prewarmHour:    cfg.Broker.TokenPrewarmHour,
		balances:       cache.New(cfg.BalanceCacheTTL(), time.Minute),
		balanceTTL:     cfg.BalanceCacheTTL(),
		pollInterval:   2 * time.Second,
	}

	c.tokenMu.Lock()
	c.loadTokenCacheLocked()
	c.tokenMu.Unlock()

	c.logger.Info().
		Bool("real", c.real).
		Str("order_buy_tr", c.trID(trOrderBuy)).
		Str("order_sell_tr", c.trID(trOrderSell)).
		Msg("kis client ready")
	return c
}

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func (c *KISClient) WithHTTPClient(hc *http.Client) *KISClient {
	c.client = hc
	return c
}

func (c *KISClient) trID(p trPurpose) string {
	if c.real {
		return realTRIDs[p]
	}
	return paperTRIDs[p]
}

// ============ Token Lifecycle ============

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type tokenCacheFile struct {
	AccessToken    string `json:"access_token"`
	TokenExpiresAt string `json:"token_expires_at"`
	UpdatedAt      string `json:"updated_at"`
	LastPrewarm    string `json:"last_prewarm_date,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
}

// GetAccessToken returns a token with more than the refresh margin left,
// issuing a fresh one when needed.
func (c *KISClient) GetAccessToken(ctx context.Context) (string, error) {
	return c.accessToken(ctx, false)
}

func (c *KISClient) accessToken(ctx context.Context, force bool) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := time.Now().In(c.loc)
	if !force {
		if c.tokenUsable(now) {
			return c.token, nil
		}
		// Another process may have refreshed the shared cache file already.
		c.loadTokenCacheLocked()
		if c.tokenUsable(now) {
			return c.token, nil
		}
	}

	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.appKey,
		"appsecret":  c.appSecret,
	}
	var resp tokenResponse
	err := retry.Do(ctx, c.retryCfg, IsTransient, func() error {
		return c.doJSON(ctx, http.MethodPost, pathToken, nil, nil, body, &resp)
	})
	if err != nil {
		return "", fmt.Errorf("issuing access token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", &APIError{Status: http.StatusOK, Body: "token response without access_token"}
	}

	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 86400
	}
	c.token = resp.AccessToken
	c.tokenExpiry = now.Add(time.Duration(expiresIn) * time.Second)
	c.saveTokenCacheLocked()
	c.logger.Info().Time("expires_at", c.tokenExpiry).Msg("access token issued")
	return c.token, nil
}

// tokenUsable reports whether the in-memory token still has more than the
// refresh margin left. Callers hold tokenMu.
func (c *KISClient) tokenUsable(now time.Time) bool {
	if c.token == "" || c.tokenExpiry.IsZero() {
		return false
	}
	return now.Before(c.tokenExpiry.Add(-c.tokenMargin))
}

// PrewarmToken issues the daily token once the prewarm hour has passed, at
// most once per KST date. Failures are logged and retried on a later call.
func (c *KISClient) PrewarmToken(ctx context.Context) bool {
	now := time.Now().In(c.loc)
	if now.Hour() < c.prewarmHour {
		return false
	}
	today := now.Format("2006-01-02")

	c.tokenMu.Lock()
	done := c.prewarmedOn == today
	c.tokenMu.Unlock()
	if done {
		return false
	}

	if _, err := c.accessToken(ctx, false); err != nil {
		c.logger.Warn().Err(err).Msg("token prewarm failed")
		return false
	}

	c.tokenMu.Lock()
	c.prewarmedOn = today
	c.saveTokenCacheLocked()
	c.tokenMu.Unlock()

	c.logger.Info().Str("date", today).Msg("access token prewarmed")
	return true
}

// loadTokenCacheLocked adopts a token cached by an earlier run. Callers
// hold tokenMu.
func (c *KISClient) loadTokenCacheLocked() {
	raw, err := os.ReadFile(c.tokenCachePath)
	if err != nil {
		return
	}
	var tc tokenCacheFile
	if err := json.Unmarshal(raw, &tc); err != nil {
		c.logger.Warn().Err(err).Str("path", c.tokenCachePath).Msg("token cache unreadable")
		return
	}
	// A token issued for another environment is useless here.
	if tc.BaseURL != "" && tc.BaseURL != c.baseURL {
		return
	}
	if tc.LastPrewarm != "" {
		c.prewarmedOn = tc.LastPrewarm
	}
	expiry, err := time.Parse(time.RFC3339, tc.TokenExpiresAt)
	if err != nil || tc.AccessToken == "" {
		return
	}
	c.token = tc.AccessToken
	c.tokenExpiry = expiry.In(c.loc)
}

// saveTokenCacheLocked writes the cache file atomically. Callers hold
// tokenMu.
func (c *KISClient) saveTokenCacheLocked() {
	if c.token == "" || c.tokenExpiry.IsZero() {
		return
	}
	now := time.Now().In(c.loc)
	raw, err := json.MarshalIndent(tokenCacheFile{
		AccessToken:    c.token,
		TokenExpiresAt: c.tokenExpiry.In(c.loc).Format(time.RFC3339),
		UpdatedAt:      now.Format(time.RFC3339),
		LastPrewarm:    c.prewarmedOn,
		BaseURL:        c.baseURL,
	}, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.tokenCachePath), 0o750); err != nil {
		c.logger.Warn().Err(err).Msg("token cache dir")
		return
	}
	tmp := c.tokenCachePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		c.logger.Warn().Err(err).Msg("token cache write")
		return
	}
	if err := os.Rename(tmp, c.tokenCachePath); err != nil {
		c.logger.Warn().Err(err).Msg("token cache rename")
	}
}

// ============ Request Plumbing ============

// doJSON performs one HTTP exchange against the gateway. The gateway
// reports business rejects as rt_cd != "0" inside a 200, so both layers
// are checked here. Transport failures stamp the outage clock; any 200
// clears it.
func (c *KISClient) doJSON(ctx context.Context, method, path string, header map[string]string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.markNetworkDown()
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("closing response body")
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
	if err != nil {
		c.markNetworkDown()
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read body", method, path)}
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, path, strings.TrimSpace(string(raw)))}
	}
	c.markNetworkUp()

	// The token endpoint has no envelope; an absent rt_cd decodes as "".
	var envelope struct {
		RtCd  string `json:"rt_cd"`
		MsgCd string `json:"msg_cd"`
		Msg1  string `json:"msg1"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	if envelope.RtCd != "" && envelope.RtCd != "0" {
		return &APIError{Status: resp.StatusCode, Code: envelope.MsgCd, Body: strings.TrimSpace(envelope.Msg1)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
		}
	}
	return nil
}

// authedJSON performs an authenticated exchange, forcing one token refresh
// and a single replay when the gateway rejects the credential. The replay
// is safe for orders too: a request rejected at auth never reached order
// matching.
func (c *KISClient) authedJSON(ctx context.Context, method, path, trID string, query url.Values, body, out any) error {
	token, err := c.accessToken(ctx, false)
	if err != nil {
		return err
	}
	err = c.doJSON(ctx, method, path, c.authHeaders(token, trID), query, body, out)
	if !isAuthExpired(err) {
		return err
	}

	c.logger.Warn().Str("path", path).Msg("credential rejected, forcing token refresh")
	token, rerr := c.accessToken(ctx, true)
	if rerr != nil {
		return err
	}
	return c.doJSON(ctx, method, path, c.authHeaders(token, trID), query, body, out)
}

// getJSON is authedJSON for read-only calls, with the transient retry
// budget applied.
func (c *KISClient) getJSON(ctx context.Context, path, trID string, query url.Values, out any) error {
	return retry.Do(ctx, c.retryCfg, IsTransient, func() error {
		return c.authedJSON(ctx, http.MethodGet, path, trID, query, nil, out)
	})
}

func (c *KISClient) authHeaders(token, trID string) map[string]string {
	return map[string]string{
		"authorization": "Bearer " + token,
		"appkey":        c.appKey,
		"appsecret":     c.appSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}
}

// isAuthExpired matches a 401 or the gateway's expired-token message code.
func isAuthExpired(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Code == "EGW00123"
}

// ============ Market Data ============

type priceResponse struct {
	Output struct {
		Price       string `json:"stck_prpr"`
		PrevClose   string `json:"stck_sdpr"`
		Open        string `json:"stck_oprc"`
		High        string `json:"stck_hgpr"`
		Low         string `json:"stck_lwpr"`
		ChangeRate  string `json:"prdy_ctrt"`
		Volume      string `json:"acml_vol"`
		TradedValue string `json:"acml_tr_pbmn"`
		MarketCap   string `json:"hts_avls"`
		StatusCode  string `json:"iscd_stat_cls_code"`
		TempStop    string `json:"temp_stop_yn"`
	} `json:"output"`
}

// GetCurrentPrice returns the live quote for one symbol.
func (c *KISClient) GetCurrentPrice(ctx context.Context, symbol string) (*Quote, error) {
	query := url.Values{}
	query.Set("FID_COND_MRKT_DIV_CODE", "J")
	query.Set("FID_INPUT_ISCD", symbol)

	var resp priceResponse
	if err := c.getJSON(ctx, pathPrice, trIDPrice, query, &resp); err != nil {
		return nil, fmt.Errorf("current price %s: %w", symbol, err)
	}

	out := resp.Output
	q := &Quote{
		Symbol:      symbol,
		Price:       parseDec(out.Price),
		PrevClose:   parseDec(out.PrevClose),
		Open:        parseDec(out.Open),
		High:        parseDec(out.High),
		Low:         parseDec(out.Low),
		ChangeRate:  parseDec(out.ChangeRate),
		Volume:      parseInt(out.Volume),
		TradedValue: parseDec(out.TradedValue),
		MarketCap:   parseDec(out.MarketCap).Mul(hundredMillionWon),
		// Status 58 is a trading halt, 51 a managed issue.
		Halted:     out.TempStop == "Y" || out.StatusCode == "58",
		Management: out.StatusCode == "51",
		Time:       time.Now().In(c.loc),
	}
	if q.Price.IsZero() {
		return nil, fmt.Errorf("current price %s: empty quote", symbol)
	}
	return q, nil
}

type dailyChartResponse struct {
	Output2 []struct {
		Date        string `json:"stck_bsop_date"`
		Open        string `json:"stck_oprc"`
		High        string `json:"stck_hgpr"`
		Low         string `json:"stck_lwpr"`
		Close       string `json:"stck_clpr"`
		Volume      string `json:"acml_vol"`
		TradedValue string `json:"acml_tr_pbmn"`
	} `json:"output2"`
}

// GetDailyOHLCV returns up to n daily bars, most recent first. The chart
// endpoint serves at most 100 rows per call, so older history is paged by
// sliding the end date past the oldest row seen.
func (c *KISClient) GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]models.DailyBar, error) {
	if n <= 0 {
		return nil, fmt.Errorf("daily bars %s: bar count must be positive", symbol)
	}

	now := time.Now().In(c.loc)
	end := now
	// Two calendar days per trading day plus slack covers weekends and
	// holiday runs.
	start := now.AddDate(0, 0, -(n*2 + 14))

	bars := make([]models.DailyBar, 0, n)
	seen := make(map[string]bool)

	for page := 0; page < 5 && len(bars) < n; page++ {
		query := url.Values{}
		query.Set("FID_COND_MRKT_DIV_CODE", "J")
		query.Set("FID_INPUT_ISCD", symbol)
		query.Set("FID_INPUT_DATE_1", start.Format("20060102"))
		query.Set("FID_INPUT_DATE_2", end.Format("20060102"))
		query.Set("FID_PERIOD_DIV_CODE", "D")
		query.Set("FID_ORG_ADJ_PRC", "0")

		var resp dailyChartResponse
		if err := c.getJSON(ctx, pathDailyChart, trIDDailyChart, query, &resp); err != nil {
			return nil, fmt.Errorf("daily bars %s: %w", symbol, err)
		}
		if len(resp.Output2) == 0 {
			break
		}

		var oldest time.Time
		for _, row := range resp.Output2 {
			if row.Date == "" || seen[row.Date] {
				continue
			}
			day, err := time.ParseInLocation("20060102", row.Date, c.loc)
			if err != nil {
				continue
			}
			closePx := parseDec(row.Close)
			if closePx.IsZero() {
				continue
			}
			seen[row.Date] = true
			if oldest.IsZero() || day.Before(oldest) {
				oldest = day
			}
			bars = append(bars, models.DailyBar{
				Date:   day,
				Open:   parseDec(row.Open),
				High:   parseDec(row.High),
				Low:    parseDec(row.Low),
				Close:  closePx,
				Volume: parseInt(row.Volume),
				Value:  parseDec(row.TradedValue),
			})
		}

		if len(resp.Output2) < 100 || oldest.IsZero() {
			break
		}
		end = oldest.AddDate(0, 0, -1)
	}

	if len(bars) == 0 {
		return nil, fmt.Errorf("daily bars %s: no rows", symbol)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.After(bars[j].Date) })
	if len(bars) > n {
		bars = bars[:n]
	}
	return bars, nil
}

type volumeRankResponse struct {
	Output []struct {
		Symbol      string `json:"mksc_shrn_iscd"`
		Name        string `json:"hts_kor_isnm"`
		Price       string `json:"stck_prpr"`
		ChangeRate  string `json:"prdy_ctrt"`
		Volume      string `json:"acml_vol"`
		TradedValue string `json:"acml_tr_pbmn"`
		MarketCap   string `json:"hts_avls"`
	} `json:"output"`
}

// VolumeRank returns the exchange volume ranking re-sorted by traded value,
// capped at limit. Some paper environments do not serve this endpoint; the
// universe service falls back to per-symbol snapshots on error.
func (c *KISClient) VolumeRank(ctx context.Context, limit int) ([]RankedStock, error) {
	if limit <= 0 {
		limit = 30
	}

	query := url.Values{}
	query.Set("FID_COND_MRKT_DIV_CODE", "J")
	query.Set("FID_COND_SCR_DIV_CODE", "20171")
	query.Set("FID_INPUT_ISCD", "0000")
	query.Set("FID_DIV_CLS_CODE", "0")
	query.Set("FID_BLNG_CLS_CODE", "0")
	query.Set("FID_TRGT_CLS_CODE", "111111111")
	query.Set("FID_TRGT_EXLS_CLS_CODE", "000000")
	query.Set("FID_INPUT_PRICE_1", "0")
	query.Set("FID_INPUT_PRICE_2", "0")
	query.Set("FID_VOL_CNT", "0")
	query.Set("FID_INPUT_DATE_1", "")

	var resp volumeRankResponse
	if err := c.getJSON(ctx, pathVolumeRank, trIDVolumeRank, query, &resp); err != nil {
		return nil, fmt.Errorf("volume rank: %w", err)
	}

	ranked := make([]RankedStock, 0, len(resp.Output))
	for _, row := range resp.Output {
		if !models.ValidSymbol(row.Symbol) {
			continue
		}
		price := parseDec(row.Price)
		volume := parseInt(row.Volume)
		value := parseDec(row.TradedValue)
		if value.IsZero() && price.IsPositive() && volume > 0 {
			value = price.Mul(decimal.NewFromInt(volume))
		}
		ranked = append(ranked, RankedStock{
			Symbol:      row.Symbol,
			Name:        strings.TrimSpace(row.Name),
			Price:       price,
			ChangeRate:  parseDec(row.ChangeRate),
			Volume:      volume,
			TradedValue: value,
			MarketCap:   parseDec(row.MarketCap).Mul(hundredMillionWon),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].TradedValue.GreaterThan(ranked[j].TradedValue)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

// ============ Account ============

type balanceResponse struct {
	Output1 []struct {
		Symbol       string `json:"pdno"`
		Name         string `json:"prdt_name"`
		Quantity     string `json:"hldg_qty"`
		AvgPrice     string `json:"pchs_avg_pric"`
		CurrentPrice string `json:"prpr"`
		EvalAmount   string `json:"evlu_amt"`
		PnL          string `json:"evlu_pfls_amt"`
		PnLRate      string `json:"evlu_pfls_rt"`
	} `json:"output1"`
	Output2 []struct {
		Cash        string `json:"dnca_tot_amt"`
		TotalEquity string `json:"tot_evlu_amt"`
		TotalPnL    string `json:"evlu_pfls_smtl_amt"`
	} `json:"output2"`
}

// GetAccountBalance returns the account summary with holdings. Results are
// cached briefly; order fills invalidate the cache.
func (c *KISClient) GetAccountBalance(ctx context.Context) (*Balance, error) {
	if cached, ok := c.balances.Get(balanceCacheKey); ok {
		if bal, ok := cached.(*Balance); ok {
			c.logger.Debug().Msg("balance served from cache")
			return cloneBalance(bal), nil
		}
	}

	query := url.Values{}
	query.Set("CANO", c.accountNo)
	query.Set("ACNT_PRDT_CD", c.productCode)
	query.Set("AFHR_FLPR_YN", "N")
	query.Set("OFL_YN", "")
	query.Set("INQR_DVSN", "02")
	query.Set("UNPR_DVSN", "01")
	query.Set("FUND_STTL_ICLD_YN", "N")
	query.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	query.Set("PRCS_DVSN", "00")
	query.Set("CTX_AREA_FK100", "")
	query.Set("CTX_AREA_NK100", "")

	var resp balanceResponse
	if err := c.getJSON(ctx, pathBalance, c.trID(trBalance), query, &resp); err != nil {
		return nil, fmt.Errorf("account balance: %w", err)
	}

	bal := &Balance{}
	for _, row := range resp.Output1 {
		qty := parseInt(row.Quantity)
		if qty <= 0 {
			continue
		}
		bal.Holdings = append(bal.Holdings, Holding{
			Symbol:       row.Symbol,
			Name:         strings.TrimSpace(row.Name),
			Quantity:     qty,
			AvgPrice:     parseDec(row.AvgPrice),
			CurrentPrice: parseDec(row.CurrentPrice),
			EvalAmount:   parseDec(row.EvalAmount),
			PnL:          parseDec(row.PnL),
			PnLRate:      parseDec(row.PnLRate),
		})
	}
	if len(resp.Output2) > 0 {
		s := resp.Output2[0]
		bal.Cash = parseDec(s.Cash)
		bal.TotalEquity = parseDec(s.TotalEquity)
		bal.UnrealizedPnL = parseDec(s.TotalPnL)
	}

	c.balances.Set(balanceCacheKey, bal, c.balanceTTL)
	return cloneBalance(bal), nil
}

func cloneBalance(b *Balance) *Balance {
	cp := *b
	cp.Holdings = append([]Holding(nil), b.Holdings...)
	return &cp
}

// ============ Orders ============

type orderResponse struct {
	Output struct {
		OrderNo   string `json:"ODNO"`
		OrderTime string `json:"ORD_TMD"`
	} `json:"output"`
}

// PlaceBuyOrder submits a market buy. Submission is never retried: after a
// transport error the order may or may not exist on the venue, and only
// the executions ledger can say which.
func (c *KISClient) PlaceBuyOrder(ctx context.Context, symbol string, qty int64) (*OrderResult, error) {
	return c.placeOrder(ctx, models.SideBuy, symbol, qty)
}

// PlaceSellOrder submits a market sell. Same no-retry rule as buys.
func (c *KISClient) PlaceSellOrder(ctx context.Context, symbol string, qty int64) (*OrderResult, error) {
	return c.placeOrder(ctx, models.SideSell, symbol, qty)
}

func (c *KISClient) placeOrder(ctx context.Context, side models.Side, symbol string, qty int64) (*OrderResult, error) {
	if !models.ValidSymbol(symbol) {
		return nil, fmt.Errorf("place order: %q is not a six-digit stock code", symbol)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("place order %s: quantity must be positive, got %d", symbol, qty)
	}

	purpose := trOrderSell
	if side == models.SideBuy {
		purpose = trOrderBuy
	}
	body := map[string]string{
		"CANO":         c.accountNo,
		"ACNT_PRDT_CD": c.productCode,
		"PDNO":         symbol,
		"ORD_DVSN":     "01", // market order
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     "0",
	}

	var resp orderResponse
	if err := c.authedJSON(ctx, http.MethodPost, pathOrderCash, c.trID(purpose), nil, body, &resp); err != nil {
		return nil, fmt.Errorf("%s order %s x%d: %w", strings.ToLower(string(side)), symbol, qty, err)
	}
	if resp.Output.OrderNo == "" {
		return nil, fmt.Errorf("%s order %s x%d: accepted without an order number", strings.ToLower(string(side)), symbol, qty)
	}

	// Fills change the balance; drop the cached copy.
	c.balances.Delete(balanceCacheKey)

	c.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Int64("qty", qty).
		Str("order_no", resp.Output.OrderNo).
		Msg("order submitted")
	return &OrderResult{OrderNo: resp.Output.OrderNo, OrderTime: resp.Output.OrderTime}, nil
}

type dailyFillsResponse struct {
	Output1 []struct {
		OrderNo    string `json:"odno"`
		Symbol     string `json:"pdno"`
		SideCode   string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
		OrderQty   string `json:"ord_qty"`
		FilledQty  string `json:"tot_ccld_qty"`
		OrderPrice string `json:"ord_unpr"`
		AvgPrice   string `json:"avg_prvs"`
	} `json:"output1"`
}

// GetOrderStatus looks up one order in today's executions ledger.
// ErrOrderNotFound means the venue has no row yet, which is normal right
// after submission.
func (c *KISClient) GetOrderStatus(ctx context.Context, orderNo string) (*ExecutionStatus, error) {
	if orderNo == "" {
		return nil, fmt.Errorf("order status: empty order number")
	}

	today := time.Now().In(c.loc).Format("20060102")
	query := url.Values{}
	query.Set("CANO", c.accountNo)
	query.Set("ACNT_PRDT_CD", c.productCode)
	query.Set("INQR_STRT_DT", today)
	query.Set("INQR_END_DT", today)
	query.Set("SLL_BUY_DVSN_CD", "00")
	query.Set("INQR_DVSN", "00")
	query.Set("PDNO", "")
	query.Set("CCLD_DVSN", "00")
	query.Set("ORD_GNO_BRNO", "")
	query.Set("ODNO", orderNo)
	query.Set("INQR_DVSN_3", "00")
	query.Set("INQR_DVSN_1", "")
	query.Set("CTX_AREA_FK100", "")
	query.Set("CTX_AREA_NK100", "")

	var resp dailyFillsResponse
	if err := c.getJSON(ctx, pathDailyFills, c.trID(trOrderStatus), query, &resp); err != nil {
		return nil, fmt.Errorf("order status %s: %w", orderNo, err)
	}

	// Some environments ignore the ODNO filter, so match explicitly.
	for _, row := range resp.Output1 {
		if row.OrderNo != orderNo {
			continue
		}
		side := models.SideSell
		if row.SideCode == "02" {
			side = models.SideBuy
		}
		ordered := parseInt(row.OrderQty)
		filled := parseInt(row.FilledQty)
		return &ExecutionStatus{
			OrderNo:      row.OrderNo,
			Symbol:       row.Symbol,
			Side:         side,
			OrderQty:     ordered,
			FilledQty:    filled,
			RemainingQty: ordered - filled,
			OrderPrice:   parseDec(row.OrderPrice),
			AvgPrice:     parseDec(row.AvgPrice),
		}, nil
	}
	return nil, fmt.Errorf("order status %s: %w", orderNo, ErrOrderNotFound)
}

// WaitForExecution polls the executions ledger until the order fills or the
// budget runs out. On timeout the remainder is cancelled and the final fill
// count decides between FILLED, PARTIAL and CANCELLED. Poll errors are
// logged and polling continues.
func (c *KISClient) WaitForExecution(ctx context.Context, orderNo string, expectedQty int64, timeout time.Duration) (*ExecutionOutcome, error) {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	start := time.Now()
	deadline := start.Add(timeout)

	var lastFilled int64
	var lastAvg decimal.Decimal

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		status, err := c.GetOrderStatus(ctx, orderNo)
		switch {
		case err == nil:
			if status.FilledQty > lastFilled {
				c.logger.Info().
					Str("order_no", orderNo).
					Int64("filled", status.FilledQty).
					Int64("expected", expectedQty).
					Msg("fill progress")
			}
			lastFilled = status.FilledQty
			lastAvg = status.AvgPrice
			if status.FilledQty >= expectedQty {
				c.balances.Delete(balanceCacheKey)
				return &ExecutionOutcome{
					Status:    models.OrderFilled,
					FilledQty: status.FilledQty,
					AvgPrice:  status.AvgPrice,
					Waited:    time.Since(start),
				}, nil
			}
		case errors.Is(err, ErrOrderNotFound):
			// The ledger lags a fresh submission; keep polling.
		default:
			c.logger.Warn().Err(err).Str("order_no", orderNo).Msg("fill check failed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	c.logger.Warn().
		Str("order_no", orderNo).
		Dur("timeout", timeout).
		Int64("filled", lastFilled).
		Msg("execution wait timed out")

	// Settle: read the final state, then cancel whatever still rests.
	filled, avg, remaining := lastFilled, lastAvg, expectedQty-lastFilled
	status, err := c.GetOrderStatus(ctx, orderNo)
	switch {
	case err == nil:
		filled, avg, remaining = status.FilledQty, status.AvgPrice, status.RemainingQty
	case errors.Is(err, ErrOrderNotFound):
	default:
		return nil, fmt.Errorf("final status after timeout: %w", err)
	}

	if remaining > 0 {
		if cerr := c.CancelOrder(ctx, orderNo); cerr != nil {
			return nil, fmt.Errorf("cancel after timeout: %w", cerr)
		}
	}
	c.balances.Delete(balanceCacheKey)

	outcome := &ExecutionOutcome{FilledQty: filled, AvgPrice: avg, Waited: time.Since(start)}
	switch {
	case expectedQty > 0 && filled >= expectedQty:
		outcome.Status = models.OrderFilled
	case filled > 0:
		outcome.Status = models.OrderPartial
	default:
		outcome.Status = models.OrderCancelled
	}
	return outcome, nil
}

// CancelOrder cancels the full remaining quantity of a live order.
// Cancellation is idempotent on the venue, so the transient retry budget
// applies.
func (c *KISClient) CancelOrder(ctx context.Context, orderNo string) error {
	if orderNo == "" {
		return fmt.Errorf("cancel order: empty order number")
	}

	body := map[string]string{
		"CANO":               c.accountNo,
		"ACNT_PRDT_CD":       c.productCode,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          orderNo,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02", // cancel, not revise
		"ORD_QTY":            "0",
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}

	err := retry.Do(ctx, c.retryCfg, IsTransient, func() error {
		return c.authedJSON(ctx, http.MethodPost, pathOrderCancel, c.trID(trOrderCancel), nil, body, nil)
	})
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderNo, err)
	}
	c.logger.Info().Str("order_no", orderNo).Msg("order cancelled")
	return nil
}

// ============ Outage Tracking ============

func (c *KISClient) markNetworkDown() {
	c.netMu.Lock()
	defer c.netMu.Unlock()
	if c.networkDownSince.IsZero() {
		c.networkDownSince = time.Now()
		c.logger.Warn().Msg("network failure detected")
	}
}

func (c *KISClient) markNetworkUp() {
	c.netMu.Lock()
	defer c.netMu.Unlock()
	if !c.networkDownSince.IsZero() {
		c.logger.Warn().Dur("down_for", time.Since(c.networkDownSince)).Msg("network recovered")
		c.networkDownSince = time.Time{}
	}
}

// OutageFor reports whether every request has been failing for at least d.
func (c *KISClient) OutageFor(d time.Duration) bool {
	c.netMu.Lock()
	defer c.netMu.Unlock()
	if c.networkDownSince.IsZero() {
		return false
	}
	return time.Since(c.networkDownSince) >= d
}

// ============ Parsing Helpers ============

// parseDec reads a gateway decimal. The feed uses plain digit strings but
// occasionally adds thousands separators; empty and malformed values read
// as zero.
func parseDec(s string) decimal.Decimal {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseInt(s string) int64 {
	return parseDec(s).IntPart()
}

var _ Broker = (*KISClient)(nil)
