package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/pquerna/otp/totp"
)

const (
	angelAPIBase    = "https://apiconnect.angelbroking.com"
	angelScripURL   = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"
	angelSpotToken  = "99926000" // NIFTY 50 index token on NSE
)

// angelInstrument is one row of the SmartAPI instrument master.
type angelInstrument struct {
	Token      string `json:"token"`
	Symbol     string `json:"symbol"`
	Name       string `json:"name"`
	Expiry     string `json:"expiry"` // DDMMMYYYY, e.g. 27AUG2026
	Strike     string `json:"strike"` // price in paise
	LotSize    string `json:"lotsize"`
	InstType   string `json:"instrumenttype"`
	ExchSeg    string `json:"exch_seg"`
}

// AngelOneClient implements Broker over the SmartAPI REST endpoints. The
// session is TOTP-authenticated; an instrument master JSON is downloaded at
// connect. Candle data carries no OI, so OI is merged in from the quote
// endpoint.
type AngelOneClient struct {
	creds    Credentials
	client   *http.Client
	apiBase  string
	scripURL string
	jwt      string
	tokens   map[string]string // OptionKey.String() -> symboltoken
	lots     int
}

var _ Broker = (*AngelOneClient)(nil)

// NewAngelOneClient creates an unconnected client.
func NewAngelOneClient(creds Credentials) *AngelOneClient {
	return &AngelOneClient{
		creds:    creds,
		apiBase:  angelAPIBase,
		scripURL: angelScripURL,
		client:   &http.Client{Timeout: 30 * time.Second},
		tokens:   make(map[string]string),
	}
}

// WithBaseURLs overrides the endpoints, for tests against a local server.
func (a *AngelOneClient) WithBaseURLs(apiBase, scripURL string) *AngelOneClient {
	a.apiBase = apiBase
	a.scripURL = scripURL
	return a
}

// Name identifies the adapter.
func (a *AngelOneClient) Name() string { return "angelone" }

// Connect logs in with clientcode/password/TOTP and downloads the
// instrument master.
func (a *AngelOneClient) Connect(ctx context.Context) error {
	code := a.creds.TOTPToken
	if a.creds.TOTPSecret != "" {
		generated, err := totp.GenerateCode(a.creds.TOTPSecret, time.Now())
		if err != nil {
			return fmt.Errorf("angelone totp: %w", err)
		}
		code = generated
	}

	body := map[string]string{
		"clientcode": a.creds.UserID,
		"password":   a.creds.Password,
		"totp":       code,
	}
	var resp struct {
		Status bool `json:"status"`
		Data   struct {
			JWTToken string `json:"jwtToken"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := a.postJSON(ctx, "/rest/auth/angelbroking/user/v1/loginByPassword", body, &resp); err != nil {
		return fmt.Errorf("angelone login: %w", err)
	}
	if !resp.Status || resp.Data.JWTToken == "" {
		return fmt.Errorf("angelone login rejected: %s", resp.Message)
	}
	a.jwt = resp.Data.JWTToken

	if err := a.loadScripMaster(ctx); err != nil {
		return fmt.Errorf("angelone scrip master: %w", err)
	}
	return nil
}

// loadScripMaster downloads the instrument master and indexes NIFTY NFO
// option tokens by OptionKey.
func (a *AngelOneClient) loadScripMaster(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.scripURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return a.apiError(resp)
	}

	var rows []angelInstrument
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return fmt.Errorf("parsing scrip master: %w", err)
	}

	a.tokens = make(map[string]string)
	for _, row := range rows {
		if row.ExchSeg != "NFO" || row.Name != "NIFTY" || row.InstType != "OPTIDX" {
			continue
		}
		key, ok := keyFromScrip(row)
		if !ok {
			continue
		}
		a.tokens[key.String()] = row.Token
		if n, err := strconv.Atoi(row.LotSize); err == nil && n > 0 {
			a.lots = n
		}
	}
	if len(a.tokens) == 0 {
		return errors.New("scrip master yielded no NIFTY option tokens")
	}
	return nil
}

// GetSpotPrice returns the NIFTY index LTP.
func (a *AngelOneClient) GetSpotPrice(ctx context.Context) (float64, error) {
	ltp, _, err := a.quote(ctx, "NSE", angelSpotToken)
	if err != nil {
		return 0, fmt.Errorf("angelone spot: %w", err)
	}
	return ltp, nil
}

// GetLTP returns the last traded price of one option contract.
func (a *AngelOneClient) GetLTP(ctx context.Context, key models.OptionKey) (models.LTP, error) {
	token, ok := a.tokens[key.String()]
	if !ok {
		return models.LTP{}, fmt.Errorf("angelone: no token for %s", key)
	}
	ltp, _, err := a.quote(ctx, "NFO", token)
	if err != nil {
		return models.LTP{}, fmt.Errorf("angelone ltp %s: %w", key, err)
	}
	return models.LTP{Timestamp: time.Now().In(clock.Location()), Price: ltp}, nil
}

// quote hits the full-quote endpoint, returning LTP and open interest.
func (a *AngelOneClient) quote(ctx context.Context, exchange, token string) (float64, int64, error) {
	body := map[string]any{
		"mode": "FULL",
		"exchangeTokens": map[string][]string{
			exchange: {token},
		},
	}
	var resp struct {
		Status bool `json:"status"`
		Data   struct {
			Fetched []struct {
				LTP float64 `json:"ltp"`
				OI  int64   `json:"opnInterest"`
			} `json:"fetched"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := a.postJSON(ctx, "/rest/secure/angelbroking/market/v1/quote/", body, &resp); err != nil {
		return 0, 0, err
	}
	if !resp.Status || len(resp.Data.Fetched) == 0 {
		return 0, 0, fmt.Errorf("quote rejected: %s", resp.Message)
	}
	return resp.Data.Fetched[0].LTP, resp.Data.Fetched[0].OI, nil
}

// GetFiveMinuteBar fetches the latest completed candle and merges OI from
// the quote endpoint, since SmartAPI candles carry none.
func (a *AngelOneClient) GetFiveMinuteBar(ctx context.Context, key models.OptionKey, end time.Time) (models.OptionBar, error) {
	token, ok := a.tokens[key.String()]
	if !ok {
		return models.OptionBar{}, fmt.Errorf("angelone: no token for %s", key)
	}
	from := end.Add(-15 * time.Minute)
	body := map[string]string{
		"exchange":    "NFO",
		"symboltoken": token,
		"interval":    "FIVE_MINUTE",
		"fromdate":    from.In(clock.Location()).Format("2006-01-02 15:04"),
		"todate":      end.In(clock.Location()).Format("2006-01-02 15:04"),
	}
	var resp struct {
		Status  bool    `json:"status"`
		Data    [][]any `json:"data"`
		Message string  `json:"message"`
	}
	if err := a.postJSON(ctx, "/rest/secure/angelbroking/historical/v1/getCandleData", body, &resp); err != nil {
		return models.OptionBar{}, fmt.Errorf("angelone candles %s: %w", key, err)
	}
	if !resp.Status || len(resp.Data) == 0 {
		return models.OptionBar{}, fmt.Errorf("angelone candles %s: no completed bar before %s", key, end.Format("15:04"))
	}

	bar, err := parseAngelCandle(resp.Data[len(resp.Data)-1])
	if err != nil {
		return models.OptionBar{}, err
	}
	_, oi, err := a.quote(ctx, "NFO", token)
	if err != nil {
		return models.OptionBar{}, fmt.Errorf("angelone oi %s: %w", key, err)
	}
	bar.OpenInterest = oi
	return bar, nil
}

// GetOptionChain fetches the latest bar with OI for each strike of the
// expiry, both CE and PE.
func (a *AngelOneClient) GetOptionChain(ctx context.Context, expiry string, strikes []int) ([]models.ChainBar, error) {
	now := time.Now().In(clock.Location())
	rows := make([]models.ChainBar, 0, len(strikes)*2)
	for _, strike := range strikes {
		for _, typ := range []models.OptionType{models.OptionTypeCE, models.OptionTypePE} {
			key := models.OptionKey{Strike: strike, Type: typ, Expiry: expiry}
			bar, err := a.GetFiveMinuteBar(ctx, key, now)
			if err != nil {
				continue
			}
			rows = append(rows, models.ChainBar{Key: key, Bar: bar})
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("angelone chain %s: no bars for any strike", expiry)
	}
	return rows, nil
}

// GetNextExpiry scans the indexed tokens for the nearest expiry on or after
// today.
func (a *AngelOneClient) GetNextExpiry(_ context.Context) (string, error) {
	today := clock.SessionDate(time.Now())
	best := ""
	for k := range a.tokens {
		key, err := models.ParseOptionKey(k)
		if err != nil || key.Expiry < today {
			continue
		}
		if best == "" || key.Expiry < best {
			best = key.Expiry
		}
	}
	if best == "" {
		return "", errors.New("angelone: no future expiry in scrip master")
	}
	return best, nil
}

// IsMarketOpen approximates with the local session clock.
func (a *AngelOneClient) IsMarketOpen(_ context.Context) (bool, error) {
	return clock.IsMarketOpen(time.Now()), nil
}

// Logout ends the SmartAPI session.
func (a *AngelOneClient) Logout(ctx context.Context) error {
	if a.jwt == "" {
		return nil
	}
	body := map[string]string{"clientcode": a.creds.UserID}
	err := a.postJSON(ctx, "/rest/secure/angelbroking/user/v1/logout", body, nil)
	a.jwt = ""
	return err
}

// LotSize returns the lot size seen in the scrip master, 0 if unknown.
func (a *AngelOneClient) LotSize() int { return a.lots }

func (a *AngelOneClient) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-PrivateKey", a.creds.APIKey)
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-UserType", "USER")
	if a.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+a.jwt)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return a.apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *AngelOneClient) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// parseAngelCandle decodes [timestamp, o, h, l, c, volume].
func parseAngelCandle(c []any) (models.OptionBar, error) {
	if len(c) < 6 {
		return models.OptionBar{}, fmt.Errorf("malformed candle with %d fields", len(c))
	}
	raw, ok := c[0].(string)
	if !ok {
		return models.OptionBar{}, fmt.Errorf("candle timestamp is %T, want string", c[0])
	}
	ts, err := time.Parse("2006-01-02T15:04:05-07:00", raw)
	if err != nil {
		return models.OptionBar{}, fmt.Errorf("parsing candle timestamp %q: %w", raw, err)
	}
	return models.OptionBar{
		Timestamp: ts.In(clock.Location()),
		Open:      asFloat(c[1]),
		High:      asFloat(c[2]),
		Low:       asFloat(c[3]),
		Close:     asFloat(c[4]),
		Volume:    int64(asFloat(c[5])),
	}, nil
}

// keyFromScrip maps a scrip-master row to an OptionKey. Strike prices come
// in paise; expiry comes as DDMMMYYYY.
func keyFromScrip(row angelInstrument) (models.OptionKey, bool) {
	paise, err := strconv.ParseFloat(row.Strike, 64)
	if err != nil || paise <= 0 {
		return models.OptionKey{}, false
	}
	exp, err := time.Parse("02Jan2006", canonicalMonth(row.Expiry))
	if err != nil {
		return models.OptionKey{}, false
	}
	typ := models.OptionTypeCE
	if strings.HasSuffix(row.Symbol, "PE") {
		typ = models.OptionTypePE
	}
	return models.OptionKey{
		Strike: int(paise / 100),
		Type:   typ,
		Expiry: exp.Format("2006-01-02"),
	}, true
}

// canonicalMonth normalizes the all-caps month (27AUG2026) to Go's
// reference casing (27Aug2026).
func canonicalMonth(s string) string {
	if len(s) != 9 {
		return s
	}
	return s[:2] + s[2:3] + strings.ToLower(s[3:5]) + s[5:]
}
