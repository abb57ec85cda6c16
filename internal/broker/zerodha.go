package broker

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oipulse/oipulse/internal/clock"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/pquerna/otp/totp"
)

const (
	kiteLoginBase = "https://kite.zerodha.com"
	kiteAPIBase   = "https://api.kite.trade"
	spotSymbol    = "NSE:NIFTY 50"
)

// errStopRedirect aborts the connect/login redirect so the request token
// can be read off the Location header instead of being consumed.
var errStopRedirect = errors.New("stop redirect")

// ZerodhaClient implements Broker over the Kite Connect REST API. Login is
// username/password plus TOTP to obtain a request token, which is exchanged
// for an access token cached for the trading day.
type ZerodhaClient struct {
	creds     Credentials
	client    *http.Client
	loginBase string
	apiBase   string
	accessTok string
	tokenDate string
	instMap   map[string]int64 // tradingsymbol -> instrument_token
}

var _ Broker = (*ZerodhaClient)(nil)

// NewZerodhaClient creates an unconnected client.
func NewZerodhaClient(creds Credentials) *ZerodhaClient {
	jar, _ := cookiejar.New(nil)
	return &ZerodhaClient{
		creds:     creds,
		loginBase: kiteLoginBase,
		apiBase:   kiteAPIBase,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// The OAuth redirect carries the request token; never follow it.
				if strings.Contains(req.URL.RawQuery, "request_token") {
					return errStopRedirect
				}
				return nil
			},
		},
		instMap: make(map[string]int64),
	}
}

// WithBaseURLs overrides the endpoints, for tests against a local server.
func (z *ZerodhaClient) WithBaseURLs(loginBase, apiBase string) *ZerodhaClient {
	z.loginBase = loginBase
	z.apiBase = apiBase
	return z
}

// Name identifies the adapter.
func (z *ZerodhaClient) Name() string { return "zerodha" }

// Connect runs the full login flow unless a token from today is cached.
func (z *ZerodhaClient) Connect(ctx context.Context) error {
	today := clock.SessionDate(time.Now())
	if z.accessTok != "" && z.tokenDate == today {
		return nil
	}

	requestID, err := z.login(ctx)
	if err != nil {
		return fmt.Errorf("zerodha login: %w", err)
	}
	if err := z.twofa(ctx, requestID); err != nil {
		return fmt.Errorf("zerodha twofa: %w", err)
	}
	requestToken, err := z.fetchRequestToken(ctx)
	if err != nil {
		return fmt.Errorf("zerodha request token: %w", err)
	}
	if err := z.exchangeToken(ctx, requestToken); err != nil {
		return fmt.Errorf("zerodha session token: %w", err)
	}
	z.tokenDate = today

	if err := z.loadInstruments(ctx); err != nil {
		return fmt.Errorf("zerodha instruments: %w", err)
	}
	return nil
}

func (z *ZerodhaClient) login(ctx context.Context) (string, error) {
	form := url.Values{
		"user_id":  {z.creds.UserID},
		"password": {z.creds.Password},
	}
	var resp struct {
		Data struct {
			RequestID string `json:"request_id"`
		} `json:"data"`
	}
	if err := z.postForm(ctx, z.loginBase+"/api/login", form, &resp); err != nil {
		return "", err
	}
	if resp.Data.RequestID == "" {
		return "", errors.New("login response missing request_id")
	}
	return resp.Data.RequestID, nil
}

func (z *ZerodhaClient) twofa(ctx context.Context, requestID string) error {
	code, err := totp.GenerateCode(z.creds.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generating TOTP: %w", err)
	}
	form := url.Values{
		"user_id":     {z.creds.UserID},
		"request_id":  {requestID},
		"twofa_value": {code},
		"twofa_type":  {"totp"},
	}
	return z.postForm(ctx, z.loginBase+"/api/twofa", form, nil)
}

// fetchRequestToken hits connect/login and pulls request_token out of the
// blocked OAuth redirect.
func (z *ZerodhaClient) fetchRequestToken(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/connect/login?v=3&api_key=%s", z.loginBase, url.QueryEscape(z.creds.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := z.client.Do(req)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		// The deliberate redirect stop is the success path.
		if ue := new(url.Error); errors.As(err, &ue) && errors.Is(ue.Err, errStopRedirect) {
			loc, perr := url.Parse(ue.URL)
			if perr != nil {
				return "", fmt.Errorf("parsing redirect URL: %w", perr)
			}
			token := loc.Query().Get("request_token")
			if token == "" {
				return "", errors.New("redirect carried no request_token")
			}
			return token, nil
		}
		return "", err
	}
	// No redirect happened; look for the token on the final URL.
	if token := resp.Request.URL.Query().Get("request_token"); token != "" {
		return token, nil
	}
	return "", errors.New("login flow did not yield a request token")
}

func (z *ZerodhaClient) exchangeToken(ctx context.Context, requestToken string) error {
	sum := sha256.Sum256([]byte(z.creds.APIKey + requestToken + z.creds.APISecret))
	form := url.Values{
		"api_key":       {z.creds.APIKey},
		"request_token": {requestToken},
		"checksum":      {hex.EncodeToString(sum[:])},
	}
	var resp struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := z.postForm(ctx, z.apiBase+"/session/token", form, &resp); err != nil {
		return err
	}
	if resp.Data.AccessToken == "" {
		return errors.New("token exchange returned empty access_token")
	}
	z.accessTok = resp.Data.AccessToken
	return nil
}

// loadInstruments downloads the NFO instrument dump and maps tradingsymbols
// to the instrument tokens the historical-data API requires.
func (z *ZerodhaClient) loadInstruments(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, z.apiBase+"/instruments/NFO", nil)
	if err != nil {
		return err
	}
	z.authorize(req)
	resp, err := z.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return z.apiError(resp)
	}

	r := csv.NewReader(resp.Body)
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("reading instrument header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	tokIdx, symIdx := col["instrument_token"], col["tradingsymbol"]

	z.instMap = make(map[string]int64)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading instrument row: %w", err)
		}
		tok, err := strconv.ParseInt(rec[tokIdx], 10, 64)
		if err != nil {
			continue
		}
		z.instMap[rec[symIdx]] = tok
	}
	return nil
}

// GetSpotPrice returns the NIFTY 50 index LTP.
func (z *ZerodhaClient) GetSpotPrice(ctx context.Context) (float64, error) {
	ltp, err := z.quoteLTP(ctx, spotSymbol)
	if err != nil {
		return 0, fmt.Errorf("zerodha spot: %w", err)
	}
	return ltp.Price, nil
}

// GetLTP returns the last traded price of one option contract.
func (z *ZerodhaClient) GetLTP(ctx context.Context, key models.OptionKey) (models.LTP, error) {
	ltp, err := z.quoteLTP(ctx, "NFO:"+key.Symbol())
	if err != nil {
		return models.LTP{}, fmt.Errorf("zerodha ltp %s: %w", key, err)
	}
	return ltp, nil
}

func (z *ZerodhaClient) quoteLTP(ctx context.Context, instrument string) (models.LTP, error) {
	u := fmt.Sprintf("%s/quote/ltp?i=%s", z.apiBase, url.QueryEscape(instrument))
	var resp struct {
		Data map[string]struct {
			LastPrice float64 `json:"last_price"`
		} `json:"data"`
	}
	if err := z.getJSON(ctx, u, &resp); err != nil {
		return models.LTP{}, err
	}
	q, ok := resp.Data[instrument]
	if !ok {
		return models.LTP{}, fmt.Errorf("no quote for %s", instrument)
	}
	return models.LTP{Timestamp: time.Now().In(clock.Location()), Price: q.LastPrice}, nil
}

// GetFiveMinuteBar fetches the latest completed 5-minute candle ending at
// or before end.
func (z *ZerodhaClient) GetFiveMinuteBar(ctx context.Context, key models.OptionKey, end time.Time) (models.OptionBar, error) {
	token, ok := z.instMap[key.Symbol()]
	if !ok {
		return models.OptionBar{}, fmt.Errorf("zerodha: no instrument token for %s", key.Symbol())
	}
	from := end.Add(-15 * time.Minute)
	u := fmt.Sprintf("%s/instruments/historical/%d/5minute?from=%s&to=%s&oi=1",
		z.apiBase, token,
		url.QueryEscape(from.Format("2006-01-02 15:04:05")),
		url.QueryEscape(end.Format("2006-01-02 15:04:05")))

	var resp struct {
		Data struct {
			Candles [][]any `json:"candles"`
		} `json:"data"`
	}
	if err := z.getJSON(ctx, u, &resp); err != nil {
		return models.OptionBar{}, fmt.Errorf("zerodha candles %s: %w", key, err)
	}
	if len(resp.Data.Candles) == 0 {
		return models.OptionBar{}, fmt.Errorf("zerodha candles %s: no completed bar before %s", key, end.Format("15:04"))
	}
	return parseKiteCandle(resp.Data.Candles[len(resp.Data.Candles)-1])
}

// GetOptionChain fetches the latest bar with OI for each strike of the
// expiry, both CE and PE.
func (z *ZerodhaClient) GetOptionChain(ctx context.Context, expiry string, strikes []int) ([]models.ChainBar, error) {
	now := time.Now().In(clock.Location())
	rows := make([]models.ChainBar, 0, len(strikes)*2)
	for _, strike := range strikes {
		for _, typ := range []models.OptionType{models.OptionTypeCE, models.OptionTypePE} {
			key := models.OptionKey{Strike: strike, Type: typ, Expiry: expiry}
			bar, err := z.GetFiveMinuteBar(ctx, key, now)
			if err != nil {
				// Thinly traded strikes may have no bar yet; skip them.
				continue
			}
			rows = append(rows, models.ChainBar{Key: key, Bar: bar})
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("zerodha chain %s: no bars for any strike", expiry)
	}
	return rows, nil
}

// GetNextExpiry scans the instrument dump for the nearest NIFTY weekly
// expiry on or after today.
func (z *ZerodhaClient) GetNextExpiry(ctx context.Context) (string, error) {
	if len(z.instMap) == 0 {
		if err := z.loadInstruments(ctx); err != nil {
			return "", err
		}
	}
	today := clock.SessionDate(time.Now())
	best := ""
	for sym := range z.instMap {
		exp, ok := expiryFromSymbol(sym)
		if !ok || exp < today {
			continue
		}
		if best == "" || exp < best {
			best = exp
		}
	}
	if best == "" {
		return "", errors.New("zerodha: no future expiry in instrument dump")
	}
	return best, nil
}

// IsMarketOpen approximates with the local session clock; Kite has no
// market-clock endpoint.
func (z *ZerodhaClient) IsMarketOpen(_ context.Context) (bool, error) {
	return clock.IsMarketOpen(time.Now()), nil
}

// Logout invalidates the access token.
func (z *ZerodhaClient) Logout(ctx context.Context) error {
	if z.accessTok == "" {
		return nil
	}
	u := fmt.Sprintf("%s/session/token?api_key=%s&access_token=%s",
		z.apiBase, url.QueryEscape(z.creds.APIKey), url.QueryEscape(z.accessTok))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	z.authorize(req)
	resp, err := z.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	z.accessTok = ""
	return nil
}

func (z *ZerodhaClient) authorize(req *http.Request) {
	req.Header.Set("X-Kite-Version", "3")
	if z.accessTok != "" {
		req.Header.Set("Authorization", "token "+z.creds.APIKey+":"+z.accessTok)
	}
}

func (z *ZerodhaClient) postForm(ctx context.Context, u string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	z.authorize(req)
	resp, err := z.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return z.apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (z *ZerodhaClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	z.authorize(req)
	resp, err := z.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return z.apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (z *ZerodhaClient) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// parseKiteCandle decodes [timestamp, o, h, l, c, volume, oi].
func parseKiteCandle(c []any) (models.OptionBar, error) {
	if len(c) < 6 {
		return models.OptionBar{}, fmt.Errorf("malformed candle with %d fields", len(c))
	}
	raw, ok := c[0].(string)
	if !ok {
		return models.OptionBar{}, fmt.Errorf("candle timestamp is %T, want string", c[0])
	}
	ts, err := time.ParseInLocation("2006-01-02T15:04:05-0700", raw, clock.Location())
	if err != nil {
		// Kite also emits a space-separated variant.
		ts, err = time.ParseInLocation("2006-01-02 15:04:05", raw, clock.Location())
		if err != nil {
			return models.OptionBar{}, fmt.Errorf("parsing candle timestamp %q: %w", raw, err)
		}
	}
	return models.OptionBar{
		Timestamp:    ts,
		Open:         asFloat(c[1]),
		High:         asFloat(c[2]),
		Low:          asFloat(c[3]),
		Close:        asFloat(c[4]),
		Volume:       int64(asFloat(c[5])),
		OpenInterest: oiField(c),
	}, nil
}

func oiField(c []any) int64 {
	if len(c) > 6 {
		return int64(asFloat(c[6]))
	}
	return 0
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

// expiryFromSymbol recovers YYYY-MM-DD from a NIFTY weekly tradingsymbol of
// the NIFTY<YYMMDD><strike><type> shape produced by OptionKey.Symbol.
func expiryFromSymbol(sym string) (string, bool) {
	if !strings.HasPrefix(sym, "NIFTY") || len(sym) < 13 {
		return "", false
	}
	raw := sym[5:11]
	t, err := time.ParseInLocation("060102", raw, clock.Location())
	if err != nil {
		return "", false
	}
	return t.Format("2006-01-02"), true
}
