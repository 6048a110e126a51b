// Package crawl talks to the e-courts portal: session handshakes,
// captcha-gated order searches, case detail lookups and PDF fetches.
// The portal is a stateful PHP application, so every task runs inside
// its own Session carrying the cookie jar and the rotating app token.
package crawl

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	cerrors "github.com/juddata/courtarchive/internal/errors"
	"github.com/juddata/courtarchive/internal/observability"
	"github.com/juddata/courtarchive/internal/registry"
	"github.com/juddata/courtarchive/pkg/types"
)

// DefaultBaseURL is the production e-courts endpoint.
const DefaultBaseURL = "https://services.ecourts.gov.in/ecourtindia_v6/"

// Default per-request deadlines. Searches and PDF fetches run against
// much slower backends than the form endpoints.
const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultSearchTimeout   = 60 * time.Second
	DefaultDownloadTimeout = 120 * time.Second

	// DefaultSecurityPageWait is how long to back off after the
	// portal serves its 405 security page before the one permitted
	// re-attempt.
	DefaultSecurityPageWait = 30 * time.Second
)

// portalDateLayout is the DD-MM-YYYY form the portal renders and
// accepts.
const portalDateLayout = "02-01-2006"

// orderTypeBoth asks for interim and final orders in a single search.
const orderTypeBoth = "both"

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36"

func formatPortalDate(t time.Time) string {
	return t.Format(portalDateLayout)
}

func parsePortalDate(s string) (time.Time, error) {
	t, err := time.Parse(portalDateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("crawl: parse portal date %q: %w", s, err)
	}
	return t, nil
}

// Config controls the portal client.
type Config struct {
	// BaseURL overrides the production portal, mainly for tests.
	BaseURL string

	RequestTimeout  time.Duration
	SearchTimeout   time.Duration
	DownloadTimeout time.Duration

	// SecurityPageWait is the pause after a 405 during the session
	// handshake.
	SecurityPageWait time.Duration

	// RequestsPerSecond is the portal-wide politeness budget shared
	// by every session. Zero disables client-side pacing.
	RequestsPerSecond float64

	Retry RetryPolicy
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = DefaultSearchTimeout
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.SecurityPageWait <= 0 {
		c.SecurityPageWait = DefaultSecurityPageWait
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryPolicy
	}
}

// Client is the shared, concurrency-safe side of the portal
// integration: configuration, the politeness limiter, the captcha
// solver and metrics. Per-task state lives in Sessions.
type Client struct {
	cfg     Config
	baseURL string
	origin  string
	limiter *rate.Limiter
	solver  CaptchaSolver
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewClient validates the configuration and builds a client. The
// solver is required because every order search is captcha-gated.
func NewClient(cfg Config, solver CaptchaSolver, metrics *observability.Metrics, logger *zap.Logger) (*Client, error) {
	if solver == nil {
		return nil, cerrors.New(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig,
			"crawl client needs a captcha solver")
	}
	cfg.applyDefaults()

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, cerrors.New(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig,
			fmt.Sprintf("invalid portal base url %q", cfg.BaseURL))
	}
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		cfg:     cfg,
		baseURL: base,
		origin:  u.Scheme + "://" + u.Host,
		limiter: limiter,
		solver:  solver,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// pageURL builds the portal's routing form: base?p=section/action.
func (c *Client) pageURL(page string) string {
	return c.baseURL + "?p=" + page
}

// captchaURL returns a fresh challenge image URL. The random suffix
// defeats intermediary caches, same as the portal's own frontend.
func (c *Client) captchaURL() string {
	id := uuid.New()
	return c.baseURL + "vendor/securimage/securimage_show.php?" + hex.EncodeToString(id[:])
}

func (c *Client) setHeaders(req *http.Request, form bool) {
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Accept-Language", "en-GB,en-US;q=0.9,en;q=0.8")
	req.Header.Set("Origin", c.origin)
	req.Header.Set("Referer", c.baseURL)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if form {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
}

// NewSession starts a fresh conversation with the portal: empty cookie
// jar, no app token. Call Init before anything else.
func (c *Client) NewSession() (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryCrawl, cerrors.CodeRequestFailed,
			"create cookie jar", err)
	}
	return &Session{
		client: c,
		// Deadlines come from per-request contexts, not a global
		// client timeout, because searches and PDF fetches need
		// different budgets.
		http: &http.Client{Jar: jar},
	}, nil
}

// Session is one task's conversation with the portal. The cookie jar
// pins the PHP session and the app token rotates with every JSON
// response. A Session is not safe for concurrent use; each worker
// creates its own.
type Session struct {
	client   *Client
	http     *http.Client
	appToken string

	// captchaFetches counts challenge images pulled in this session,
	// enforcing the per-task ceiling.
	captchaFetches int
}

// httpResult is a fully-read portal response. The retry layer only
// deals in transport errors; status handling is the caller's.
type httpResult struct {
	Status   int
	Body     []byte
	FinalURL string
}

func (r *httpResult) ensureOK(op string) error {
	if r.Status < 200 || r.Status > 299 {
		return cerrors.New(cerrors.ErrCategoryCrawl, cerrors.CodeRequestFailed,
			fmt.Sprintf("%s: portal returned HTTP %d", op, r.Status))
	}
	return nil
}

func statusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// do performs one logical request: wait for the limiter, then run the
// transport with retries, rebuilding the request each attempt so the
// body can be resent. Any received response, whatever its status, ends
// the retry loop.
func (s *Session) do(ctx context.Context, kind string, timeout time.Duration, build func() (*http.Request, error)) (*httpResult, error) {
	c := s.client
	if c.limiter != nil {
		start := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCategoryCrawl, cerrors.CodeRequestFailed,
				"rate limiter wait", err)
		}
		c.metrics.RateLimitWaits.Observe(time.Since(start).Seconds())
	}

	var res *httpResult
	err := c.cfg.Retry.Do(ctx, c.logger, kind, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := build()
		if err != nil {
			return err
		}
		req = req.WithContext(attemptCtx)

		resp, err := s.http.Do(req)
		if err != nil {
			c.metrics.CrawlRequests.WithLabelValues(kind, "transport_error").Inc()
			return cerrors.Wrap(cerrors.ErrCategoryCrawl, cerrors.CodeRequestFailed,
				kind+" request", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.metrics.CrawlRequests.WithLabelValues(kind, "transport_error").Inc()
			return cerrors.Wrap(cerrors.ErrCategoryCrawl, cerrors.CodeRequestFailed,
				kind+" read body", err)
		}

		c.metrics.CrawlRequests.WithLabelValues(kind, statusClass(resp.StatusCode)).Inc()
		res = &httpResult{
			Status:   resp.StatusCode,
			Body:     body,
			FinalURL: resp.Request.URL.String(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Session) get(ctx context.Context, kind, rawURL string, timeout time.Duration) (*httpResult, error) {
	return s.do(ctx, kind, timeout, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		s.client.setHeaders(req, false)
		return req, nil
	})
}

// apiEnvelope is the union of fields the portal's JSON responses
// carry. Non-JSON responses keep only the raw body; the search flow
// falls back to treating that as HTML.
type apiEnvelope struct {
	AppToken     string  `json:"app_token"`
	Status       flexInt `json:"status"`
	ErrorMsg     string  `json:"errormsg"`
	CourtDtData  string  `json:"court_dt_data"`
	HTML         string  `json:"html"`
	CaseData     string  `json:"case_data"`
	CasetypeList string  `json:"casetype_list"`
	DataList     string  `json:"data_list"`
	Order        string  `json:"order"`

	raw    []byte
	isJSON bool
}

// flexInt tolerates the portal rendering status as 1, "1" or 1.0
// depending on the code path that produced the response.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*f = flexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("crawl: malformed status %q", string(b))
	}
	*f = flexInt(int(v))
	return nil
}

func parseEnvelope(body []byte) *apiEnvelope {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &apiEnvelope{raw: body}
	}
	env := &apiEnvelope{}
	if err := json.Unmarshal(trimmed, env); err != nil {
		return &apiEnvelope{raw: body}
	}
	env.raw = body
	env.isJSON = true
	return env
}

// postForm submits one of the portal's ajax forms, injecting the
// protocol fields every endpoint requires, and rotates the app token
// when the response carries a fresh one.
func (s *Session) postForm(ctx context.Context, kind, page string, timeout time.Duration, form url.Values) (*apiEnvelope, error) {
	form.Set("ajax_req", "true")
	form.Set("app_token", s.appToken)
	encoded := form.Encode()

	res, err := s.do(ctx, kind, timeout, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, s.client.pageURL(page), strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		s.client.setHeaders(req, true)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	if err := res.ensureOK(kind); err != nil {
		return nil, err
	}

	env := parseEnvelope(res.Body)
	if env.isJSON && env.AppToken != "" {
		s.appToken = env.AppToken
	}
	return env, nil
}

// Init loads the court orders page to obtain the session cookie and
// the first app token. A 405 is the portal's security page; one
// backoff-and-retry is allowed before giving up as rate limited.
func (s *Session) Init(ctx context.Context) error {
	indexURL := s.client.pageURL("courtorder/index")
	res, err := s.get(ctx, "init", indexURL, s.client.cfg.RequestTimeout)
	if err != nil {
		return err
	}

	if res.Status == http.StatusMethodNotAllowed {
		s.client.logger.Warn("portal served the security page, backing off",
			zap.Duration("wait", s.client.cfg.SecurityPageWait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.client.cfg.SecurityPageWait):
		}
		res, err = s.get(ctx, "init", indexURL, s.client.cfg.RequestTimeout)
		if err != nil {
			return err
		}
		if res.Status == http.StatusMethodNotAllowed {
			return cerrors.New(cerrors.ErrCategoryCrawl, cerrors.CodeRateLimited,
				"portal kept serving the security page after backoff")
		}
	}
	if err := res.ensureOK("init"); err != nil {
		return err
	}

	token := extractAppToken(string(res.Body), res.FinalURL)
	if token == "" {
		return cerrors.New(cerrors.ErrCategoryCrawl, cerrors.CodeSessionExpired,
			"no app token on the court orders page")
	}
	s.appToken = token
	return nil
}

// SetCourtData selects the court complex for the session. The portal
// scopes all later searches to this selection.
func (s *Session) SetCourtData(ctx context.Context, court registry.CourtComplex) error {
	form := url.Values{
		"complex_code":        {court.ComplexCodeFull()},
		"selected_state_code": {court.StateCode},
		"selected_dist_code":  {court.DistrictCode},
		"selected_est_code":   {"null"},
	}
	env, err := s.postForm(ctx, "set_data", "casestatus/set_data", s.client.cfg.RequestTimeout, form)
	if err != nil {
		return err
	}
	if !env.isJSON || env.Status != 1 {
		return cerrors.New(cerrors.ErrCategoryCrawl, cerrors.CodeRequestFailed,
			fmt.Sprintf("portal refused court selection for complex %s", court.ComplexCode))
	}
	return nil
}

// SearchOrders runs the captcha-gated order search for the task's date
// range. It returns the result payload and true when the portal served
// listings, false with a nil error when the portal confirmed the
// window holds no orders, and an error for anything that leaves the
// window's contents unknown. Only a confirmed-empty window or a fully
// parsed payload may mark the task complete.
func (s *Session) SearchOrders(ctx context.Context, task types.Task, court registry.CourtComplex) (string, bool, error) {
	for attempt := 0; attempt <= SearchCaptchaRetries; attempt++ {
		captcha, err := s.solveCaptcha(ctx)
		if err != nil {
			return "", false, err
		}

		form := url.Values{
			"state_code":              {task.StateCode},
			"dist_code":               {task.DistrictCode},
			"court_complex":           {task.ComplexCode},
			"court_complex_arr":       {court.CourtNumbers},
			"est_code":                {""},
			"from_date":               {formatPortalDate(task.FromDate)},
			"to_date":                 {formatPortalDate(task.ToDate)},
			"fradorderdt":             {orderTypeBoth},
			"orderflagvaldate":        {orderTypeBoth},
			"order_date_captcha_code": {captcha},
		}
		env, err := s.postForm(ctx, "search", "courtorder/submitOrderDate", s.client.cfg.SearchTimeout, form)
		if err != nil {
			return "", false, err
		}

		if !env.isJSON {
			// Older portal builds answer with the results page
			// itself.
			return string(env.raw), true, nil
		}

		if msg := env.ErrorMsg; msg != "" {
			lower := strings.ToLower(msg)
			switch {
			case strings.Contains(lower, "captcha"):
				s.client.metrics.CaptchaRejected.Inc()
				s.client.logger.Debug("captcha rejected, solving a fresh one",
					zap.String("task", task.Key()))
				continue
			case strings.Contains(lower, "record not found"):
				return "", false, nil
			default:
				return "", false, cerrors.New(cerrors.ErrCategoryCrawl, cerrors.CodeRequestFailed,
					fmt.Sprintf("search rejected: %s", msg))
			}
		}

		if env.Status != 1 {
			// The portal reports an empty window with a
			// non-success status and no error message.
			return "", false, nil
		}
		if env.CourtDtData != "" {
			return env.CourtDtData, true, nil
		}
		if env.HTML != "" {
			return env.HTML, true, nil
		}
		return string(env.raw), true, nil
	}
	return "", false, cerrors.New(cerrors.ErrCategoryCrawl, cerrors.CodeCaptchaBudget,
		fmt.Sprintf("search captcha rejected %d times", SearchCaptchaRetries+1))
}

// CaseTypeCodes fetches the complex's case type dropdown and maps the
// short code ("OS") to the portal's internal code ("17^43").
func (s *Session) CaseTypeCodes(ctx context.Context, j types.Jurisdiction) (map[string]string, error) {
	form := url.Values{
		"state_code":         {j.StateCode},
		"dist_code":          {j.DistrictCode},
		"court_complex_code": {j.ComplexCode},
		"est_code":           {""},
		"search_type":        {"c_no"},
	}
	env, err := s.postForm(ctx, "case_type", "casestatus/fillCaseType", s.client.cfg.RequestTimeout, form)
	if err != nil {
		return nil, err
	}
	if !env.isJSON || env.CasetypeList == "" {
		return map[string]string{}, nil
	}
	return parseCaseTypeOptions(env.CasetypeList), nil
}

// SearchCaseStatus looks a case up by number and year, returning the
// candidate cases the portal lists. Rejected captchas are retried
// within the same budget as order searches.
func (s *Session) SearchCaseStatus(ctx context.Context, j types.Jurisdiction, caseTypeCode, caseNumber, year string) ([]CaseRef, error) {
	for attempt := 0; attempt <= SearchCaptchaRetries; attempt++ {
		captcha, err := s.solveCaptcha(ctx)
		if err != nil {
			return nil, err
		}

		form := url.Values{
			"state_code":         {j.StateCode},
			"dist_code":          {j.DistrictCode},
			"court_complex_code": {j.ComplexCode},
			"est_code":           {""},
			"case_type":          {caseTypeCode},
			"search_case_no":     {caseNumber},
			"case_no":            {caseNumber},
			"rgyear":             {year},
			"case_captcha_code":  {captcha},
		}
		env, err := s.postForm(ctx, "case_status", "casestatus/submitCaseNo", s.client.cfg.SearchTimeout, form)
		if err != nil {
			return nil, err
		}
		if !env.isJSON {
			return nil, nil
		}

		if msg := env.ErrorMsg; msg != "" {
			if strings.Contains(strings.ToLower(msg), "captcha") {
				s.client.metrics.CaptchaRejected.Inc()
				continue
			}
			s.client.logger.Debug("case status lookup rejected", zap.String("errormsg", msg))
			return nil, nil
		}
		if env.CaseData == "" {
			return nil, nil
		}
		return parseCaseList(env.CaseData), nil
	}
	return nil, cerrors.New(cerrors.ErrCategoryCrawl, cerrors.CodeCaptchaBudget,
		fmt.Sprintf("case status captcha rejected %d times", SearchCaptchaRetries+1))
}

// ViewCaseHistory fetches the full case record for one candidate from
// SearchCaseStatus. An empty string with a nil error means the portal
// had nothing to show.
func (s *Session) ViewCaseHistory(ctx context.Context, ref CaseRef) (string, error) {
	form := url.Values{
		"court_code":         {ref.CourtCode},
		"state_code":         {ref.StateCode},
		"dist_code":          {ref.DistCode},
		"court_complex_code": {ref.ComplexCode},
		"case_no":            {ref.InternalCaseNo},
		"cino":               {ref.CNR},
		"hideparty":          {ref.HideParty},
		"search_flag":        {ref.SearchFlag},
		"search_by":          {ref.SearchBy},
	}
	env, err := s.postForm(ctx, "view_history", "home/viewHistory", s.client.cfg.SearchTimeout, form)
	if err != nil {
		return "", err
	}
	if !env.isJSON || env.ErrorMsg != "" {
		return "", nil
	}
	return env.DataList, nil
}

// DownloadPDF resolves an order row's displayPdf handler into the
// actual document bytes. It returns (nil, nil) when the portal
// confirms no document exists for the row; an error means the document
// may exist but could not be fetched, which must keep the task
// incomplete.
func (s *Session) DownloadPDF(ctx context.Context, order Order) ([]byte, error) {
	args, ok := parseDisplayPDF(order.OnClick)
	if !ok {
		s.client.logger.Debug("order row has no displayPdf handler",
			zap.String("cnr", order.CNR))
		return nil, nil
	}

	form := url.Values{
		"normal_v":   {args.NormalV},
		"case_val":   {args.CaseVal},
		"court_code": {args.CourtCode},
		"filename":   {args.Filename},
		"appFlag":    {args.AppFlag},
	}
	env, err := s.postForm(ctx, "display_pdf", "home/display_pdf", s.client.cfg.SearchTimeout, form)
	if err != nil {
		return nil, err
	}
	if !env.isJSON || env.Order == "" {
		s.client.logger.Debug("portal reported no document for order",
			zap.String("cnr", order.CNR))
		return nil, nil
	}

	pdfURL := env.Order
	if !strings.HasPrefix(pdfURL, "http") {
		pdfURL = s.client.baseURL + strings.TrimLeft(pdfURL, "/")
	}

	res, err := s.get(ctx, "pdf", pdfURL, s.client.cfg.DownloadTimeout)
	if err != nil {
		return nil, err
	}
	if err := res.ensureOK("pdf"); err != nil {
		return nil, err
	}
	if len(res.Body) <= 100 || !bytes.HasPrefix(res.Body, []byte("%PDF")) {
		s.client.logger.Debug("portal served a non-pdf body for order",
			zap.String("cnr", order.CNR), zap.Int("bytes", len(res.Body)))
		return nil, nil
	}
	return res.Body, nil
}
