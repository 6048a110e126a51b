package crawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cerrors "github.com/juddata/courtarchive/internal/errors"
	"github.com/juddata/courtarchive/internal/observability"
	"github.com/juddata/courtarchive/internal/registry"
	"github.com/juddata/courtarchive/pkg/types"
)

const captchaImagePath = "/vendor/securimage/securimage_show.php"

// fakePortal imitates the e-courts frontend. Ajax pages register under
// their ?p= route, static content under a path prefix. The default
// fixture serves a court orders page with an app token and an endless
// supply of captcha images.
type fakePortal struct {
	srv   *httptest.Server
	mu    sync.Mutex
	pages map[string]http.HandlerFunc
	paths map[string]http.HandlerFunc
	hits  map[string]int
}

func newFakePortal(t *testing.T) *fakePortal {
	p := &fakePortal{
		pages: make(map[string]http.HandlerFunc),
		paths: make(map[string]http.HandlerFunc),
		hits:  make(map[string]int),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.route))
	t.Cleanup(p.srv.Close)

	p.page("courtorder/index", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><input type="hidden" name="app_token" value="tok-index"/></html>`))
	})
	p.path(captchaImagePath, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("captcha-png"))
	})
	return p
}

func (p *fakePortal) route(w http.ResponseWriter, r *http.Request) {
	if page := r.URL.Query().Get("p"); page != "" {
		p.bump(page)
		if h := p.lookupPage(page); h != nil {
			h(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}
	p.bump(r.URL.Path)
	if h := p.lookupPath(r.URL.Path); h != nil {
		h(w, r)
		return
	}
	http.NotFound(w, r)
}

func (p *fakePortal) page(name string, h http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages[name] = h
}

func (p *fakePortal) path(prefix string, h http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths[prefix] = h
}

func (p *fakePortal) lookupPage(name string) http.HandlerFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages[name]
}

func (p *fakePortal) lookupPath(path string) http.HandlerFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	for prefix, h := range p.paths {
		if strings.HasPrefix(path, prefix) {
			return h
		}
	}
	return nil
}

func (p *fakePortal) bump(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits[key]++
}

func (p *fakePortal) hitCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[key]
}

func portalJSON(w http.ResponseWriter, v map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fixedSolver answers every challenge the same way, or from a queue
// when answers is set.
type fixedSolver struct {
	mu      sync.Mutex
	answer  string
	answers []string
	err     error
	calls   int
}

func (s *fixedSolver) Solve(context.Context, []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if len(s.answers) > 0 {
		a := s.answers[0]
		s.answers = s.answers[1:]
		return a, nil
	}
	return s.answer, nil
}

func newPortalClient(t *testing.T, portal *fakePortal, solver CaptchaSolver) *Client {
	t.Helper()
	if solver == nil {
		solver = &fixedSolver{answer: "abc123"}
	}
	c, err := NewClient(Config{
		BaseURL:          portal.srv.URL,
		SecurityPageWait: 20 * time.Millisecond,
		Retry:            fastRetry(2),
	}, solver, observability.NewMetrics(), zap.NewNop())
	require.NoError(t, err)
	return c
}

func newPortalSession(t *testing.T, portal *fakePortal, solver CaptchaSolver) *Session {
	t.Helper()
	s, err := newPortalClient(t, portal, solver).NewSession()
	require.NoError(t, err)
	return s
}

func testCourt() registry.CourtComplex {
	return registry.CourtComplex{
		StateCode:    "29",
		StateName:    "Karnataka",
		DistrictCode: "9",
		DistrictName: "Mysuru",
		ComplexCode:  "1290105",
		ComplexName:  "Mysuru District Court Complex",
		CourtNumbers: "1,2,3",
		Flag:         "N",
	}
}

func testTask() types.Task {
	return types.Task{
		Jurisdiction: types.Jurisdiction{StateCode: "29", DistrictCode: "9", ComplexCode: "1290105"},
		FromDate:     types.Date(2024, time.January, 1),
		ToDate:       types.Date(2024, time.January, 2),
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{}, nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeInvalidConfig, cerrors.GetCode(err))

	_, err = NewClient(Config{BaseURL: "/not/absolute"}, &fixedSolver{}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeInvalidConfig, cerrors.GetCode(err))
}

func TestSessionInit_ExtractsToken(t *testing.T) {
	portal := newFakePortal(t)
	s := newPortalSession(t, portal, nil)

	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, "tok-index", s.appToken)
}

func TestSessionInit_SendsBrowserHeaders(t *testing.T) {
	portal := newFakePortal(t)
	var got http.Header
	portal.page("courtorder/index", func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`<input name="app_token" value="tok"/>`))
	})
	s := newPortalSession(t, portal, nil)

	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, "XMLHttpRequest", got.Get("X-Requested-With"))
	assert.Contains(t, got.Get("User-Agent"), "Chrome")
	assert.Contains(t, got.Get("Accept"), "application/json")
	assert.Equal(t, portal.srv.URL, got.Get("Origin"))
	assert.Equal(t, portal.srv.URL+"/", got.Get("Referer"))
}

func TestSessionInit_SecurityPageBackoff(t *testing.T) {
	portal := newFakePortal(t)
	served405 := false
	portal.page("courtorder/index", func(w http.ResponseWriter, _ *http.Request) {
		if !served405 {
			served405 = true
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(`<input name="app_token" value="tok-after-wait"/>`))
	})
	s := newPortalSession(t, portal, nil)

	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, "tok-after-wait", s.appToken)
	assert.Equal(t, 2, portal.hitCount("courtorder/index"))
}

func TestSessionInit_PersistentSecurityPage(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("courtorder/index", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	s := newPortalSession(t, portal, nil)

	err := s.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeRateLimited, cerrors.GetCode(err))
	assert.Equal(t, 2, portal.hitCount("courtorder/index"), "exactly one backed-off re-attempt")
}

func TestSessionInit_MissingTokenFails(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("courtorder/index", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>security check</html>`))
	})
	s := newPortalSession(t, portal, nil)

	err := s.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeSessionExpired, cerrors.GetCode(err))
}

func TestSetCourtData_SendsSelectionAndRotatesToken(t *testing.T) {
	portal := newFakePortal(t)
	var form map[string]string
	portal.page("casestatus/set_data", func(w http.ResponseWriter, r *http.Request) {
		form = map[string]string{
			"ajax_req":            r.PostFormValue("ajax_req"),
			"app_token":           r.PostFormValue("app_token"),
			"complex_code":        r.PostFormValue("complex_code"),
			"selected_state_code": r.PostFormValue("selected_state_code"),
			"selected_dist_code":  r.PostFormValue("selected_dist_code"),
			"selected_est_code":   r.PostFormValue("selected_est_code"),
		}
		portalJSON(w, map[string]any{"status": 1, "app_token": "tok-rotated"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	require.NoError(t, s.SetCourtData(context.Background(), testCourt()))
	assert.Equal(t, map[string]string{
		"ajax_req":            "true",
		"app_token":           "tok-index",
		"complex_code":        "1290105@1,2,3@N",
		"selected_state_code": "29",
		"selected_dist_code":  "9",
		"selected_est_code":   "null",
	}, form)
	assert.Equal(t, "tok-rotated", s.appToken, "every JSON response carries the next token")
}

func TestSetCourtData_RefusalSurfaces(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("casestatus/set_data", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"status": 0})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	err := s.SetCourtData(context.Background(), testCourt())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeRequestFailed, cerrors.GetCode(err))
}

func TestSearchOrders_ReturnsListings(t *testing.T) {
	portal := newFakePortal(t)
	var form map[string]string
	portal.page("courtorder/submitOrderDate", func(w http.ResponseWriter, r *http.Request) {
		form = map[string]string{
			"state_code":              r.PostFormValue("state_code"),
			"dist_code":               r.PostFormValue("dist_code"),
			"court_complex":           r.PostFormValue("court_complex"),
			"court_complex_arr":       r.PostFormValue("court_complex_arr"),
			"from_date":               r.PostFormValue("from_date"),
			"to_date":                 r.PostFormValue("to_date"),
			"fradorderdt":             r.PostFormValue("fradorderdt"),
			"orderflagvaldate":        r.PostFormValue("orderflagvaldate"),
			"order_date_captcha_code": r.PostFormValue("order_date_captcha_code"),
		}
		portalJSON(w, map[string]any{
			"status":        1,
			"app_token":     "tok-next",
			"court_dt_data": "<table id=\"caseList\"><tr><td>rows</td></tr></table>",
		})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	payload, found, err := s.SearchOrders(context.Background(), testTask(), testCourt())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, payload, "caseList")
	assert.Equal(t, map[string]string{
		"state_code":              "29",
		"dist_code":               "9",
		"court_complex":           "1290105",
		"court_complex_arr":       "1,2,3",
		"from_date":               "01-01-2024",
		"to_date":                 "02-01-2024",
		"fradorderdt":             "both",
		"orderflagvaldate":        "both",
		"order_date_captcha_code": "abc123",
	}, form)
}

func TestSearchOrders_RejectedCaptchaRetries(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("courtorder/submitOrderDate", func(w http.ResponseWriter, _ *http.Request) {
		if portal.hitCount("courtorder/submitOrderDate") == 1 {
			portalJSON(w, map[string]any{"status": 0, "errormsg": "Invalid Captcha", "app_token": "t2"})
			return
		}
		portalJSON(w, map[string]any{"status": 1, "court_dt_data": "<table><tr><td>x</td></tr></table>", "app_token": "t3"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	_, found, err := s.SearchOrders(context.Background(), testTask(), testCourt())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, portal.hitCount("courtorder/submitOrderDate"))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.client.metrics.CaptchaRejected))
}

func TestSearchOrders_CaptchaBudgetExhausted(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("courtorder/submitOrderDate", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"status": 0, "errormsg": "Invalid Captcha", "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	_, _, err := s.SearchOrders(context.Background(), testTask(), testCourt())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeCaptchaBudget, cerrors.GetCode(err))
	assert.Equal(t, SearchCaptchaRetries+1, portal.hitCount("courtorder/submitOrderDate"))
}

func TestSearchOrders_RecordNotFoundConfirmsEmptyWindow(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("courtorder/submitOrderDate", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"status": 1, "errormsg": "Record Not Found", "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	payload, found, err := s.SearchOrders(context.Background(), testTask(), testCourt())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, payload)
}

func TestSearchOrders_EmptyStatusConfirmsEmptyWindow(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("courtorder/submitOrderDate", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"status": 0, "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	_, found, err := s.SearchOrders(context.Background(), testTask(), testCourt())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSearchOrders_OtherRejectionFails(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("courtorder/submitOrderDate", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"status": 0, "errormsg": "session timed out", "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	_, _, err := s.SearchOrders(context.Background(), testTask(), testCourt())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeRequestFailed, cerrors.GetCode(err))
	assert.Contains(t, err.Error(), "session timed out")
}

func TestSearchOrders_HTMLBodyServedDirectly(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("courtorder/submitOrderDate", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<table><tr><td>old portal build</td></tr></table>"))
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	payload, found, err := s.SearchOrders(context.Background(), testTask(), testCourt())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, payload, "old portal build")
}

func TestSearchOrders_HTMLFieldFallback(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("courtorder/submitOrderDate", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"status": 1, "html": "<table><tr><td>alt field</td></tr></table>", "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	payload, found, err := s.SearchOrders(context.Background(), testTask(), testCourt())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, payload, "alt field")
}

func TestSearchOrders_TransportFailureFails(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("courtorder/submitOrderDate", func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	_, _, err := s.SearchOrders(context.Background(), testTask(), testCourt())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeRequestFailed, cerrors.GetCode(err))
	assert.Equal(t, 2, portal.hitCount("courtorder/submitOrderDate"), "transport errors burn the retry budget")
}

func TestSolveCaptcha_DiscardsUnusableAnswers(t *testing.T) {
	portal := newFakePortal(t)
	solver := &fixedSolver{answers: []string{"xx", "toolong99", "abc123"}}
	s := newPortalSession(t, portal, solver)
	require.NoError(t, s.Init(context.Background()))

	answer, err := s.solveCaptcha(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", answer)
	assert.Equal(t, 3, solver.calls)
	assert.Equal(t, 3, portal.hitCount(captchaImagePath), "each discarded answer burns a fresh image")
}

func TestSolveCaptcha_SolverBudgetExhausted(t *testing.T) {
	portal := newFakePortal(t)
	s := newPortalSession(t, portal, &fixedSolver{answer: "xx"})
	require.NoError(t, s.Init(context.Background()))

	_, err := s.solveCaptcha(context.Background())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeCaptchaBudget, cerrors.GetCode(err))
	assert.Equal(t, SolverBudget, portal.hitCount(captchaImagePath))
}

func TestSession_CaptchaCeiling(t *testing.T) {
	portal := newFakePortal(t)
	s := newPortalSession(t, portal, &fixedSolver{answer: "xx"})
	require.NoError(t, s.Init(context.Background()))

	for i := 0; i < CaptchaCeiling/SolverBudget; i++ {
		_, err := s.solveCaptcha(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, CaptchaCeiling, portal.hitCount(captchaImagePath))

	_, err := s.fetchCaptchaImage(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ceiling")
	assert.Equal(t, CaptchaCeiling, portal.hitCount(captchaImagePath), "the ceiling stops fetches before the network")
}

func TestCaseTypeCodes(t *testing.T) {
	portal := newFakePortal(t)
	var form map[string]string
	portal.page("casestatus/fillCaseType", func(w http.ResponseWriter, r *http.Request) {
		form = map[string]string{
			"court_complex_code": r.PostFormValue("court_complex_code"),
			"search_type":        r.PostFormValue("search_type"),
		}
		portalJSON(w, map[string]any{
			"status":        1,
			"app_token":     "t",
			"casetype_list": `<option value="17^43">OS - ORIGINAL SUIT</option><option value="5^12">CC - CALENDAR CASE</option>`,
		})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	codes, err := s.CaseTypeCodes(context.Background(), testTask().Jurisdiction)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"OS": "17^43", "CC": "5^12"}, codes)
	assert.Equal(t, map[string]string{"court_complex_code": "1290105", "search_type": "c_no"}, form)
}

func TestCaseTypeCodes_EmptyListIsNotAnError(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("casestatus/fillCaseType", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"status": 0, "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	codes, err := s.CaseTypeCodes(context.Background(), testTask().Jurisdiction)
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestSearchCaseStatus_ParsesCandidates(t *testing.T) {
	portal := newFakePortal(t)
	caseList := `<table><tr><td>1</td><td>OS/32/2024</td><td>Alice Vs Bob</td>` +
		`<td><a onclick="viewHistory(201700000322024,'KAUK010001232024',1,'','CScaseNumber',29,9,1290105,'CScaseNumber')">View</a></td></tr></table>`
	portal.page("casestatus/submitCaseNo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "17^43", r.PostFormValue("case_type"))
		assert.Equal(t, "32", r.PostFormValue("search_case_no"))
		assert.Equal(t, "32", r.PostFormValue("case_no"))
		assert.Equal(t, "2024", r.PostFormValue("rgyear"))
		portalJSON(w, map[string]any{"status": 1, "case_data": caseList, "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	refs, err := s.SearchCaseStatus(context.Background(), testTask().Jurisdiction, "17^43", "32", "2024")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "KAUK010001232024", refs[0].CNR)
	assert.Equal(t, "Alice", refs[0].Petitioner)
}

func TestSearchCaseStatus_RejectionMeansNoCandidates(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("casestatus/submitCaseNo", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"status": 0, "errormsg": "no record found for this case", "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	refs, err := s.SearchCaseStatus(context.Background(), testTask().Jurisdiction, "17^43", "32", "2024")
	require.NoError(t, err)
	assert.Nil(t, refs)
}

func TestViewCaseHistory(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("home/viewHistory", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "KAUK010001232024", r.PostFormValue("cino"))
		assert.Equal(t, "201700000322024", r.PostFormValue("case_no"))
		portalJSON(w, map[string]any{"data_list": "<table><tr><td>Case Type</td><td>OS</td></tr></table>", "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	ref := CaseRef{InternalCaseNo: "201700000322024", CNR: "KAUK010001232024", CourtCode: "1",
		SearchFlag: "CScaseNumber", StateCode: "29", DistCode: "9", ComplexCode: "1290105", SearchBy: "CScaseNumber"}
	record, err := s.ViewCaseHistory(context.Background(), ref)
	require.NoError(t, err)
	assert.Contains(t, record, "Case Type")
}

func TestViewCaseHistory_ErrorMessageMeansNothingToShow(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("home/viewHistory", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"errormsg": "invalid request", "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	record, err := s.ViewCaseHistory(context.Background(), CaseRef{CNR: "KAUK010001232024"})
	require.NoError(t, err)
	assert.Empty(t, record)
}

func pdfOrder() Order {
	return Order{
		CNR:     "KABC123456789012",
		OnClick: `displayPdf('normal_v','KAUK01-000123-2024','1','orders/2024/o1.pdf','')`,
	}
}

func servePDF(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write(append([]byte("%PDF-1.4\n"), make([]byte, 256)...))
}

func TestDownloadPDF_RelativePath(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("home/display_pdf", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "normal_v", r.PostFormValue("normal_v"))
		assert.Equal(t, "KAUK01-000123-2024", r.PostFormValue("case_val"))
		assert.Equal(t, "1", r.PostFormValue("court_code"))
		assert.Equal(t, "orders/2024/o1.pdf", r.PostFormValue("filename"))
		portalJSON(w, map[string]any{"order": "/reports/o1.pdf", "app_token": "t"})
	})
	portal.path("/reports/", servePDF)
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	pdf, err := s.DownloadPDF(context.Background(), pdfOrder())
	require.NoError(t, err)
	require.NotNil(t, pdf)
	assert.True(t, strings.HasPrefix(string(pdf), "%PDF"))
}

func TestDownloadPDF_AbsoluteURL(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("home/display_pdf", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"order": portal.srv.URL + "/reports/abs.pdf", "app_token": "t"})
	})
	portal.path("/reports/", servePDF)
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	pdf, err := s.DownloadPDF(context.Background(), pdfOrder())
	require.NoError(t, err)
	assert.NotNil(t, pdf)
}

func TestDownloadPDF_NoHandlerMeansNoDocument(t *testing.T) {
	portal := newFakePortal(t)
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	pdf, err := s.DownloadPDF(context.Background(), Order{CNR: "X"})
	require.NoError(t, err)
	assert.Nil(t, pdf)
	assert.Equal(t, 0, portal.hitCount("home/display_pdf"))
}

func TestDownloadPDF_PortalReportsMissing(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("home/display_pdf", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"status": 0, "app_token": "t"})
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	pdf, err := s.DownloadPDF(context.Background(), pdfOrder())
	require.NoError(t, err)
	assert.Nil(t, pdf)
}

func TestDownloadPDF_NonPDFBodyMeansNoDocument(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("home/display_pdf", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"order": "/reports/o1.pdf", "app_token": "t"})
	})
	portal.path("/reports/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>order moved</html>" + strings.Repeat(" ", 200)))
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	pdf, err := s.DownloadPDF(context.Background(), pdfOrder())
	require.NoError(t, err)
	assert.Nil(t, pdf)
}

func TestDownloadPDF_TinyBodyMeansNoDocument(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("home/display_pdf", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"order": "/reports/o1.pdf", "app_token": "t"})
	})
	portal.path("/reports/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("%PDF tiny"))
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	pdf, err := s.DownloadPDF(context.Background(), pdfOrder())
	require.NoError(t, err)
	assert.Nil(t, pdf)
}

func TestDownloadPDF_ServerErrorSurfaces(t *testing.T) {
	portal := newFakePortal(t)
	portal.page("home/display_pdf", func(w http.ResponseWriter, _ *http.Request) {
		portalJSON(w, map[string]any{"order": "/reports/o1.pdf", "app_token": "t"})
	})
	portal.path("/reports/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	})
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	_, err := s.DownloadPDF(context.Background(), pdfOrder())
	require.Error(t, err, "a failed transfer must not look like a confirmed-missing document")
	assert.Equal(t, cerrors.CodeRequestFailed, cerrors.GetCode(err))
}

func TestParseEnvelope_StatusForms(t *testing.T) {
	for _, body := range []string{
		`{"status": 1}`,
		`{"status": "1"}`,
		`{"status": 1.0}`,
	} {
		env := parseEnvelope([]byte(body))
		assert.True(t, env.isJSON, body)
		assert.Equal(t, flexInt(1), env.Status, body)
	}
}

func TestParseEnvelope_NonJSONKeepsRawBody(t *testing.T) {
	env := parseEnvelope([]byte("<html>results</html>"))
	assert.False(t, env.isJSON)
	assert.Equal(t, "<html>results</html>", string(env.raw))
}

func TestRequestMetrics(t *testing.T) {
	portal := newFakePortal(t)
	s := newPortalSession(t, portal, nil)
	require.NoError(t, s.Init(context.Background()))

	m := s.client.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CrawlRequests.WithLabelValues("init", "2xx")))
}
