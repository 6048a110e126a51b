package crawl

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/juddata/courtarchive/internal/compress"
	cerrors "github.com/juddata/courtarchive/internal/errors"
	"github.com/juddata/courtarchive/internal/registry"
	"github.com/juddata/courtarchive/pkg/types"
)

// Archive is the slice of the archive manager the downloader needs:
// dedup probes and staged writes.
type Archive interface {
	Exists(ctx context.Context, key types.PartitionKey, filename string) (bool, error)
	Put(ctx context.Context, key types.PartitionKey, filename string, data []byte) error
}

// DownloaderConfig toggles the optional halves of order processing.
type DownloaderConfig struct {
	// FetchCaseDetails enriches metadata through the case status
	// API. It costs extra captchas per order, so backfills over
	// huge ranges may turn it off.
	FetchCaseDetails bool

	// CompressPDFs rewrites documents through the compressor before
	// archiving.
	CompressPDFs bool

	// StartupJitter staggers session starts: each task sleeps a
	// uniform random duration in [0, StartupJitter) before touching
	// the portal, so a fresh worker pool does not open all of its
	// sessions in the same instant. Zero disables the delay.
	StartupJitter time.Duration
}

// Downloader turns tasks into archived orders: search the window,
// then for each listed order store a metadata record and the document
// itself, skipping whatever the archive already holds.
type Downloader struct {
	client     *Client
	archive    Archive
	compressor compress.Compressor
	courts     *registry.Registry
	logger     *zap.Logger
	cfg        DownloaderConfig
}

// NewDownloader wires the downloader's collaborators. A nil compressor
// archives documents as served.
func NewDownloader(client *Client, archive Archive, compressor compress.Compressor, courts *registry.Registry, logger *zap.Logger, cfg DownloaderConfig) (*Downloader, error) {
	if client == nil || archive == nil || courts == nil {
		return nil, cerrors.New(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig,
			"downloader needs a client, an archive and a court registry")
	}
	if compressor == nil {
		compressor = compress.Passthrough{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		client:     client,
		archive:    archive,
		compressor: compressor,
		courts:     courts,
		logger:     logger,
		cfg:        cfg,
	}, nil
}

// startupDelay sleeps the configured jitter before a task's first
// portal request, honoring cancellation.
func (d *Downloader) startupDelay(ctx context.Context) error {
	if d.cfg.StartupJitter <= 0 {
		return nil
	}
	delay := randomJitter(d.cfg.StartupJitter)
	d.logger.Debug("staggering session start", zap.Duration("delay", delay))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// taskRun carries the per-task session state through the order loop.
type taskRun struct {
	session *Session
	task    types.Task
	court   registry.CourtComplex

	// caseTypes maps short case type codes to the portal's internal
	// codes, fetched once per task on first use.
	caseTypes       map[string]string
	caseTypesLoaded bool
}

// ProcessTask runs one task end to end. It returns nil only when the
// window's contents are fully accounted for: the portal confirmed the
// window empty, or every listed order's metadata and document are
// archived or confirmed absent. That nil is the caller's license to
// mark the task complete in the ledger; any error means a later run
// must revisit the window.
func (d *Downloader) ProcessTask(ctx context.Context, task types.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	court, ok := d.courts.Lookup(task.Jurisdiction)
	if !ok {
		return cerrors.New(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig,
			fmt.Sprintf("task %s names a court complex missing from the registry", task.Key()))
	}

	if err := d.startupDelay(ctx); err != nil {
		return err
	}

	session, err := d.client.NewSession()
	if err != nil {
		return err
	}
	if err := session.Init(ctx); err != nil {
		return fmt.Errorf("task %s: %w", task.Key(), err)
	}
	if err := session.SetCourtData(ctx, court); err != nil {
		return fmt.Errorf("task %s: %w", task.Key(), err)
	}

	payload, found, err := session.SearchOrders(ctx, task, court)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.Key(), err)
	}
	if !found {
		d.logger.Debug("window confirmed empty", zap.String("task", task.Key()))
		return nil
	}

	orders := ParseOrderResults(payload)
	if len(orders) == 0 {
		d.logger.Debug("no order rows in window", zap.String("task", task.Key()))
		return nil
	}
	d.logger.Info("orders listed for window",
		zap.String("task", task.Key()),
		zap.Int("orders", len(orders)))

	run := &taskRun{session: session, task: task, court: court}
	var orderErrs []error
	downloaded := 0
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("task %s interrupted: %w", task.Key(), err)
		}
		fetched, err := d.processOrder(ctx, run, order)
		if err != nil {
			orderErrs = append(orderErrs, err)
			continue
		}
		if fetched {
			downloaded++
		}
	}

	d.logger.Info("window processed",
		zap.String("task", task.Key()),
		zap.Int("orders", len(orders)),
		zap.Int("new_documents", downloaded),
		zap.Int("failures", len(orderErrs)))

	if len(orderErrs) > 0 {
		// Even one lost document keeps the task incomplete so a
		// later run revisits the window. The exists probes make
		// that revisit cheap.
		return cerrors.Wrap(cerrors.ErrCategoryCrawl, cerrors.CodeTaskIncomplete,
			fmt.Sprintf("task %s: %d of %d orders failed", task.Key(), len(orderErrs), len(orders)),
			errors.Join(orderErrs...))
	}
	return nil
}

// processOrder archives one order row: a metadata record keyed by CNR,
// then the document itself. It reports whether a new document was
// fetched.
func (d *Downloader) processOrder(ctx context.Context, run *taskRun, order Order) (bool, error) {
	cnr := order.CNR

	var details CaseDetails
	var haveDetails bool
	if d.cfg.FetchCaseDetails {
		details, haveDetails = d.fetchCaseDetails(ctx, run, order)
		if haveDetails && details.CNR != "" {
			cnr = details.CNR
		}
	}
	if cnr == "" {
		id := uuid.New()
		cnr = "UNKNOWN_" + hex.EncodeToString(id[:])[:12]
	}

	year := orderYear(run.task, order)
	metaKey := types.PartitionKey{
		Year:         year,
		StateCode:    run.task.StateCode,
		DistrictCode: run.task.DistrictCode,
		ComplexCode:  run.task.ComplexCode,
		Type:         types.ArchiveMetadata,
	}
	docKey := metaKey
	docKey.Type = types.ArchiveDocument

	if err := d.archiveMetadata(ctx, run, metaKey, cnr, order, details, haveDetails); err != nil {
		return false, fmt.Errorf("order %s: %w", cnr, err)
	}
	fetched, err := d.archiveDocument(ctx, run, docKey, cnr, order)
	if err != nil {
		return false, fmt.Errorf("order %s: %w", cnr, err)
	}
	return fetched, nil
}

// orderYear places an order in its partition year: the order date when
// the row carries a parseable one, otherwise the task window's year.
func orderYear(task types.Task, order Order) int {
	if order.OrderDate != "" {
		if t, err := parsePortalDate(order.OrderDate); err == nil {
			return t.Year()
		}
	}
	return task.FromDate.Year()
}

func (d *Downloader) archiveMetadata(ctx context.Context, run *taskRun, key types.PartitionKey, cnr string, order Order, details CaseDetails, haveDetails bool) error {
	filename := cnr + ".json"
	exists, err := d.archive.Exists(ctx, key, filename)
	if err != nil {
		return err
	}
	if exists {
		d.client.metrics.DuplicatesSkipped.Inc()
		return nil
	}

	doc, err := encodeMetadata(run, cnr, order, details, haveDetails)
	if err != nil {
		return err
	}
	if err := d.archive.Put(ctx, key, filename, doc); err != nil {
		if cerrors.GetCode(err) == cerrors.CodeDuplicatePut {
			// A sibling task staged the same case first.
			d.client.metrics.DuplicatesSkipped.Inc()
			return nil
		}
		return err
	}
	return nil
}

func (d *Downloader) archiveDocument(ctx context.Context, run *taskRun, key types.PartitionKey, cnr string, order Order) (bool, error) {
	filename := cnr + ".pdf"
	exists, err := d.archive.Exists(ctx, key, filename)
	if err != nil {
		return false, err
	}
	if exists {
		d.client.metrics.DuplicatesSkipped.Inc()
		return false, nil
	}

	pdf, err := run.session.DownloadPDF(ctx, order)
	if err != nil {
		return false, err
	}
	if pdf == nil {
		// The portal confirmed the row has no document.
		return false, nil
	}

	if d.cfg.CompressPDFs {
		compressed, err := d.compressor.Compress(ctx, pdf)
		if err != nil {
			d.logger.Debug("pdf compression failed, archiving original",
				zap.String("cnr", cnr), zap.Error(err))
		} else {
			pdf = compressed
		}
	}

	if err := d.archive.Put(ctx, key, filename, pdf); err != nil {
		if cerrors.GetCode(err) == cerrors.CodeDuplicatePut {
			d.client.metrics.DuplicatesSkipped.Inc()
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// caseMetadata is the JSON record archived next to each document.
type caseMetadata struct {
	CNR          string `json:"cnr"`
	StateCode    string `json:"state_code"`
	StateName    string `json:"state_name"`
	DistrictCode string `json:"district_code"`
	DistrictName string `json:"district_name"`
	ComplexCode  string `json:"complex_code"`
	ComplexName  string `json:"complex_name"`
	RawHTML      string `json:"raw_html"`
	ScrapedAt    string `json:"scraped_at"`

	SerialNumber string `json:"serial_number,omitempty"`
	CaseNumber   string `json:"case_number,omitempty"`
	Parties      string `json:"parties,omitempty"`
	OrderDate    string `json:"order_date,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	Petitioner   string `json:"petitioner,omitempty"`
	Respondent   string `json:"respondent,omitempty"`

	CaseTypeFull             string              `json:"case_type_full,omitempty"`
	FilingNumber             string              `json:"filing_number,omitempty"`
	FilingDate               string              `json:"filing_date,omitempty"`
	RegistrationNumber       string              `json:"registration_number,omitempty"`
	RegistrationDate         string              `json:"registration_date,omitempty"`
	FirstHearingDate         string              `json:"first_hearing_date,omitempty"`
	NextHearingDate          string              `json:"next_hearing_date,omitempty"`
	CaseStatus               string              `json:"case_status,omitempty"`
	CaseStage                string              `json:"case_stage,omitempty"`
	CourtNumberAndJudge      string              `json:"court_number_and_judge,omitempty"`
	PetitionersWithAdvocates []string            `json:"petitioners_with_advocates,omitempty"`
	RespondentsWithAdvocates []string            `json:"respondents_with_advocates,omitempty"`
	Acts                     []ActEntry          `json:"acts,omitempty"`
	CaseHistory              []map[string]string `json:"case_history,omitempty"`
}

// encodeMetadata renders the metadata record. HTML escaping is off so
// the raw row markup stays readable, and the scrape timestamp is IST
// because that is the portal's clock.
func encodeMetadata(run *taskRun, cnr string, order Order, details CaseDetails, haveDetails bool) ([]byte, error) {
	meta := caseMetadata{
		CNR:          cnr,
		StateCode:    run.task.StateCode,
		StateName:    run.court.StateName,
		DistrictCode: run.task.DistrictCode,
		DistrictName: run.court.DistrictName,
		ComplexCode:  run.task.ComplexCode,
		ComplexName:  run.court.ComplexName,
		RawHTML:      order.RawHTML,
		ScrapedAt:    time.Now().In(types.IST).Format(time.RFC3339),

		SerialNumber: order.SerialNumber,
		CaseNumber:   order.CaseNumber,
		Parties:      order.Parties,
		OrderDate:    order.OrderDate,
		DocumentType: order.DocumentType,
		Petitioner:   order.Petitioner,
		Respondent:   order.Respondent,
	}
	if haveDetails {
		meta.CaseTypeFull = details.CaseTypeFull
		meta.FilingNumber = details.FilingNumber
		meta.FilingDate = details.FilingDate
		meta.RegistrationNumber = details.RegistrationNumber
		meta.RegistrationDate = details.RegistrationDate
		meta.FirstHearingDate = details.FirstHearingDate
		meta.NextHearingDate = details.NextHearingDate
		meta.CaseStatus = details.CaseStatus
		meta.CaseStage = details.CaseStage
		meta.CourtNumberAndJudge = details.CourtNumberAndJudge
		meta.PetitionersWithAdvocates = details.PetitionersWithAdvocates
		meta.RespondentsWithAdvocates = details.RespondentsWithAdvocates
		meta.Acts = details.Acts
		meta.CaseHistory = details.History
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryParse, cerrors.CodeMalformedPayload,
			"encode case metadata", err)
	}
	return buf.Bytes(), nil
}

// fetchCaseDetails chases the case status trail for richer metadata.
// Everything here is best effort: the lookups burn captchas and the
// markup varies by district, so any failure just means the archived
// record carries only what the order row showed.
func (d *Downloader) fetchCaseDetails(ctx context.Context, run *taskRun, order Order) (CaseDetails, bool) {
	caseType, caseNo, year, ok := splitCaseNumber(order.CaseNumber, order.OrderDate, run.task)
	if !ok {
		return CaseDetails{}, false
	}

	if !run.caseTypesLoaded {
		run.caseTypesLoaded = true
		codes, err := run.session.CaseTypeCodes(ctx, run.task.Jurisdiction)
		if err != nil {
			d.logger.Debug("case type lookup failed", zap.Error(err))
		} else {
			run.caseTypes = codes
		}
	}
	code, ok := run.caseTypes[caseType]
	if !ok {
		return CaseDetails{}, false
	}

	refs, err := run.session.SearchCaseStatus(ctx, run.task.Jurisdiction, code, caseNo, year)
	if err != nil {
		d.logger.Debug("case status search failed",
			zap.String("case", order.CaseNumber), zap.Error(err))
		return CaseDetails{}, false
	}
	if len(refs) == 0 {
		return CaseDetails{}, false
	}

	ref := pickCaseRef(refs, run.court, order)

	record, err := run.session.ViewCaseHistory(ctx, ref)
	if err != nil {
		d.logger.Debug("view history failed",
			zap.String("cnr", ref.CNR), zap.Error(err))
		return CaseDetails{}, false
	}
	if record == "" {
		return CaseDetails{}, false
	}

	details := parseCaseDetails(record)
	if details.CNR == "" {
		details.CNR = ref.CNR
	}
	return details, true
}

// splitCaseNumber breaks "OS/32/2024" into its type, number and year.
// A two part number borrows the year from the order date, falling back
// to the task window.
func splitCaseNumber(caseNumber, orderDate string, task types.Task) (caseType, caseNo, year string, ok bool) {
	parts := strings.Split(caseNumber, "/")
	switch {
	case len(parts) >= 3:
		return parts[0], parts[1], parts[2], true
	case len(parts) == 2:
		y := task.FromDate.Year()
		if orderDate != "" {
			if t, err := parsePortalDate(orderDate); err == nil {
				y = t.Year()
			}
		}
		return parts[0], parts[1], strconv.Itoa(y), true
	default:
		return "", "", "", false
	}
}

// pickCaseRef narrows the candidates to the case the order row came
// from: first to cases heard in the task's own courts, then by party
// names when several cases share the number.
func pickCaseRef(refs []CaseRef, court registry.CourtComplex, order Order) CaseRef {
	valid := make(map[string]bool)
	for _, c := range strings.Split(court.CourtNumbers, ",") {
		valid[strings.TrimSpace(c)] = true
	}
	var inCourt []CaseRef
	for _, ref := range refs {
		if valid[ref.CourtCode] {
			inCourt = append(inCourt, ref)
		}
	}
	candidates := refs
	if len(inCourt) > 0 {
		candidates = inCourt
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	var byParties []CaseRef
	for _, ref := range candidates {
		if partiesMatch(ref, order) {
			byParties = append(byParties, ref)
		}
	}
	if len(byParties) > 0 {
		candidates = byParties
	}
	return candidates[0]
}

// partiesMatch accepts a candidate whose party names contain or are
// contained by the order row's, either side by side or as the combined
// parties string with the "vs" stripped.
func partiesMatch(ref CaseRef, order Order) bool {
	orderPet := strings.ToLower(strings.TrimSpace(order.Petitioner))
	orderResp := strings.ToLower(strings.TrimSpace(order.Respondent))
	refPet := strings.ToLower(strings.TrimSpace(ref.Petitioner))
	refResp := strings.ToLower(strings.TrimSpace(ref.Respondent))

	if orderPet != "" && refPet != "" {
		if strings.Contains(refPet, orderPet) || strings.Contains(orderPet, refPet) {
			if orderResp != "" && refResp != "" {
				if strings.Contains(refResp, orderResp) || strings.Contains(orderResp, refResp) {
					return true
				}
			} else if orderResp == "" {
				return true
			}
		}
	}

	orderParties := strings.ToLower(strings.TrimSpace(order.Parties))
	refParties := strings.ToLower(strings.TrimSpace(ref.Parties))
	if orderParties != "" && refParties != "" {
		on := normalizeParties(orderParties)
		rn := normalizeParties(refParties)
		if strings.Contains(rn, on) || strings.Contains(on, rn) {
			return true
		}
	}
	return false
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeParties(s string) string {
	s = strings.ReplaceAll(s, " vs ", " ")
	s = strings.ReplaceAll(s, " v/s ", " ")
	return whitespaceRun.ReplaceAllString(s, " ")
}
