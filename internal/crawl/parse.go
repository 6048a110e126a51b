package crawl

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Patterns for the inline javascript and identifiers the portal embeds
// in its HTML fragments.
var (
	// cnrPattern matches the 16 character case number record, four
	// letters then twelve digits.
	cnrPattern = regexp.MustCompile(`\b([A-Z]{4}\d{12})\b`)

	caseNumberSanitizer = regexp.MustCompile(`[^\w.-]`)

	displayPDFPattern = regexp.MustCompile(
		`displayPdf\s*\(\s*'([^']+)'\s*,\s*'([^']+)'\s*,\s*'([^']+)'\s*,\s*'([^']+)'\s*,\s*'([^']*)'\s*\)`)

	viewHistoryPattern = regexp.MustCompile(
		`viewHistory\s*\(\s*(\d+)\s*,\s*'([^']+)'\s*,\s*(\d+)\s*,\s*'([^']*)'\s*,\s*'([^']+)'\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*'([^']+)'\s*\)`)

	appTokenAssignPattern = regexp.MustCompile(`app_token['"]?\s*[:=]\s*['"]([^'"]+)['"]`)
	appTokenQueryPattern  = regexp.MustCompile(`app_token=([^&'"]+)`)

	partiesVsPattern = regexp.MustCompile(`(?i)(.+?)\s*vs\s*(.+)`)
)

// partySeparators are the renderings of "versus" seen in the order
// table's parties column, tried in order.
var partySeparators = []string{"Vs", "VS", "vs", "V/s", "v/s", " v ", " V "}

// Order is one row of the order search results table.
type Order struct {
	SerialNumber string
	CaseNumber   string
	Parties      string
	OrderDate    string // DD-MM-YYYY as the portal renders it
	DocumentType string
	Petitioner   string
	Respondent   string

	// CNR identifies the case: the real 16 character CNR when the
	// row carries one, otherwise the sanitized case number.
	CNR string

	RawHTML string
	OnClick string
	PDFHref string
}

// ParseOrderResults extracts order rows from the search results
// payload. Rows without a document handler are dropped; a garbage
// payload simply yields no rows.
func ParseOrderResults(rawHTML string) []Order {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	table := doc.Find("table#caseList").First()
	if table.Length() == 0 {
		// Some portal builds drop the id; take the first table
		// with data rows.
		doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
			if t.Find("tr").Length() > 1 {
				table = t
				return false
			}
			return true
		})
	}
	if table.Length() == 0 {
		return nil
	}

	var orders []Order
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			return
		}

		var o Order
		o.RawHTML, _ = goquery.OuterHtml(row)

		cells.Each(func(idx int, cell *goquery.Selection) {
			if text := strings.TrimSpace(cell.Text()); text != "" {
				// Serial | Case Number | Parties | Order Date | Order Link
				switch idx {
				case 0:
					o.SerialNumber = text
				case 1:
					o.CaseNumber = text
				case 2:
					o.Parties = text
				case 3:
					o.OrderDate = text
				case 4:
					o.DocumentType = text
				}
			}

			if link := cell.Find("a").First(); link.Length() > 0 {
				if href, ok := link.Attr("href"); ok && href != "" {
					o.PDFHref = href
				}
				if onclick, ok := link.Attr("onclick"); ok && onclick != "" {
					o.OnClick = onclick
				}
			}
			if button := cell.Find("button").First(); button.Length() > 0 {
				if onclick, ok := button.Attr("onclick"); ok && onclick != "" {
					o.OnClick = onclick
				}
			}
		})

		if o.Parties != "" {
			o.Petitioner, o.Respondent = splitParties(o.Parties)
		}

		if m := cnrPattern.FindStringSubmatch(o.RawHTML); m != nil {
			o.CNR = m[1]
		} else if o.CaseNumber != "" {
			o.CNR = sanitizeCaseNumber(o.CaseNumber)
		}

		if o.OnClick != "" || o.PDFHref != "" {
			orders = append(orders, o)
		}
	})
	return orders
}

// splitParties divides a parties string on the first recognized
// "versus" separator.
func splitParties(parties string) (petitioner, respondent string) {
	for _, sep := range partySeparators {
		if !strings.Contains(parties, sep) {
			continue
		}
		parts := strings.SplitN(parties, sep, 2)
		if len(parts) == 2 {
			petitioner = strings.TrimSpace(parts[0])
			respondent = strings.TrimSpace(parts[1])
		}
		break
	}
	return petitioner, respondent
}

// sanitizeCaseNumber turns a case number into a filename-safe
// identifier: "MVOP/63/2021" becomes "MVOP_63_2021".
func sanitizeCaseNumber(caseNo string) string {
	return caseNumberSanitizer.ReplaceAllString(caseNo, "_")
}

// displayPDFArgs are the five arguments of the inline displayPdf
// handler on an order row.
type displayPDFArgs struct {
	NormalV   string
	CaseVal   string
	CourtCode string
	Filename  string
	AppFlag   string
}

func parseDisplayPDF(onclick string) (displayPDFArgs, bool) {
	m := displayPDFPattern.FindStringSubmatch(onclick)
	if m == nil {
		return displayPDFArgs{}, false
	}
	return displayPDFArgs{
		NormalV:   m[1],
		CaseVal:   m[2],
		CourtCode: m[3],
		Filename:  m[4],
		AppFlag:   m[5],
	}, true
}

// extractAppToken digs the app token out of a portal page. The token
// moves around between portal builds: a hidden form input, an inline
// script assignment, a query parameter in the body, or a query
// parameter on the final redirect URL.
func extractAppToken(rawHTML, finalURL string) string {
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML)); err == nil {
		if v, ok := doc.Find(`input[name="app_token"]`).First().Attr("value"); ok && v != "" {
			return v
		}
	}
	if m := appTokenAssignPattern.FindStringSubmatch(rawHTML); m != nil {
		return m[1]
	}
	if m := appTokenQueryPattern.FindStringSubmatch(rawHTML); m != nil {
		return m[1]
	}
	if m := appTokenQueryPattern.FindStringSubmatch(finalURL); m != nil {
		return m[1]
	}
	return ""
}

// CaseRef is one candidate case from a case status search, carrying
// everything viewHistory needs to fetch the full record plus the party
// names used to pick between candidates.
type CaseRef struct {
	InternalCaseNo string
	CNR            string
	CourtCode      string
	HideParty      string
	SearchFlag     string
	StateCode      string
	DistCode       string
	ComplexCode    string
	SearchBy       string

	Petitioner string
	Respondent string
	Parties    string
}

// parseCaseList extracts viewHistory parameters and party names from
// the case status results fragment.
func parseCaseList(rawHTML string) []CaseRef {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	var cases []CaseRef
	doc.Find("a[onclick]").Each(func(_ int, link *goquery.Selection) {
		onclick, _ := link.Attr("onclick")
		if !strings.Contains(onclick, "viewHistory") {
			return
		}
		m := viewHistoryPattern.FindStringSubmatch(onclick)
		if m == nil {
			return
		}

		ref := CaseRef{
			InternalCaseNo: m[1],
			CNR:            m[2],
			CourtCode:      m[3],
			HideParty:      m[4],
			SearchFlag:     m[5],
			StateCode:      m[6],
			DistCode:       m[7],
			ComplexCode:    m[8],
			SearchBy:       m[9],
		}

		// The third cell of the row reads "Petitioner Vs
		// Respondent", with or without spaces around the Vs.
		if row := link.ParentsFiltered("tr").First(); row.Length() > 0 {
			cells := row.Find("td")
			if cells.Length() >= 3 {
				parties := joinedText(cells.Eq(2))
				if vm := partiesVsPattern.FindStringSubmatch(parties); vm != nil {
					ref.Petitioner = strings.TrimSpace(vm[1])
					ref.Respondent = strings.TrimSpace(vm[2])
				}
				ref.Parties = parties
			}
		}

		cases = append(cases, ref)
	})
	return cases
}

// ActEntry is one row of a case's "Under Act" table.
type ActEntry struct {
	Act     string `json:"act"`
	Section string `json:"section"`
}

// CaseDetails is the structured slice of a full case record.
type CaseDetails struct {
	CNR                      string
	CaseTypeFull             string
	FilingNumber             string
	FilingDate               string
	RegistrationNumber       string
	RegistrationDate         string
	FirstHearingDate         string
	NextHearingDate          string
	CaseStatus               string
	CaseStage                string
	CourtNumberAndJudge      string
	PetitionersWithAdvocates []string
	RespondentsWithAdvocates []string
	Acts                     []ActEntry
	History                  []map[string]string
}

var (
	petitionerSectionRe = regexp.MustCompile(`(?i)Petitioner.*Advocate`)
	respondentSectionRe = regexp.MustCompile(`(?i)Respondent.*Advocate`)
	underActRe          = regexp.MustCompile(`(?i)Under Act`)
	caseHistoryRe       = regexp.MustCompile(`(?i)Case History`)
)

// parseCaseDetails pulls the labeled fields, party lists, acts and
// hearing history out of a viewHistory response. Missing sections
// simply stay zero; the portal's markup varies too much between
// districts to demand all of them.
func parseCaseDetails(rawHTML string) CaseDetails {
	var d CaseDetails
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return d
	}

	if m := cnrPattern.FindStringSubmatch(rawHTML); m != nil {
		d.CNR = m[1]
	}

	d.CaseTypeFull = cellValue(doc, "Case Type")
	d.FilingNumber = cellValue(doc, "Filing Number")
	d.FilingDate = cellValue(doc, "Filing Date")
	d.RegistrationNumber = cellValue(doc, "Registration Number")
	d.RegistrationDate = cellValue(doc, "Registration Date")
	d.FirstHearingDate = cellValue(doc, "First Hearing Date")
	d.NextHearingDate = cellValue(doc, "Next Hearing Date")
	d.CaseStatus = cellValue(doc, "Case Status")
	d.CaseStage = cellValue(doc, "Stage of Case")
	d.CourtNumberAndJudge = cellValue(doc, "Court Number and Judge")
	if d.CaseStage == "" {
		d.CaseStage = cellValue(doc, "Stage")
	}
	if d.CourtNumberAndJudge == "" {
		d.CourtNumberAndJudge = cellValue(doc, "Court No")
	}

	d.PetitionersWithAdvocates = partySection(doc, petitionerSectionRe, "petitioner")
	d.RespondentsWithAdvocates = partySection(doc, respondentSectionRe, "respondent")
	d.Acts = actsTable(doc)
	d.History = historyTable(doc)
	return d
}

// cellValue finds the first table cell whose text contains the label
// and returns the text of the next cell in the row.
func cellValue(doc *goquery.Document, label string) string {
	needle := strings.ToLower(label)
	var value string
	doc.Find("td").EachWithBreak(func(_ int, td *goquery.Selection) bool {
		if !strings.Contains(strings.ToLower(strings.TrimSpace(td.Text())), needle) {
			return true
		}
		next := td.NextAllFiltered("td").First()
		if next.Length() == 0 {
			return true
		}
		value = strings.TrimSpace(next.Text())
		return false
	})
	return value
}

// partySection collects the list items under a "... and Advocate"
// heading, skipping the heading row itself.
func partySection(doc *goquery.Document, heading *regexp.Regexp, exclude string) []string {
	node := textNodeMatching(doc, heading)
	if node == nil {
		return nil
	}
	section := closestAncestor(node, "div", "table")
	if section == nil {
		return nil
	}

	var items []string
	doc.FindNodes(section).Find("li, tr, p").Each(func(_ int, item *goquery.Selection) {
		text := strings.TrimSpace(item.Text())
		if text == "" || strings.Contains(strings.ToLower(text), exclude) {
			return
		}
		items = append(items, text)
	})
	return items
}

// actsTable reads the "Under Act" table, first column act, second
// column section.
func actsTable(doc *goquery.Document) []ActEntry {
	node := textNodeMatching(doc, underActRe)
	if node == nil {
		return nil
	}
	table := closestAncestor(node, "table")
	if table == nil {
		return nil
	}

	var acts []ActEntry
	doc.FindNodes(table).Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return
		}
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		act := strings.TrimSpace(cells.Eq(0).Text())
		if act == "" {
			return
		}
		acts = append(acts, ActEntry{
			Act:     act,
			Section: strings.TrimSpace(cells.Eq(1).Text()),
		})
	})
	return acts
}

// historyTable reads the hearing history: the first row names the
// columns, every later row becomes a column-to-value map.
func historyTable(doc *goquery.Document) []map[string]string {
	node := textNodeMatching(doc, caseHistoryRe)
	if node == nil {
		return nil
	}
	table := closestAncestor(node, "table")
	if table == nil {
		table = nextElement(node, "table")
	}
	if table == nil {
		return nil
	}

	var history []map[string]string
	var headers []string
	doc.FindNodes(table).Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if headers == nil {
			cells.Each(func(_ int, c *goquery.Selection) {
				headers = append(headers, strings.TrimSpace(c.Text()))
			})
			return
		}
		if cells.Length() < 2 {
			return
		}
		entry := make(map[string]string)
		cells.Each(func(i int, c *goquery.Selection) {
			if i < len(headers) {
				entry[headers[i]] = strings.TrimSpace(c.Text())
			}
		})
		if len(entry) > 0 {
			history = append(history, entry)
		}
	})
	return history
}

// parseCaseTypeOptions maps the dropdown's short codes to the portal's
// internal codes: "OS - ORIGINAL SUIT" with value "17^43" yields
// {"OS": "17^43"}.
func parseCaseTypeOptions(rawHTML string) map[string]string {
	codes := make(map[string]string)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return codes
	}
	doc.Find("option").Each(func(_ int, opt *goquery.Selection) {
		value, _ := opt.Attr("value")
		value = strings.TrimSpace(value)
		text := strings.TrimSpace(opt.Text())
		if value == "" || text == "" {
			return
		}
		short := text
		if idx := strings.Index(text, " - "); idx >= 0 {
			short = strings.TrimSpace(text[:idx])
		}
		codes[short] = value
	})
	return codes
}

// joinedText concatenates a selection's text nodes with single spaces,
// so markup like "A<br>Vs<br>B" keeps a word boundary at each break.
func joinedText(sel *goquery.Selection) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(parts, " ")
}

// textNodeMatching walks the document for the first text node matching
// the pattern.
func textNodeMatching(doc *goquery.Document, re *regexp.Regexp) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.TextNode && re.MatchString(n.Data) {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, root := range doc.Nodes {
		walk(root)
	}
	return found
}

// closestAncestor climbs from a node to the nearest enclosing element
// with one of the given names.
func closestAncestor(n *html.Node, names ...string) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		for _, name := range names {
			if p.Data == name {
				return p
			}
		}
	}
	return nil
}

// nextElement finds the next element with the given name in document
// order after n.
func nextElement(n *html.Node, name string) *html.Node {
	for cur := nextNode(n); cur != nil; cur = nextNode(cur) {
		if cur.Type == html.ElementNode && cur.Data == name {
			return cur
		}
	}
	return nil
}

func nextNode(n *html.Node) *html.Node {
	if n.FirstChild != nil {
		return n.FirstChild
	}
	for ; n != nil; n = n.Parent {
		if n.NextSibling != nil {
			return n.NextSibling
		}
	}
	return nil
}
