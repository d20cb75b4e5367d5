package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
)

const (
	minCells       = 5
	maxRowClimb    = 5
	tableSelector  = "table.table"
	buttonSelector = "button[class*='btn']"
)

// Strategy turns a parsed dashboard page into call records.
type Strategy interface {
	Name() string
	Extract(doc *goquery.Document) []calls.Record
}

// TableStrategy scans the structured result tables row by row.
type TableStrategy struct {
	logger *zap.Logger
}

// NewTableStrategy builds the primary strategy.
func NewTableStrategy(logger *zap.Logger) *TableStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableStrategy{logger: logger}
}

// Name implements Strategy.
func (s *TableStrategy) Name() string { return "table" }

// Extract implements Strategy.
func (s *TableStrategy) Extract(doc *goquery.Document) []calls.Record {
	var out []calls.Record
	doc.Find(tableSelector).Each(func(ti int, table *goquery.Selection) {
		rows := table.ChildrenFiltered("tbody").ChildrenFiltered("tr")
		s.logger.Debug("scanning table", zap.Int("table", ti), zap.Int("rows", rows.Length()))
		rows.Each(func(_ int, row *goquery.Selection) {
			rec, ok := s.extractRow(row)
			if !ok {
				return
			}
			out = append(out, rec)
		})
	})
	return out
}

func (s *TableStrategy) extractRow(row *goquery.Selection) (calls.Record, bool) {
	fields, ok := rowFields(row)
	if !ok {
		return calls.Record{}, false
	}
	control := findControl(row)
	if control == nil {
		s.logger.Debug("row has no play control", zap.String("destination", fields[1]))
		return calls.Record{}, false
	}
	token, src := controlToken(control)
	if token == "" {
		token, src = rowToken(control)
	}
	if token == "" {
		s.logger.Debug("row has no usable recording token",
			zap.String("destination", fields[1]),
			zap.String("control", outerSnippet(control)),
		)
		return calls.Record{}, false
	}
	s.logger.Debug("token extracted", zap.String("token", token), zap.String("source", string(src)))
	return calls.NewRecord(fields[0], fields[1], fields[2], fields[3], fields[4], token), true
}

// findControl returns the first actionable element in the row, or nil.
func findControl(row *goquery.Selection) *goquery.Selection {
	for _, sel := range []string{buttonSelector, "button", "[class*='play'], [onclick*='play']"} {
		if found := row.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	return nil
}

// ButtonStrategy starts from every button-like control and climbs to its row.
type ButtonStrategy struct {
	logger *zap.Logger
}

// NewButtonStrategy builds the fallback strategy.
func NewButtonStrategy(logger *zap.Logger) *ButtonStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ButtonStrategy{logger: logger}
}

// Name implements Strategy.
func (s *ButtonStrategy) Name() string { return "button" }

// Extract implements Strategy.
func (s *ButtonStrategy) Extract(doc *goquery.Document) []calls.Record {
	buttons := doc.Find(buttonSelector)
	s.logger.Debug("fallback scanning buttons", zap.Int("buttons", buttons.Length()))
	var out []calls.Record
	buttons.Each(func(_ int, button *goquery.Selection) {
		row := climbToRow(button)
		if row == nil {
			s.logger.Debug("button has no row ancestor", zap.String("control", outerSnippet(button)))
			return
		}
		fields, ok := rowFields(row)
		if !ok {
			return
		}
		token, src := controlToken(button)
		if token == "" {
			s.logger.Debug("fallback row has no usable recording token", zap.String("destination", fields[1]))
			return
		}
		s.logger.Debug("token extracted", zap.String("token", token), zap.String("source", string(src)))
		out = append(out, calls.NewRecord(fields[0], fields[1], fields[2], fields[3], fields[4], token))
	})
	return out
}

func climbToRow(control *goquery.Selection) *goquery.Selection {
	cur := control
	for i := 0; i < maxRowClimb; i++ {
		cur = cur.Parent()
		if cur.Length() == 0 {
			return nil
		}
		if goquery.NodeName(cur) == "tr" {
			return cur
		}
	}
	return nil
}

// rowFields returns the first five cell texts, or false when the row is too short.
func rowFields(row *goquery.Selection) ([]string, bool) {
	cells := row.Find("td")
	if cells.Length() < minCells {
		return nil, false
	}
	fields := make([]string, 0, minCells)
	cells.EachWithBreak(func(i int, cell *goquery.Selection) bool {
		fields = append(fields, strings.TrimSpace(cell.Text()))
		return i+1 < minCells
	})
	return fields, true
}

func outerSnippet(sel *goquery.Selection) string {
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return ""
	}
	if len(html) > 200 {
		return html[:200]
	}
	return html
}
