package extractor

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/callrelay/internal/calls"
)

var (
	playCallPattern    = regexp.MustCompile(`playCall\(['"](\d+\.\d+)['"]\)`)
	quotedTokenPattern = regexp.MustCompile(`['"](\d{10,}\.\d+)['"]`)

	controlTokenAttrs = []string{"data-uuid", "data-call-id", "data-id", "id"}
	rowTokenAttrs     = []string{"data-uuid", "data-call-id", "data-id"}
)

// tokenSource names where a recording token was found, for debug logs.
type tokenSource string

const (
	sourceNone     tokenSource = ""
	sourcePlayCall tokenSource = "onclick:playCall"
	sourceQuoted   tokenSource = "onclick:quoted"
	sourceControl  tokenSource = "control-attr"
	sourceRow      tokenSource = "row-attr"
)

// tokenFromOnclick applies the two inline-handler patterns in order.
func tokenFromOnclick(onclick string) (string, tokenSource) {
	if onclick == "" {
		return "", sourceNone
	}
	if m := playCallPattern.FindStringSubmatch(onclick); m != nil && calls.ValidToken(m[1]) {
		return m[1], sourcePlayCall
	}
	if m := quotedTokenPattern.FindStringSubmatch(onclick); m != nil && calls.ValidToken(m[1]) {
		return m[1], sourceQuoted
	}
	return "", sourceNone
}

func tokenFromAttrs(sel *goquery.Selection, attrs []string) string {
	for _, attr := range attrs {
		candidate, ok := sel.Attr(attr)
		if !ok {
			continue
		}
		candidate = strings.TrimSpace(candidate)
		if calls.ValidToken(candidate) {
			return candidate
		}
	}
	return ""
}

// controlToken runs the onclick patterns then the control's data attributes.
func controlToken(control *goquery.Selection) (string, tokenSource) {
	onclick, _ := control.Attr("onclick")
	if token, src := tokenFromOnclick(onclick); token != "" {
		return token, src
	}
	if token := tokenFromAttrs(control, controlTokenAttrs); token != "" {
		return token, sourceControl
	}
	return "", sourceNone
}

// rowToken checks the nearest row ancestor of the control.
func rowToken(control *goquery.Selection) (string, tokenSource) {
	row := control.Closest("tr")
	if row.Length() == 0 {
		return "", sourceNone
	}
	if token := tokenFromAttrs(row, rowTokenAttrs); token != "" {
		return token, sourceRow
	}
	return "", sourceNone
}
