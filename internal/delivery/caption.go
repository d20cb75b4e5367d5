package delivery

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/JakeFAU/callrelay/internal/calls"
)

const (
	unknownFlag   = "🌍"
	alertTimeFmt  = "2006-01-02 15:04:05"
	loggedDateFmt = "01/02/2006"
	loggedTimeFmt = "03:04:05 PM"
)

var (
	nonDialable = regexp.MustCompile(`[^\d+]`)
	leadingCode = regexp.MustCompile(`^\+?(\d{1,4})`)
)

// Country describes where a destination number is registered.
type Country struct {
	Flag string
	Name string
}

// CountryOf resolves the flag and English country name for a dialled number.
func CountryOf(number string) Country {
	clean := nonDialable.ReplaceAllString(number, "")
	if !strings.HasPrefix(clean, "+") {
		clean = "+" + clean
	}
	parsed, err := phonenumbers.Parse(clean, "")
	if err != nil {
		if m := leadingCode.FindStringSubmatch(clean); m != nil {
			return Country{Flag: unknownFlag, Name: "Country Code +" + m[1]}
		}
		return Country{Flag: unknownFlag, Name: "Unknown"}
	}
	iso := phonenumbers.GetRegionCodeForNumber(parsed)
	if iso == "" || iso == "ZZ" {
		return Country{Flag: unknownFlag, Name: fmt.Sprintf("+%d", parsed.GetCountryCode())}
	}
	name := regionName(iso)
	if name == "" {
		name = fmt.Sprintf("%s +%d", iso, parsed.GetCountryCode())
	}
	return Country{Flag: Flag(iso), Name: name}
}

func regionName(iso string) string {
	region, err := language.ParseRegion(iso)
	if err != nil {
		return ""
	}
	return display.English.Regions().Name(region)
}

// Flag converts a two-letter region code to its regional-indicator emoji.
func Flag(iso string) string {
	if len(iso) != 2 {
		return unknownFlag
	}
	iso = strings.ToUpper(iso)
	var b strings.Builder
	for _, r := range iso {
		if r < 'A' || r > 'Z' {
			return unknownFlag
		}
		b.WriteRune(0x1F1E6 + r - 'A')
	}
	return b.String()
}

// MaskNumber hides all but the last three digits of the national number.
func MaskNumber(number string) string {
	dialled := number
	if !strings.HasPrefix(dialled, "+") {
		dialled = "+" + dialled
	}
	parsed, err := phonenumbers.Parse(dialled, "")
	if err != nil {
		if len(dialled) > 7 {
			return dialled[:4] + "******" + dialled[len(dialled)-3:]
		}
		return dialled
	}
	national := fmt.Sprintf("%d", parsed.GetNationalNumber())
	if len(national) > 3 {
		national = strings.Repeat("*", len(national)-3) + national[len(national)-3:]
	}
	return fmt.Sprintf("+%d%s", parsed.GetCountryCode(), national)
}

// Caption renders the HTML caption attached to a delivered recording.
func Caption(record calls.Record, at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	country := CountryOf(record.Destination)
	var b strings.Builder
	b.WriteString("🎙️ <b>Voice Recording Received</b>\n")
	b.WriteString("━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "%s <b>Country:</b> <code>%s</code>\n", country.Flag, html.EscapeString(country.Name))
	fmt.Fprintf(&b, "📞 <b>Number:</b> <code>%s</code>\n", html.EscapeString(MaskNumber(record.Destination)))
	fmt.Fprintf(&b, "👤 <b>CLI:</b> <code>%s</code>\n", html.EscapeString(orDefault(record.CallerID, "Unknown")))
	fmt.Fprintf(&b, "🚦 <b>Termination:</b> <code>%s</code>\n", html.EscapeString(orDefault(record.Termination, "Unknown")))
	fmt.Fprintf(&b, "⏱️ <b>Duration:</b> <code>%s</code>\n", html.EscapeString(orDefault(record.Duration, "—")))
	fmt.Fprintf(&b, "💰 <b>Revenue:</b> <code>%s</code>\n", html.EscapeString(orDefault(record.Revenue, "—")))
	fmt.Fprintf(&b, "🕒 <b>Logged at:</b> <code>%s</code> | <code>%s</code>\n",
		local.Format(loggedDateFmt), local.Format(loggedTimeFmt))
	b.WriteString("🏁 <b>Termination</b> ✅")
	return b.String()
}

// InstantNotice renders the short "new call" message.
func InstantNotice(record calls.Record) string {
	country := CountryOf(record.Destination)
	return fmt.Sprintf("<b>📞 New call received</b>\n\n%s <code>%s</code>\n🚦 <b>Termination:</b> <code>%s</code>",
		country.Flag,
		html.EscapeString(MaskNumber(record.Destination)),
		html.EscapeString(orDefault(record.Termination, "Unknown")),
	)
}

// AlertText renders a generic operator alert.
func AlertText(title, detail string, at time.Time) string {
	return fmt.Sprintf("❗ <b>%s</b>\n\n%s\n\nTime: %s",
		html.EscapeString(title), html.EscapeString(detail), at.Format(alertTimeFmt))
}

// ConnectionLostText renders the connection-lost alert.
func ConnectionLostText(reason string, at time.Time) string {
	return fmt.Sprintf("⚠️ <b>Connection Lost</b>\n\nReason: %s\nTime: %s\nSystem will retry automatically...",
		html.EscapeString(reason), at.Format(alertTimeFmt))
}

// ConnectionRestoredText renders the connection-restored alert.
func ConnectionRestoredText(at time.Time) string {
	return fmt.Sprintf("✅ <b>Connection Restored</b>\n\nMonitoring resumed successfully\nTime: %s",
		at.Format(alertTimeFmt))
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
