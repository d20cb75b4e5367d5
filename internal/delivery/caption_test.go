package delivery

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/callrelay/internal/calls"
)

func TestFlag(t *testing.T) {
	t.Parallel()

	require.Equal(t, "🇧🇩", Flag("BD"))
	require.Equal(t, "🇺🇸", Flag("us"))
	require.Equal(t, unknownFlag, Flag("USA"))
	require.Equal(t, unknownFlag, Flag("1A"))
	require.Equal(t, unknownFlag, Flag(""))
}

func TestMaskNumber(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"18005551234":   "+1*******234",
		"+447700900123": "+44*******123",
		"8801712345678": "+880*******678",
		"12":            "+12",
		"+999abcdefgh":  "+999******fgh",
	}
	for in, want := range tests {
		require.Equal(t, want, MaskNumber(in), in)
	}
}

func TestCountryOf(t *testing.T) {
	t.Parallel()

	de := CountryOf("4930123456")
	require.Equal(t, "🇩🇪", de.Flag)
	require.Equal(t, "Germany", de.Name)

	bd := CountryOf("+880 1712-345678")
	require.Equal(t, "🇧🇩", bd.Flag)
	require.Equal(t, "Bangladesh", bd.Name)

	unknown := CountryOf("abc")
	require.Equal(t, unknownFlag, unknown.Flag)
}

func TestCaption(t *testing.T) {
	t.Parallel()

	dhaka := time.FixedZone("Asia/Dhaka", 6*3600)
	at := time.Date(2026, 3, 4, 9, 30, 5, 0, time.UTC)
	rec := calls.NewRecord("A1<x>", "4930123456", "9005551111", "00:05", "", "1700000000.123")

	got := Caption(rec, at, dhaka)
	require.True(t, strings.HasPrefix(got, "🎙️ <b>Voice Recording Received</b>\n━━━━━━━━━━━━━━━\n"))
	require.Contains(t, got, "🇩🇪 <b>Country:</b> <code>Germany</code>")
	require.Contains(t, got, "📞 <b>Number:</b> <code>+49*****456</code>")
	require.Contains(t, got, "👤 <b>CLI:</b> <code>9005551111</code>")
	require.Contains(t, got, "🚦 <b>Termination:</b> <code>A1&lt;x&gt;</code>")
	require.Contains(t, got, "💰 <b>Revenue:</b> <code>—</code>")
	require.Contains(t, got, "🕒 <b>Logged at:</b> <code>03/04/2026</code> | <code>03:30:05 PM</code>")
	require.True(t, strings.HasSuffix(got, "🏁 <b>Termination</b> ✅"))
}

func TestInstantNotice(t *testing.T) {
	t.Parallel()

	rec := calls.NewRecord("A1", "8801712345678", "9005551111", "00:05", "0.10", "1700000000.123")
	require.Equal(t,
		"<b>📞 New call received</b>\n\n🇧🇩 <code>+880*******678</code>\n🚦 <b>Termination:</b> <code>A1</code>",
		InstantNotice(rec),
	)
}

func TestAlertTemplates(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t,
		"❗ <b>Download failed</b>\n\nCall A1 audio was empty or unavailable.\n\nTime: 2026-01-02 03:04:05",
		AlertText("Download failed", "Call A1 audio was empty or unavailable.", at),
	)
	require.Equal(t,
		"⚠️ <b>Connection Lost</b>\n\nReason: Session expired\nTime: 2026-01-02 03:04:05\nSystem will retry automatically...",
		ConnectionLostText("Session expired", at),
	)
	require.Contains(t, ConnectionRestoredText(at), "Monitoring resumed successfully")
}
