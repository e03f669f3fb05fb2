package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/hamed0406/webguard/internal/domain"
)

var kindEmoji = map[domain.IncidentKind]string{
	domain.IncidentDowntime:   "🔴",
	domain.IncidentDefacement: "⚠️",
	domain.IncidentSSLExpiry:  "🔒",
}

var severityEmoji = map[domain.Severity]string{
	domain.SeverityCritical: "🚨",
	domain.SeverityHigh:     "⚠️",
	domain.SeverityMedium:   "⚡",
	domain.SeverityLow:      "ℹ️",
}

var kindLabel = map[domain.IncidentKind]string{
	domain.IncidentDowntime:   "Downtime",
	domain.IncidentDefacement: "Defacement",
	domain.IncidentSSLExpiry:  "SSL Expiry",
}

const timeLayout = "2006-01-02 15:04:05 UTC"

// FormatAlert renders the Telegram-flavoured HTML body of an alert.
func FormatAlert(a Alert) string {
	emoji, ok := kindEmoji[a.Kind]
	if !ok {
		emoji = "📢"
	}
	label, ok := kindLabel[a.Kind]
	if !ok {
		label = titleWords(string(a.Kind))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>WebGuard Alert</b>\n\n", emoji)
	fmt.Fprintf(&b, "<b>Type:</b> %s\n", html.EscapeString(label))
	sev := titleWords(string(a.Severity))
	if se := severityEmoji[a.Severity]; se != "" {
		sev = se + " " + sev
	}
	fmt.Fprintf(&b, "<b>Severity:</b> %s\n\n", html.EscapeString(sev))
	if a.TargetName != "" {
		fmt.Fprintf(&b, "<b>Website:</b> %s\n", html.EscapeString(a.TargetName))
	}
	if a.URL != "" {
		fmt.Fprintf(&b, "<b>URL:</b> %s\n", html.EscapeString(a.URL))
	}
	fmt.Fprintf(&b, "\n<b>Details:</b>\n%s\n\n", html.EscapeString(a.Detail))
	fmt.Fprintf(&b, "<i>Time: %s</i>", a.At.UTC().Format(timeLayout))
	return b.String()
}

var richMarkers = strings.NewReplacer("<b>", "", "</b>", "", "<i>", "", "</i>", "")

// StripFormatting removes the markup FormatAlert adds and unescapes
// entities, leaving text any channel accepts verbatim.
func StripFormatting(s string) string {
	return html.UnescapeString(richMarkers.Replace(s))
}

func titleWords(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
