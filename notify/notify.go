/*
Package notify announces allocation outcomes to a chat webhook.

PURPOSE:
  Posts a card (Google-Chat card JSON) when an allocation commits or
  fails, so the operations channel sees every decision without opening
  the admin UI. Formatting helpers turn raw CRM values (emails,
  multi-value tags, agreement dates) into readable text.

FAILURE SEMANTICS:
  Delivery problems are logged and swallowed; a lost card never fails
  an otherwise committed allocation. An empty webhook URL yields the
  engine's no-op notifier.
*/
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/engine"
)

// Chat posts allocation cards to a webhook URL.
type Chat struct {
	WebhookURL string
	HTTP       *http.Client
	Log        *zap.Logger
}

// New returns a Chat notifier, or the no-op notifier when url is empty.
func New(url string, log *zap.Logger) engine.Notifier {
	if strings.TrimSpace(url) == "" {
		return engine.NopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Chat{
		WebhookURL: url,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		Log:        log.Named("notify"),
	}
}

// =============================================================================
// CARD TYPES
// =============================================================================

type cardMessage struct {
	Cards []card `json:"cards"`
}

type card struct {
	Header   cardHeader    `json:"header"`
	Sections []cardSection `json:"sections"`
}

type cardHeader struct {
	Title string `json:"title"`
}

type cardSection struct {
	Header  string   `json:"header,omitempty"`
	Widgets []widget `json:"widgets"`
}

type widget struct {
	TextParagraph textParagraph `json:"textParagraph"`
}

type textParagraph struct {
	Text string `json:"text"`
}

// =============================================================================
// NOTIFIER
// =============================================================================

func (c *Chat) AllocationSucceeded(ctx context.Context, rec engine.AllocationRecord, candidates []engine.Candidate) {
	lines := []string{
		fmt.Sprintf("<b>Adviser:</b> %s", DisplayName(rec.AdviserEmail)),
		fmt.Sprintf("<b>Deal:</b> %s", rec.DealID),
		fmt.Sprintf("<b>Service package:</b> %s", FormatTagList(rec.ServicePackage)),
	}
	if rec.HouseholdType != "" {
		lines = append(lines, fmt.Sprintf("<b>Household:</b> %s", FormatTagList(rec.HouseholdType)))
	}
	lines = append(lines,
		fmt.Sprintf("<b>Earliest week:</b> %s (%s)", calendar.FormatDate(rec.EarliestWeek), rec.WeekLabel),
		fmt.Sprintf("<b>Field:</b> %d advisers considered", len(candidates)),
	)

	c.post(ctx, cardMessage{Cards: []card{{
		Header: cardHeader{Title: "Deal allocated"},
		Sections: []cardSection{{
			Header:  "Allocation",
			Widgets: []widget{{TextParagraph: textParagraph{Text: strings.Join(lines, "<br>")}}},
		}},
	}}})
}

func (c *Chat) AllocationFailed(ctx context.Context, req engine.AllocationRequest, kind engine.FaultKind, detail string) {
	text := fmt.Sprintf("<b>Deal:</b> %s<br><b>Reason:</b> %s<br>%s",
		req.DealID, kind, detail)

	c.post(ctx, cardMessage{Cards: []card{{
		Header: cardHeader{Title: "Allocation failed"},
		Sections: []cardSection{{
			Widgets: []widget{{TextParagraph: textParagraph{Text: text}}},
		}},
	}}})
}

func (c *Chat) post(ctx context.Context, msg cardMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		c.Log.Warn("notification payload not serializable", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewReader(body))
	if err != nil {
		c.Log.Warn("notification request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Log.Warn("notification delivery failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.Log.Warn("notification rejected", zap.Int("status", resp.StatusCode))
	}
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

// DisplayName renders an email's local part as a human name:
// "jordan.lee@x.com" -> "Jordan Lee".
func DisplayName(email string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}
	parts := strings.FieldsFunc(local, func(r rune) bool { return r == '.' || r == '_' || r == '-' })
	for i, p := range parts {
		parts[i] = titleWord(p)
	}
	if len(parts) == 0 {
		return email
	}
	return strings.Join(parts, " ")
}

// FormatTagList renders a raw multi-value property for humans:
// "hnw; ipo/retiree" -> "HNW, Ipo, Retiree" becomes "HNW, IPO, Retiree"
// (the IPO acronym stays uppercased).
func FormatTagList(raw string) string {
	tags := engine.SplitTags(raw)
	for i, t := range tags {
		if t == "ipo" || t == "hnw" {
			tags[i] = strings.ToUpper(t)
			continue
		}
		words := strings.Fields(t)
		for j, w := range words {
			words[j] = titleWord(w)
		}
		tags[i] = strings.Join(words, " ")
	}
	return strings.Join(tags, ", ")
}

// FormatAgreementStart renders an agreement date for humans. Accepts the two
// formats the CRM emits (YYYY-MM-DD and epoch millis); anything else passes
// through untouched.
func FormatAgreementStart(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if day, err := calendar.ParseDate(raw); err == nil {
		return day.Format("2 Jan 2006")
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return calendar.FromCivil(time.UnixMilli(ms).UTC()).Format("2 Jan 2006")
	}
	return raw
}

func titleWord(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
}
