// Package ratelimit classifies portal observations and decides how long to
// cool down after a block. Nothing here sleeps or keeps state; the caller owns
// the timer.
package ratelimit

import (
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"digemidscraper/internal/core/domain"
	"digemidscraper/internal/normalize"
)

// DefaultBlockMarkers are page texts the portal shows when it throttles us.
var DefaultBlockMarkers = []string{
	"demasiadas solicitudes",
	"too many requests",
	"servicio no disponible",
}

// DefaultClosedMarkers are driver errors seen when the site drops the socket,
// which it does instead of answering 429 once the session is flagged.
var DefaultClosedMarkers = []string{
	"connection closed",
	"target closed",
	"browser closed",
	"channel closed",
	"websocket: close",
}

// Guard is a pure Normal/Blocked classifier.
type Guard struct {
	blockMarkers  []string
	closedMarkers []string
}

// NewGuard creates a Guard. Nil marker lists fall back to the defaults.
func NewGuard(blockMarkers, closedMarkers []string) *Guard {
	if blockMarkers == nil {
		blockMarkers = DefaultBlockMarkers
	}
	if closedMarkers == nil {
		closedMarkers = DefaultClosedMarkers
	}
	g := &Guard{}
	for _, m := range blockMarkers {
		g.blockMarkers = append(g.blockMarkers, normalize.Fold(m))
	}
	for _, m := range closedMarkers {
		g.closedMarkers = append(g.closedMarkers, strings.ToLower(m))
	}
	return g
}

// Classify returns Blocked on HTTP 429, on a dropped browser connection, or
// when the rendered page carries a block message.
func (g *Guard) Classify(obs domain.Observation) domain.Verdict {
	if obs.StatusCode == http.StatusTooManyRequests {
		return domain.Blocked
	}
	if obs.Err != nil {
		msg := strings.ToLower(obs.Err.Error())
		for _, m := range g.closedMarkers {
			if strings.Contains(msg, m) {
				return domain.Blocked
			}
		}
	}
	if obs.HTML != "" {
		text := normalize.Fold(VisibleText(obs.HTML))
		for _, m := range g.blockMarkers {
			if strings.Contains(text, m) {
				return domain.Blocked
			}
		}
	}
	return domain.Normal
}

// VisibleText extracts the human-readable text of an HTML page.
func VisibleText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, noscript, template").Remove()
	return doc.Text()
}
