// Package notify posts market announcements to a Discord webhook.
// Delivery is best effort: failures are logged at debug level and never
// surface to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"predictpool/internal/model"
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

const (
	colorCreated  = 0x3b82f6
	colorResolved = 0x22c55e
)

// Discord sends webhook embeds. A zero webhook URL makes every method a
// no-op, so callers never need a nil check of their own.
type Discord struct {
	webhookURL string
	client     *http.Client
	log        *logrus.Entry
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        logrus.WithField("component", "notify"),
	}
}

func (d *Discord) MarketCreated(ctx context.Context, m model.Market) {
	e := embed{
		Title:       "New market: " + m.Question,
		Description: m.Description,
		Color:       colorCreated,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if m.ClosesAt != nil {
		e.Fields = append(e.Fields, embedField{
			Name:   "Betting closes",
			Value:  m.ClosesAt.UTC().Format(time.RFC1123),
			Inline: true,
		})
	}
	d.post(ctx, e)
}

func (d *Discord) MarketResolved(ctx context.Context, m model.Market, totalPool, winningPool int) {
	outcome := "unknown"
	if m.ResolvedOutcome != nil {
		outcome = string(*m.ResolvedOutcome)
	}
	e := embed{
		Title:     "Market resolved: " + m.Question,
		Color:     colorResolved,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Fields: []embedField{
			{Name: "Outcome", Value: outcome, Inline: true},
			{Name: "Total pool", Value: fmt.Sprintf("%d coins", totalPool), Inline: true},
			{Name: "Winning pool", Value: fmt.Sprintf("%d coins", winningPool), Inline: true},
		},
	}
	d.post(ctx, e)
}

func (d *Discord) post(ctx context.Context, e embed) {
	if d.webhookURL == "" {
		return
	}
	body, err := json.Marshal(webhookPayload{Embeds: []embed{e}})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		d.log.WithError(err).Debug("webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.WithError(err).Debug("webhook delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.log.WithField("status", resp.StatusCode).Debug("webhook delivery rejected")
	}
}
