// poolctl is a small terminal client for a running server. It talks the
// public API with a wallet key and renders tables for quick inspection.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"predictpool/internal/model"
)

func main() {
	server := flag.String("server", "http://localhost:4000", "server base URL")
	key := flag.String("key", os.Getenv("WALLET_KEY"), "wallet key (defaults to $WALLET_KEY)")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	c := &client{base: *server, key: *key, http: &http.Client{Timeout: 15 * time.Second}}

	var err error
	switch flag.Arg(0) {
	case "markets":
		err = c.markets()
	case "market":
		if flag.NArg() < 2 {
			usage()
			os.Exit(2)
		}
		err = c.market(flag.Arg(1))
	case "leaderboard":
		err = c.leaderboard()
	case "me":
		err = c.me()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "poolctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: poolctl [-server URL] [-key WALLET_KEY] <command>

commands:
  markets          list all markets with pools
  market <id>      show one market with its bet feed
  leaderboard      show the balance ranking
  me               show the authenticated user`)
}

type client struct {
	base string
	key  string
	http *http.Client
}

func (c *client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) markets() error {
	var markets []model.MarketSummary
	if err := c.get("/api/markets", &markets); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Question", "Status", "Yes", "No", "Total", "Closes")
	for _, m := range markets {
		closes := "-"
		if m.ClosesAt != nil {
			closes = m.ClosesAt.Local().Format("Jan 2 15:04")
		}
		table.Append(
			shortID(m.ID),
			m.Question,
			string(m.Status),
			strconv.Itoa(m.YesPool),
			strconv.Itoa(m.NoPool),
			strconv.Itoa(m.TotalPool),
			closes,
		)
	}
	table.Render()
	return nil
}

func (c *client) market(id string) error {
	var view model.MarketView
	if err := c.get("/api/markets/"+id, &view); err != nil {
		return err
	}

	fmt.Printf("%s [%s]\n", view.Question, view.Status)
	if view.Description != "" {
		fmt.Println(view.Description)
	}
	fmt.Printf("pools: yes=%d no=%d total=%d\n\n", view.YesPool, view.NoPool, view.TotalPool)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Who", "Outcome", "Amount", "Payout", "When")
	for _, b := range view.Bets {
		payout := "-"
		if b.Payout != nil {
			payout = strconv.Itoa(*b.Payout)
		}
		table.Append(
			b.DisplayName,
			string(b.Outcome),
			strconv.Itoa(b.Amount),
			payout,
			b.CreatedAt.Local().Format("Jan 2 15:04"),
		)
	}
	table.Render()
	return nil
}

func (c *client) leaderboard() error {
	var entries []model.LeaderboardEntry
	if err := c.get("/api/leaderboard", &entries); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "Name", "Balance")
	for i, e := range entries {
		table.Append(strconv.Itoa(i+1), e.DisplayName, strconv.Itoa(e.Balance))
	}
	table.Render()
	return nil
}

func (c *client) me() error {
	var u model.UserSummary
	if err := c.get("/api/auth/me", &u); err != nil {
		return err
	}
	fmt.Printf("%s  balance=%d  admin=%v  id=%s\n", u.DisplayName, u.Balance, u.IsAdmin, u.ID)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
