package model

import "time"

// ── Enums ────────────────────────────────────────────

type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo }

type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketResolved MarketStatus = "resolved"
)

type BalanceMode string

const (
	BalanceSet    BalanceMode = "set"
	BalanceAdd    BalanceMode = "add"
	BalanceAddAll BalanceMode = "add_all"
)

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID          string    `json:"id"`
	WalletKey   string    `json:"walletKey"`
	DisplayName string    `json:"displayName"`
	IsAdmin     bool      `json:"isAdmin"`
	Balance     int       `json:"balance"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Market struct {
	ID              string       `json:"id"`
	Question        string       `json:"question"`
	Description     string       `json:"description"`
	Status          MarketStatus `json:"status"`
	ResolvedOutcome *Outcome     `json:"resolvedOutcome"`
	ClosesAt        *time.Time   `json:"closesAt,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	ResolvedAt      *time.Time   `json:"resolvedAt"`
}

// HouseUserID owns the bonus liquidity bets the system injects on underdog
// sides. It is never a billable or payable identity.
const HouseUserID = "house"

type Bet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	MarketID  string    `json:"marketId"`
	Outcome   Outcome   `json:"outcome"`
	Amount    int       `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsHouse reports whether the bet is house bonus liquidity rather than a user
// stake. Every payout and refund exclusion goes through this check.
func (b Bet) IsHouse() bool { return b.UserID == HouseUserID }

// ── API Types ────────────────────────────────────────

type PlaceBetReq struct {
	MarketID string  `json:"marketId"`
	Outcome  Outcome `json:"outcome"`
	Amount   int     `json:"amount"`
}

type PoolTotals struct {
	YesPool   int `json:"yesPool"`
	NoPool    int `json:"noPool"`
	TotalPool int `json:"totalPool"`
}

type PlaceBetResult struct {
	Bet         Bet        `json:"bet"`
	Pool        PoolTotals `json:"pool"`
	NewBalance  int        `json:"newBalance"`
	BonusAmount int        `json:"bonusAmount"`
}

type ResolveResult struct {
	Market
	Payouts     map[string]int `json:"payouts"`
	TotalPool   int            `json:"totalPool"`
	WinningPool int            `json:"winningPool"`
}

type MarketSummary struct {
	Market
	PoolTotals
}

// BetView is a feed entry on a market page. Payout is nil while the market
// is open, a concrete amount (possibly 0) once it is resolved.
type BetView struct {
	Bet
	DisplayName string `json:"displayName"`
	Payout      *int   `json:"payout"`
}

type MarketView struct {
	Market
	PoolTotals
	Bets []BetView `json:"bets"`
}

type LeaderboardEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Balance     int    `json:"balance"`
}

type ProfileBet struct {
	Bet
	MarketQuestion  string       `json:"marketQuestion"`
	MarketStatus    MarketStatus `json:"marketStatus"`
	ResolvedOutcome *Outcome     `json:"resolvedOutcome"`
	Payout          *int         `json:"payout"`
}

type UserProfile struct {
	DisplayName string       `json:"displayName"`
	Balance     int          `json:"balance"`
	Rank        int          `json:"rank"`
	Bets        []ProfileBet `json:"bets"`
}

// UserSummary is the session-facing view of a user, without the wallet key.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
	Balance     int    `json:"balance"`
}

func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, DisplayName: u.DisplayName, IsAdmin: u.IsAdmin, Balance: u.Balance}
}

type BalanceChange struct {
	UserID     string `json:"userId"`
	NewBalance int    `json:"newBalance"`
}

type BulkBalanceChange struct {
	Updated int `json:"updated"`
	Amount  int `json:"amount"`
}
