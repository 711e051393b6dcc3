package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"predictpool/internal/db"
	"predictpool/internal/model"
)

// PublishFunc broadcasts a live-update message for a market. An empty
// marketID means "everyone", not a specific room.
type PublishFunc func(marketID, msgType string, data any)

// Notifier is the fire-and-forget sink for market announcements. Failures
// must stay inside the implementation; the engine never looks at them.
type Notifier interface {
	MarketCreated(ctx context.Context, m model.Market)
	MarketResolved(ctx context.Context, m model.Market, totalPool, winningPool int)
}

// Engine owns every bet, market, and balance mutation. Atomicity comes from
// the per-collection exclusive sections of the store: anything that must not
// interleave with a concurrent writer happens inside a single Update call.
type Engine struct {
	users   *db.Collection[model.User]
	markets *db.Collection[model.Market]
	bets    *db.Collection[model.Bet]

	publish      PublishFunc
	notifier     Notifier
	startBalance int
	log          *logrus.Entry
}

func New(store *db.Store, publish PublishFunc, notifier Notifier, startBalance int) *Engine {
	return &Engine{
		users:        db.NewCollection[model.User](store, "users"),
		markets:      db.NewCollection[model.Market](store, "markets"),
		bets:         db.NewCollection[model.Bet](store, "bets"),
		publish:      publish,
		notifier:     notifier,
		startBalance: startBalance,
		log:          logrus.WithField("component", "engine"),
	}
}

func newID() string { return uuid.New().String() }

// NewWalletKey returns a fresh opaque bearer secret.
func NewWalletKey() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("wallet key entropy: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// ── Sessions / users ─────────────────────────────────

// Authenticate resolves a wallet key to its user with a fresh read, so a
// just-revoked or just-created key takes effect immediately.
func (e *Engine) Authenticate(ctx context.Context, walletKey string) (*model.User, error) {
	walletKey = strings.TrimSpace(walletKey)
	if walletKey == "" {
		return nil, ErrInvalidWalletKey
	}
	users, err := e.users.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].WalletKey == walletKey {
			u := users[i]
			return &u, nil
		}
	}
	return nil, ErrInvalidWalletKey
}

// Bootstrap seeds a single admin user on first run. It returns the generated
// wallet key exactly once; there is no other way to obtain initial access.
func (e *Engine) Bootstrap(ctx context.Context) (walletKey string, created bool, err error) {
	key := NewWalletKey()
	_, err = e.users.Update(ctx, func(users []model.User) ([]model.User, error) {
		if len(users) > 0 {
			return users, nil
		}
		created = true
		return append(users, model.User{
			ID:          newID(),
			WalletKey:   key,
			DisplayName: "Admin",
			IsAdmin:     true,
			Balance:     e.startBalance,
			CreatedAt:   time.Now().UTC(),
		}), nil
	})
	if err != nil {
		return "", false, err
	}
	if !created {
		return "", false, nil
	}
	e.log.Info("seeded bootstrap admin user")
	return key, true, nil
}

// CreateUser mints a user with a fresh wallet key and the starting balance.
func (e *Engine) CreateUser(ctx context.Context, displayName string) (*model.User, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, ErrMissingDisplayName
	}
	u := model.User{
		ID:          newID(),
		WalletKey:   NewWalletKey(),
		DisplayName: displayName,
		IsAdmin:     false,
		Balance:     e.startBalance,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := e.users.Update(ctx, func(users []model.User) ([]model.User, error) {
		return append(users, u), nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (e *Engine) ListUsers(ctx context.Context) ([]model.User, error) {
	return e.users.ReadAll(ctx)
}

// ── Betting ──────────────────────────────────────────

// PlaceBet validates and records one bet. The underdog bonus is computed
// from the pools as they stood strictly before this bet; when it is positive
// a house bet lands in the same Bets update, so no reader ever sees the user
// stake without its bonus.
func (e *Engine) PlaceBet(ctx context.Context, userID string, req model.PlaceBetReq) (*model.PlaceBetResult, error) {
	if !req.Outcome.Valid() {
		return nil, ErrBadOutcome
	}
	if req.Amount <= 0 {
		return nil, ErrBadAmount
	}

	markets, err := e.markets.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	market := findMarket(markets, req.MarketID)
	if market == nil {
		return nil, ErrMarketNotFound
	}
	if market.Status != model.MarketOpen {
		return nil, ErrMarketNotOpen
	}
	if market.ClosesAt != nil && !time.Now().Before(*market.ClosesAt) {
		return nil, ErrBettingClosed
	}

	// Balance check against a fresh read, never a cached snapshot.
	users, err := e.users.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	bettor := findUser(users, userID)
	if bettor == nil {
		return nil, ErrUserNotFound
	}
	if bettor.Balance < req.Amount {
		return nil, ErrInsufficientBalance
	}

	allBets, err := e.bets.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	before := Pools(marketBets(allBets, req.MarketID))
	bonus := UnderdogBonus(req.Outcome, before.YesPool, before.NoPool, req.Amount)

	bet := model.Bet{
		ID:        newID(),
		UserID:    userID,
		MarketID:  req.MarketID,
		Outcome:   req.Outcome,
		Amount:    req.Amount,
		CreatedAt: time.Now().UTC(),
	}

	updatedBets, err := e.bets.Update(ctx, func(bets []model.Bet) ([]model.Bet, error) {
		bets = append(bets, bet)
		if bonus > 0 {
			bets = append(bets, model.Bet{
				ID:        newID(),
				UserID:    model.HouseUserID,
				MarketID:  req.MarketID,
				Outcome:   req.Outcome,
				Amount:    bonus,
				CreatedAt: time.Now().UTC(),
			})
		}
		return bets, nil
	})
	if err != nil {
		return nil, err
	}

	newBalance := 0
	_, err = e.users.Update(ctx, func(users []model.User) ([]model.User, error) {
		for i := range users {
			if users[i].ID == userID {
				users[i].Balance -= req.Amount
				if users[i].Balance < 0 {
					users[i].Balance = 0
				}
				newBalance = users[i].Balance
			}
		}
		return users, nil
	})
	if err != nil {
		// The bet is recorded but the stake was not debited. There is no
		// rollback across collections; flag for manual reconciliation.
		e.log.WithError(err).WithFields(logrus.Fields{
			"user":   userID,
			"market": req.MarketID,
			"amount": req.Amount,
		}).Error("bet recorded but balance debit failed; manual reconciliation required")
		return nil, err
	}

	pool := Pools(marketBets(updatedBets, req.MarketID))
	if e.publish != nil {
		e.publish(req.MarketID, "pool_update", pool)
	}
	return &model.PlaceBetResult{
		Bet:         bet,
		Pool:        pool,
		NewBalance:  newBalance,
		BonusAmount: bonus,
	}, nil
}

// ── Resolution ───────────────────────────────────────

// ResolveMarket performs the one-way open → resolved transition and pays out
// the pool. The status check-and-set happens inside the Markets exclusive
// section, which is what makes a concurrent second resolution lose cleanly.
func (e *Engine) ResolveMarket(ctx context.Context, marketID string, outcome model.Outcome) (*model.ResolveResult, error) {
	if !outcome.Valid() {
		return nil, ErrBadOutcome
	}

	var resolved model.Market
	_, err := e.markets.Update(ctx, func(markets []model.Market) ([]model.Market, error) {
		for i := range markets {
			if markets[i].ID != marketID {
				continue
			}
			if markets[i].Status == model.MarketResolved {
				return nil, ErrAlreadyResolved
			}
			now := time.Now().UTC()
			oc := outcome
			markets[i].Status = model.MarketResolved
			markets[i].ResolvedOutcome = &oc
			markets[i].ResolvedAt = &now
			resolved = markets[i]
			return markets, nil
		}
		return nil, ErrMarketNotFound
	})
	if err != nil {
		return nil, err
	}

	allBets, err := e.bets.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	bets := marketBets(allBets, marketID)

	// Both pools include house bonus bets: winning-side bonus coins dilute
	// the per-coin share but also enlarge what real winners split.
	winningPool, totalPool := 0, 0
	for _, b := range bets {
		totalPool += b.Amount
		if b.Outcome == outcome {
			winningPool += b.Amount
		}
	}

	payouts := map[string]int{}
	if winningPool > 0 && totalPool > 0 {
		for _, b := range bets {
			if b.Outcome != outcome || b.IsHouse() {
				continue
			}
			payouts[b.UserID] += b.Amount * totalPool / winningPool
		}
	}

	if len(payouts) > 0 {
		// One exclusive pass credits every winner.
		_, err = e.users.Update(ctx, func(users []model.User) ([]model.User, error) {
			for i := range users {
				if credit, ok := payouts[users[i].ID]; ok {
					users[i].Balance += credit
				}
			}
			return users, nil
		})
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"market":      marketID,
				"winningPool": winningPool,
				"totalPool":   totalPool,
			}).Error("market resolved but payouts not credited; manual reconciliation required")
			return nil, err
		}
	}

	e.log.WithFields(logrus.Fields{
		"market":      marketID,
		"outcome":     outcome,
		"winners":     len(payouts),
		"winningPool": winningPool,
		"totalPool":   totalPool,
	}).Info("market resolved")

	res := &model.ResolveResult{
		Market:      resolved,
		Payouts:     payouts,
		TotalPool:   totalPool,
		WinningPool: winningPool,
	}
	if e.publish != nil {
		e.publish(marketID, "market_resolved", res)
	}
	if e.notifier != nil {
		go e.notifier.MarketResolved(context.Background(), resolved, totalPool, winningPool)
	}
	return res, nil
}

// ── Market lifecycle ─────────────────────────────────

func (e *Engine) CreateMarket(ctx context.Context, question, description string, closesAt *time.Time) (*model.Market, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrMissingQuestion
	}
	if closesAt != nil && !closesAt.After(time.Now()) {
		return nil, ErrInvalidCloseTime
	}

	m := model.Market{
		ID:          newID(),
		Question:    question,
		Description: strings.TrimSpace(description),
		Status:      model.MarketOpen,
		ClosesAt:    closesAt,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := e.markets.Update(ctx, func(markets []model.Market) ([]model.Market, error) {
		return append(markets, m), nil
	})
	if err != nil {
		return nil, err
	}

	if e.publish != nil {
		e.publish("", "market_created", m)
	}
	if e.notifier != nil {
		go e.notifier.MarketCreated(context.Background(), m)
	}
	return &m, nil
}

// SetTimer sets or clears the betting cutoff of an open market.
func (e *Engine) SetTimer(ctx context.Context, marketID string, closesAt *time.Time) (*model.Market, error) {
	if closesAt != nil && !closesAt.After(time.Now()) {
		return nil, ErrInvalidCloseTime
	}

	var updated model.Market
	_, err := e.markets.Update(ctx, func(markets []model.Market) ([]model.Market, error) {
		for i := range markets {
			if markets[i].ID != marketID {
				continue
			}
			if markets[i].Status != model.MarketOpen {
				return nil, ErrMarketNotOpen
			}
			markets[i].ClosesAt = closesAt
			updated = markets[i]
			return markets, nil
		}
		return nil, ErrMarketNotFound
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteMarket removes a market and its bets. Open markets refund every real
// stake first; resolved markets were already paid out, so only cleanup runs.
func (e *Engine) DeleteMarket(ctx context.Context, marketID string) error {
	markets, err := e.markets.ReadAll(ctx)
	if err != nil {
		return err
	}
	market := findMarket(markets, marketID)
	if market == nil {
		return ErrMarketNotFound
	}

	if market.Status == model.MarketOpen {
		allBets, err := e.bets.ReadAll(ctx)
		if err != nil {
			return err
		}
		refunds := map[string]int{}
		for _, b := range marketBets(allBets, marketID) {
			if b.IsHouse() {
				continue
			}
			refunds[b.UserID] += b.Amount
		}
		if len(refunds) > 0 {
			_, err = e.users.Update(ctx, func(users []model.User) ([]model.User, error) {
				for i := range users {
					if credit, ok := refunds[users[i].ID]; ok {
						users[i].Balance += credit
					}
				}
				return users, nil
			})
			if err != nil {
				return err
			}
		}
	}

	_, err = e.bets.Update(ctx, func(bets []model.Bet) ([]model.Bet, error) {
		kept := bets[:0]
		for _, b := range bets {
			if b.MarketID != marketID {
				kept = append(kept, b)
			}
		}
		return kept, nil
	})
	if err != nil {
		return err
	}
	_, err = e.markets.Update(ctx, func(markets []model.Market) ([]model.Market, error) {
		kept := markets[:0]
		for _, m := range markets {
			if m.ID != marketID {
				kept = append(kept, m)
			}
		}
		return kept, nil
	})
	if err != nil {
		return err
	}

	if e.publish != nil {
		e.publish("", "market_deleted", map[string]string{"id": marketID})
	}
	return nil
}

// ── Balances ─────────────────────────────────────────

// AdjustBalance sets or shifts one user's balance. Balances clamp at zero,
// never go negative.
func (e *Engine) AdjustBalance(ctx context.Context, mode model.BalanceMode, userID string, amount int) (*model.BalanceChange, error) {
	if mode != model.BalanceSet && mode != model.BalanceAdd {
		return nil, ErrBadMode
	}
	if userID == "" {
		return nil, ErrMissingUserID
	}

	found := false
	newBalance := 0
	_, err := e.users.Update(ctx, func(users []model.User) ([]model.User, error) {
		for i := range users {
			if users[i].ID != userID {
				continue
			}
			found = true
			if mode == model.BalanceSet {
				newBalance = amount
			} else {
				newBalance = users[i].Balance + amount
			}
			if newBalance < 0 {
				newBalance = 0
			}
			users[i].Balance = newBalance
		}
		if !found {
			return nil, ErrUserNotFound
		}
		return users, nil
	})
	if err != nil {
		return nil, err
	}
	return &model.BalanceChange{UserID: userID, NewBalance: newBalance}, nil
}

// AdjustAllBalances shifts every non-admin balance by amount, clamped at
// zero.
func (e *Engine) AdjustAllBalances(ctx context.Context, amount int) (*model.BulkBalanceChange, error) {
	updated := 0
	_, err := e.users.Update(ctx, func(users []model.User) ([]model.User, error) {
		for i := range users {
			if users[i].IsAdmin {
				continue
			}
			updated++
			users[i].Balance += amount
			if users[i].Balance < 0 {
				users[i].Balance = 0
			}
		}
		return users, nil
	})
	if err != nil {
		return nil, err
	}
	return &model.BulkBalanceChange{Updated: updated, Amount: amount}, nil
}

// ── Read views ───────────────────────────────────────

// ListMarkets returns every market with its pools, open markets first, each
// group newest first.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.MarketSummary, error) {
	markets, err := e.markets.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	bets, err := e.bets.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.MarketSummary, 0, len(markets))
	for _, m := range markets {
		out = append(out, model.MarketSummary{
			Market:     m,
			PoolTotals: Pools(marketBets(bets, m.ID)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Status == model.MarketOpen) != (b.Status == model.MarketOpen) {
			return a.Status == model.MarketOpen
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out, nil
}

// MarketView returns one market with its pools and the bet feed. House bets
// stay out of the feed; the displayed payout for a resolved market splits
// the total pool across real winning stakes only.
func (e *Engine) MarketView(ctx context.Context, marketID string) (*model.MarketView, error) {
	markets, err := e.markets.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	market := findMarket(markets, marketID)
	if market == nil {
		return nil, ErrMarketNotFound
	}

	allBets, err := e.bets.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	users, err := e.users.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	bets := marketBets(allBets, marketID)
	pool := Pools(bets)

	var feed []model.Bet
	realWinningPool := 0
	for _, b := range bets {
		if b.IsHouse() {
			continue
		}
		feed = append(feed, b)
		if market.ResolvedOutcome != nil && b.Outcome == *market.ResolvedOutcome {
			realWinningPool += b.Amount
		}
	}
	sort.Slice(feed, func(i, j int) bool { return feed[i].CreatedAt.After(feed[j].CreatedAt) })

	views := make([]model.BetView, 0, len(feed))
	for _, b := range feed {
		v := model.BetView{Bet: b, DisplayName: "Unknown"}
		if u := findUser(users, b.UserID); u != nil {
			v.DisplayName = u.DisplayName
		}
		if market.Status == model.MarketResolved && realWinningPool > 0 && pool.TotalPool > 0 {
			p := 0
			if b.Outcome == *market.ResolvedOutcome {
				p = b.Amount * pool.TotalPool / realWinningPool
			}
			v.Payout = &p
		}
		views = append(views, v)
	}

	return &model.MarketView{Market: *market, PoolTotals: pool, Bets: views}, nil
}

// Leaderboard ranks non-admin users by balance.
func (e *Engine) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	users, err := e.users.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.LeaderboardEntry, 0, len(users))
	for _, u := range users {
		if u.IsAdmin {
			continue
		}
		out = append(out, model.LeaderboardEntry{ID: u.ID, DisplayName: u.DisplayName, Balance: u.Balance})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Balance > out[j].Balance })
	return out, nil
}

// UserProfile returns one user's balance, rank, and bet history with settled
// payouts.
func (e *Engine) UserProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	users, err := e.users.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	target := findUser(users, userID)
	if target == nil {
		return nil, ErrUserNotFound
	}

	ranked := make([]model.User, len(users))
	copy(ranked, users)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Balance > ranked[j].Balance })
	rank := 0
	for i := range ranked {
		if ranked[i].ID == userID {
			rank = i + 1
			break
		}
	}

	allBets, err := e.bets.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	markets, err := e.markets.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	var mine []model.Bet
	for _, b := range allBets {
		if b.UserID == userID {
			mine = append(mine, b)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].CreatedAt.After(mine[j].CreatedAt) })

	history := make([]model.ProfileBet, 0, len(mine))
	for _, b := range mine {
		pb := model.ProfileBet{Bet: b, MarketQuestion: "Unknown market", MarketStatus: model.MarketOpen}
		if m := findMarket(markets, b.MarketID); m != nil {
			pb.MarketQuestion = m.Question
			pb.MarketStatus = m.Status
			pb.ResolvedOutcome = m.ResolvedOutcome
			if m.Status == model.MarketResolved {
				winningPool, totalPool := 0, 0
				for _, mb := range marketBets(allBets, m.ID) {
					totalPool += mb.Amount
					if mb.Outcome == *m.ResolvedOutcome {
						winningPool += mb.Amount
					}
				}
				p := 0
				if b.Outcome == *m.ResolvedOutcome && winningPool > 0 {
					p = b.Amount * totalPool / winningPool
				}
				pb.Payout = &p
			}
		}
		history = append(history, pb)
	}

	return &model.UserProfile{
		DisplayName: target.DisplayName,
		Balance:     target.Balance,
		Rank:        rank,
		Bets:        history,
	}, nil
}

// ── Lookups ──────────────────────────────────────────

func findMarket(markets []model.Market, id string) *model.Market {
	for i := range markets {
		if markets[i].ID == id {
			return &markets[i]
		}
	}
	return nil
}

func findUser(users []model.User, id string) *model.User {
	for i := range users {
		if users[i].ID == id {
			return &users[i]
		}
	}
	return nil
}
