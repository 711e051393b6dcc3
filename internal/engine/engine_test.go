package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"predictpool/internal/db"
	"predictpool/internal/model"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil, nil, 1000)
}

func mustUser(t *testing.T, e *Engine, name string) *model.User {
	t.Helper()
	u, err := e.CreateUser(context.Background(), name)
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func mustMarket(t *testing.T, e *Engine, question string) *model.Market {
	t.Helper()
	m, err := e.CreateMarket(context.Background(), question, "", nil)
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return m
}

func mustBet(t *testing.T, e *Engine, userID, marketID string, outcome model.Outcome, amount int) *model.PlaceBetResult {
	t.Helper()
	res, err := e.PlaceBet(context.Background(), userID, model.PlaceBetReq{
		MarketID: marketID, Outcome: outcome, Amount: amount,
	})
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	return res
}

func balance(t *testing.T, e *Engine, userID string) int {
	t.Helper()
	users, err := e.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	for _, u := range users {
		if u.ID == userID {
			return u.Balance
		}
	}
	t.Fatalf("user %s not found", userID)
	return 0
}

// ── Bootstrap / auth ─────────────────────────────────

func TestBootstrapSeedsAdminOnce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	key, created, err := e.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !created || key == "" {
		t.Fatalf("expected first bootstrap to create admin, got created=%v key=%q", created, key)
	}

	admin, err := e.Authenticate(ctx, key)
	if err != nil {
		t.Fatalf("authenticate admin: %v", err)
	}
	if !admin.IsAdmin || admin.Balance != 1000 {
		t.Fatalf("unexpected admin: %+v", admin)
	}

	_, created, err = e.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if created {
		t.Fatal("second bootstrap must not seed another admin")
	}
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Authenticate(context.Background(), "nope"); !errors.Is(err, ErrInvalidWalletKey) {
		t.Fatalf("expected ErrInvalidWalletKey, got %v", err)
	}
	if _, err := e.Authenticate(context.Background(), "  "); !errors.Is(err, ErrInvalidWalletKey) {
		t.Fatalf("expected ErrInvalidWalletKey for blank key, got %v", err)
	}
}

// ── Betting ──────────────────────────────────────────

func TestPlaceBetDebitsAndGrowsPool(t *testing.T) {
	e := newTestEngine(t)
	u := mustUser(t, e, "alice")
	m := mustMarket(t, e, "Will it rain?")

	res := mustBet(t, e, u.ID, m.ID, model.OutcomeYes, 100)
	if res.NewBalance != 900 {
		t.Fatalf("expected balance 900, got %d", res.NewBalance)
	}
	if res.Pool.YesPool != 100 || res.Pool.TotalPool != 100 {
		t.Fatalf("unexpected pool: %+v", res.Pool)
	}
	if res.BonusAmount != 0 {
		t.Fatalf("first bet must not earn a bonus, got %d", res.BonusAmount)
	}
	if got := balance(t, e, u.ID); got != 900 {
		t.Fatalf("persisted balance = %d, want 900", got)
	}
}

func TestPlaceBetRejections(t *testing.T) {
	e := newTestEngine(t)
	u := mustUser(t, e, "alice")
	m := mustMarket(t, e, "Will it rain?")
	ctx := context.Background()

	cases := []struct {
		name string
		req  model.PlaceBetReq
		want error
	}{
		{"bad outcome", model.PlaceBetReq{MarketID: m.ID, Outcome: "maybe", Amount: 10}, ErrBadOutcome},
		{"zero amount", model.PlaceBetReq{MarketID: m.ID, Outcome: model.OutcomeYes, Amount: 0}, ErrBadAmount},
		{"negative amount", model.PlaceBetReq{MarketID: m.ID, Outcome: model.OutcomeYes, Amount: -5}, ErrBadAmount},
		{"unknown market", model.PlaceBetReq{MarketID: "missing", Outcome: model.OutcomeYes, Amount: 10}, ErrMarketNotFound},
		{"over balance", model.PlaceBetReq{MarketID: m.ID, Outcome: model.OutcomeYes, Amount: 1001}, ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.PlaceBet(ctx, u.ID, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	// Exact balance is allowed.
	mustBet(t, e, u.ID, m.ID, model.OutcomeYes, 1000)
	if got := balance(t, e, u.ID); got != 0 {
		t.Fatalf("balance after all-in = %d, want 0", got)
	}
}

func TestPlaceBetAfterCloseTimeRejected(t *testing.T) {
	e := newTestEngine(t)
	u := mustUser(t, e, "alice")
	closes := time.Now().Add(50 * time.Millisecond)
	m, err := e.CreateMarket(context.Background(), "Closing soon?", "", &closes)
	if err != nil {
		t.Fatalf("create market: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	_, err = e.PlaceBet(context.Background(), u.ID, model.PlaceBetReq{
		MarketID: m.ID, Outcome: model.OutcomeYes, Amount: 10,
	})
	if !errors.Is(err, ErrBettingClosed) {
		t.Fatalf("expected ErrBettingClosed, got %v", err)
	}
}

func TestUnderdogBonusInjectsHouseBet(t *testing.T) {
	e := newTestEngine(t)
	a := mustUser(t, e, "alice")
	b := mustUser(t, e, "bob")
	m := mustMarket(t, e, "Lopsided?")
	ctx := context.Background()

	mustBet(t, e, a.ID, m.ID, model.OutcomeYes, 70)
	mustBet(t, e, a.ID, m.ID, model.OutcomeNo, 30)

	// Pools are 70/30; a 100-coin bet on no earns a 10% house bonus.
	res := mustBet(t, e, b.ID, m.ID, model.OutcomeNo, 100)
	if res.BonusAmount != 10 {
		t.Fatalf("bonus = %d, want 10", res.BonusAmount)
	}
	if res.Pool.NoPool != 140 {
		t.Fatalf("noPool = %d, want 140 (30 + 100 + 10 bonus)", res.Pool.NoPool)
	}
	// The bonus is house money; bob only paid his stake.
	if res.NewBalance != 900 {
		t.Fatalf("balance = %d, want 900", res.NewBalance)
	}

	view, err := e.MarketView(ctx, m.ID)
	if err != nil {
		t.Fatalf("market view: %v", err)
	}
	for _, bv := range view.Bets {
		if bv.UserID == model.HouseUserID {
			t.Fatal("house bets must not appear in the bet feed")
		}
	}
	if view.NoPool != 140 {
		t.Fatalf("view noPool = %d, want 140", view.NoPool)
	}
}

// ── Resolution ───────────────────────────────────────

func TestResolveSplitsPoolProportionally(t *testing.T) {
	e := newTestEngine(t)
	a := mustUser(t, e, "alice")
	b := mustUser(t, e, "bob")
	c := mustUser(t, e, "carol")
	m := mustMarket(t, e, "Split?")
	ctx := context.Background()

	mustBet(t, e, a.ID, m.ID, model.OutcomeYes, 100) // no bonus
	mustBet(t, e, b.ID, m.ID, model.OutcomeNo, 100)  // 25% bonus: pools were 100/0
	mustBet(t, e, c.ID, m.ID, model.OutcomeYes, 100) // pools 100/125 -> yes is underdog at 55.6%, 2% bonus

	res, err := e.ResolveMarket(ctx, m.ID, model.OutcomeYes)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// bob's bonus: floor(100*25%) = 25. carol's: majority 125/225 = 55.55%,
	// rate 2.77% -> floor(100*2.77%) = 2.
	// total = 100+100+25+100+2 = 327, winning(yes) = 100+100+2 = 202.
	if res.TotalPool != 327 || res.WinningPool != 202 {
		t.Fatalf("pools = total %d winning %d, want 327/202", res.TotalPool, res.WinningPool)
	}
	if got := res.Payouts[a.ID]; got != 100*327/202 {
		t.Fatalf("alice payout = %d, want %d", got, 100*327/202)
	}
	if _, ok := res.Payouts[b.ID]; ok {
		t.Fatal("losing bettor must not be paid")
	}
	if _, ok := res.Payouts[model.HouseUserID]; ok {
		t.Fatal("house must never be paid")
	}

	if got := balance(t, e, a.ID); got != 900+100*327/202 {
		t.Fatalf("alice balance = %d", got)
	}
	if got := balance(t, e, b.ID); got != 900 {
		t.Fatalf("bob balance = %d, want 900 (stake lost)", got)
	}
}

func TestResolveIsOneWay(t *testing.T) {
	e := newTestEngine(t)
	u := mustUser(t, e, "alice")
	m := mustMarket(t, e, "Once?")
	ctx := context.Background()

	mustBet(t, e, u.ID, m.ID, model.OutcomeYes, 100)

	if _, err := e.ResolveMarket(ctx, m.ID, model.OutcomeYes); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := e.ResolveMarket(ctx, m.ID, model.OutcomeNo); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	// The double resolve must not double-pay.
	if got := balance(t, e, u.ID); got != 1000 {
		t.Fatalf("balance = %d, want 1000", got)
	}

	if _, err := e.PlaceBet(ctx, u.ID, model.PlaceBetReq{
		MarketID: m.ID, Outcome: model.OutcomeYes, Amount: 10,
	}); !errors.Is(err, ErrMarketNotOpen) {
		t.Fatalf("expected ErrMarketNotOpen after resolution, got %v", err)
	}
}

func TestResolveEmptyWinningPoolForfeits(t *testing.T) {
	e := newTestEngine(t)
	u := mustUser(t, e, "alice")
	m := mustMarket(t, e, "Nobody right?")

	mustBet(t, e, u.ID, m.ID, model.OutcomeYes, 100)

	res, err := e.ResolveMarket(context.Background(), m.ID, model.OutcomeNo)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Payouts) != 0 {
		t.Fatalf("expected no payouts, got %v", res.Payouts)
	}
	if got := balance(t, e, u.ID); got != 900 {
		t.Fatalf("balance = %d, want 900 (stake forfeited)", got)
	}
}

// End-to-end settlement where the big stake lands on the thin side: the
// bonus computed from pre-bet pools makes its own side heavier, and payouts
// split the bonus-inflated total across the bonus-inflated winning pool.
func TestResolveLateHeavyUnderdogStake(t *testing.T) {
	e := newTestEngine(t)
	a := mustUser(t, e, "alice")
	b := mustUser(t, e, "bob")
	m := mustMarket(t, e, "Upset?")
	ctx := context.Background()

	mustBet(t, e, a.ID, m.ID, model.OutcomeYes, 100)

	// Pools are 100/0, so bob's 900 on no earns the capped 25% = 225 bonus.
	res := mustBet(t, e, b.ID, m.ID, model.OutcomeNo, 900)
	if res.BonusAmount != 225 {
		t.Fatalf("bonus = %d, want 225", res.BonusAmount)
	}
	if res.Pool.YesPool != 100 || res.Pool.NoPool != 1125 || res.Pool.TotalPool != 1225 {
		t.Fatalf("pools = %+v, want 100/1125/1225", res.Pool)
	}

	out, err := e.ResolveMarket(ctx, m.ID, model.OutcomeNo)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// floor(900 / 1125 * 1225) = 980; the house keeps its bonus share.
	if got := out.Payouts[b.ID]; got != 980 {
		t.Fatalf("bob payout = %d, want 980", got)
	}
	if got := balance(t, e, b.ID); got != 1000-900+980 {
		t.Fatalf("bob balance = %d, want 1080", got)
	}
}

// ── Lifecycle ────────────────────────────────────────

func TestCreateMarketValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateMarket(ctx, "  ", "", nil); !errors.Is(err, ErrMissingQuestion) {
		t.Fatalf("expected ErrMissingQuestion, got %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if _, err := e.CreateMarket(ctx, "Q?", "", &past); !errors.Is(err, ErrInvalidCloseTime) {
		t.Fatalf("expected ErrInvalidCloseTime, got %v", err)
	}
}

func TestSetTimerOnlyOnOpenMarkets(t *testing.T) {
	e := newTestEngine(t)
	m := mustMarket(t, e, "Timed?")
	ctx := context.Background()

	closes := time.Now().Add(time.Hour)
	updated, err := e.SetTimer(ctx, m.ID, &closes)
	if err != nil {
		t.Fatalf("set timer: %v", err)
	}
	if updated.ClosesAt == nil {
		t.Fatal("closesAt not set")
	}

	// Clearing works too.
	updated, err = e.SetTimer(ctx, m.ID, nil)
	if err != nil {
		t.Fatalf("clear timer: %v", err)
	}
	if updated.ClosesAt != nil {
		t.Fatal("closesAt not cleared")
	}

	if _, err := e.ResolveMarket(ctx, m.ID, model.OutcomeYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := e.SetTimer(ctx, m.ID, &closes); !errors.Is(err, ErrMarketNotOpen) {
		t.Fatalf("expected ErrMarketNotOpen, got %v", err)
	}
}

func TestDeleteOpenMarketRefundsRealBets(t *testing.T) {
	e := newTestEngine(t)
	a := mustUser(t, e, "alice")
	b := mustUser(t, e, "bob")
	m := mustMarket(t, e, "Refund?")
	ctx := context.Background()

	mustBet(t, e, a.ID, m.ID, model.OutcomeYes, 200)
	mustBet(t, e, b.ID, m.ID, model.OutcomeNo, 100) // earns a house bonus

	if err := e.DeleteMarket(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := balance(t, e, a.ID); got != 1000 {
		t.Fatalf("alice balance = %d, want full refund to 1000", got)
	}
	if got := balance(t, e, b.ID); got != 1000 {
		t.Fatalf("bob balance = %d, want stake-only refund to 1000", got)
	}
	if _, err := e.MarketView(ctx, m.ID); !errors.Is(err, ErrMarketNotFound) {
		t.Fatalf("expected market gone, got %v", err)
	}

	markets, err := e.ListMarkets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(markets) != 0 {
		t.Fatalf("expected no markets, got %d", len(markets))
	}
}

func TestDeleteResolvedMarketDoesNotRefund(t *testing.T) {
	e := newTestEngine(t)
	u := mustUser(t, e, "alice")
	m := mustMarket(t, e, "Settled?")
	ctx := context.Background()

	mustBet(t, e, u.ID, m.ID, model.OutcomeYes, 100)
	if _, err := e.ResolveMarket(ctx, m.ID, model.OutcomeNo); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := e.DeleteMarket(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// The losing stake stays lost.
	if got := balance(t, e, u.ID); got != 900 {
		t.Fatalf("balance = %d, want 900", got)
	}
}

// ── Balances ─────────────────────────────────────────

func TestAdjustBalanceModes(t *testing.T) {
	e := newTestEngine(t)
	u := mustUser(t, e, "alice")
	ctx := context.Background()

	res, err := e.AdjustBalance(ctx, model.BalanceSet, u.ID, 50)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if res.NewBalance != 50 {
		t.Fatalf("set balance = %d, want 50", res.NewBalance)
	}

	res, err = e.AdjustBalance(ctx, model.BalanceAdd, u.ID, -80)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res.NewBalance != 0 {
		t.Fatalf("balance = %d, want clamp at 0", res.NewBalance)
	}

	if _, err := e.AdjustBalance(ctx, model.BalanceSet, u.ID, -10); err != nil {
		t.Fatalf("set negative: %v", err)
	}
	if got := balance(t, e, u.ID); got != 0 {
		t.Fatalf("balance = %d, want clamp at 0", got)
	}

	if _, err := e.AdjustBalance(ctx, "weird", u.ID, 10); !errors.Is(err, ErrBadMode) {
		t.Fatalf("expected ErrBadMode, got %v", err)
	}
	if _, err := e.AdjustBalance(ctx, model.BalanceAdd, "missing", 10); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := e.AdjustBalance(ctx, model.BalanceAdd, "", 10); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
}

func TestAdjustAllBalancesSkipsAdmins(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, _, err := e.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	a := mustUser(t, e, "alice")
	b := mustUser(t, e, "bob")

	res, err := e.AdjustAllBalances(ctx, 500)
	if err != nil {
		t.Fatalf("add_all: %v", err)
	}
	if res.Updated != 2 {
		t.Fatalf("updated = %d, want 2 (admin excluded)", res.Updated)
	}
	if got := balance(t, e, a.ID); got != 1500 {
		t.Fatalf("alice = %d, want 1500", got)
	}
	if got := balance(t, e, b.ID); got != 1500 {
		t.Fatalf("bob = %d, want 1500", got)
	}
}

// ── Views ────────────────────────────────────────────

func TestListMarketsOpenFirstNewestFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	m1 := mustMarket(t, e, "first")
	m2 := mustMarket(t, e, "second")
	m3 := mustMarket(t, e, "third")
	if _, err := e.ResolveMarket(ctx, m2.ID, model.OutcomeYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	list, err := e.ListMarkets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].ID != m3.ID || list[1].ID != m1.ID || list[2].ID != m2.ID {
		t.Fatalf("order = %s,%s,%s want open newest first then resolved",
			list[0].Question, list[1].Question, list[2].Question)
	}
}

func TestLeaderboardExcludesAdmins(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, _, err := e.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	a := mustUser(t, e, "alice")
	b := mustUser(t, e, "bob")
	if _, err := e.AdjustBalance(ctx, model.BalanceSet, b.ID, 2000); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	entries, err := e.Leaderboard(ctx)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].ID != b.ID || entries[1].ID != a.ID {
		t.Fatalf("unexpected order: %+v", entries)
	}
}

func TestUserProfilePayouts(t *testing.T) {
	e := newTestEngine(t)
	a := mustUser(t, e, "alice")
	b := mustUser(t, e, "bob")
	m := mustMarket(t, e, "Profiled?")
	ctx := context.Background()

	mustBet(t, e, a.ID, m.ID, model.OutcomeYes, 100)
	mustBet(t, e, b.ID, m.ID, model.OutcomeNo, 100) // 25% bonus
	if _, err := e.ResolveMarket(ctx, m.ID, model.OutcomeYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	profile, err := e.UserProfile(ctx, a.ID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if len(profile.Bets) != 1 {
		t.Fatalf("bets = %d, want 1", len(profile.Bets))
	}
	pb := profile.Bets[0]
	if pb.Payout == nil {
		t.Fatal("resolved bet must carry a payout")
	}
	// total 225, winning(yes) 100: floor(100/100*225) = 225.
	if *pb.Payout != 225 {
		t.Fatalf("payout = %d, want 225", *pb.Payout)
	}

	loser, err := e.UserProfile(ctx, b.ID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if loser.Bets[0].Payout == nil || *loser.Bets[0].Payout != 0 {
		t.Fatalf("losing payout = %v, want 0", loser.Bets[0].Payout)
	}

	if _, err := e.UserProfile(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
