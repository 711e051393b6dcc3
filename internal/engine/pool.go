package engine

import "predictpool/internal/model"

// Pure pool accounting over a market's bet set. Nothing in this file touches
// storage; callers pass in the bets they just read.

// Pools sums bet amounts by outcome. House bonus bets count like any other
// stake.
func Pools(bets []model.Bet) model.PoolTotals {
	var p model.PoolTotals
	for _, b := range bets {
		if b.Outcome == model.OutcomeYes {
			p.YesPool += b.Amount
		} else {
			p.NoPool += b.Amount
		}
	}
	p.TotalPool = p.YesPool + p.NoPool
	return p
}

// Odds returns each side's share of the total pool. An empty pool reads as
// even odds.
func Odds(yesPool, noPool int) (yesOdds, noOdds float64) {
	total := yesPool + noPool
	if total == 0 {
		return 0.5, 0.5
	}
	return float64(yesPool) / float64(total), float64(noPool) / float64(total)
}

// PotentialPayout estimates what a bet would return if its side won and no
// further bets arrived. The bettor's own stake joins both the chosen pool
// and the total before anything else changes.
func PotentialPayout(betAmount, outcomePool, totalPool int) float64 {
	if betAmount <= 0 {
		return 0
	}
	return float64(betAmount) * float64(totalPool+betAmount) / float64(outcomePool+betAmount)
}

// UnderdogBonus computes the house-funded bonus for a bet on the minority
// side, using pools as they stood strictly before the bet. The rate scales
// with how lopsided the pools are: 50/50 pays nothing, 100/0 pays the 25%
// cap. Majority-side and tied bets get nothing.
func UnderdogBonus(outcome model.Outcome, yesPool, noPool, betAmount int) int {
	total := yesPool + noPool
	if total == 0 {
		return 0
	}

	outcomePool := yesPool
	if outcome == model.OutcomeNo {
		outcomePool = noPool
	}
	majorityPool := yesPool
	if noPool > majorityPool {
		majorityPool = noPool
	}
	if outcomePool >= majorityPool {
		return 0
	}

	majorityPercent := float64(majorityPool) / float64(total) * 100
	bonusPercent := (majorityPercent - 50) * 0.5
	if bonusPercent > 25 {
		bonusPercent = 25
	}
	if bonusPercent <= 0 {
		return 0
	}
	return int(float64(betAmount) * bonusPercent / 100)
}

// marketBets filters a full bet collection down to one market.
func marketBets(bets []model.Bet, marketID string) []model.Bet {
	var out []model.Bet
	for _, b := range bets {
		if b.MarketID == marketID {
			out = append(out, b)
		}
	}
	return out
}
