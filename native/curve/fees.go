package curve

import "math/big"

// Fee rates in parts per million. The protocol rate is the ceiling for the
// combined referrer and partner take; the protocol share absorbs whatever the
// referral chain earns so the total protocol-adjacent cut stays constant.
const (
	FeeDenominator          = int64(1_000_000)
	CreatorFeePpm           = int64(50_000)
	ProtocolFeePpm          = int64(50_000)
	ReferrerFeePpm          = int64(10_000)
	PartnerFeePpm           = int64(5_000)
	PartnerReferrerBonusPpm = int64(5_000)
)

var feeDenom = big.NewInt(FeeDenominator)

// FeeBreakdown captures the fee split computed for a single trade. All values
// are non-negative and their sum never exceeds TradeCost plus the protocol
// take; divisions floor at every stage, residuals are observed, not
// reconciled.
type FeeBreakdown struct {
	TradeCost   *big.Int
	CreatorFee  *big.Int
	ProtocolFee *big.Int
	ReferrerFee *big.Int
	PartnerFee  *big.Int
	Referrer    [20]byte
	Partner     [20]byte
}

func ppmShare(cost *big.Int, ppm int64) *big.Int {
	share := new(big.Int).Mul(cost, big.NewInt(ppm))
	return share.Div(share, feeDenom)
}

// ComputeFees derives the fee split for a trade of the given cost. The
// referrer is the already-resolved effective referrer (zero when absent) and
// partner is the referrer's linked partner (zero when absent). A partner
// without a referrer is not a valid input and is treated as no referral.
func ComputeFees(tradeCost *big.Int, referrer, partner [20]byte) FeeBreakdown {
	cost := big.NewInt(0)
	if tradeCost != nil && tradeCost.Sign() > 0 {
		cost = new(big.Int).Set(tradeCost)
	}
	breakdown := FeeBreakdown{
		TradeCost:   cost,
		CreatorFee:  ppmShare(cost, CreatorFeePpm),
		ProtocolFee: big.NewInt(0),
		ReferrerFee: big.NewInt(0),
		PartnerFee:  big.NewInt(0),
	}
	var zero [20]byte
	protocol := ppmShare(cost, ProtocolFeePpm)
	switch {
	case referrer != zero && partner != zero:
		breakdown.Referrer = referrer
		breakdown.Partner = partner
		breakdown.PartnerFee = ppmShare(cost, PartnerFeePpm)
		breakdown.ReferrerFee = ppmShare(cost, ReferrerFeePpm+PartnerReferrerBonusPpm)
	case referrer != zero:
		breakdown.Referrer = referrer
		breakdown.ReferrerFee = ppmShare(cost, ReferrerFeePpm)
	}
	protocol.Sub(protocol, breakdown.ReferrerFee)
	protocol.Sub(protocol, breakdown.PartnerFee)
	if protocol.Sign() < 0 {
		protocol = big.NewInt(0)
	}
	breakdown.ProtocolFee = protocol
	return breakdown
}

func (f FeeBreakdown) totalFees() *big.Int {
	total := new(big.Int).Add(f.CreatorFee, f.ProtocolFee)
	total.Add(total, f.ReferrerFee)
	return total.Add(total, f.PartnerFee)
}

// TotalBuyCost is the amount a buyer must pay: trade cost plus every fee.
func (f FeeBreakdown) TotalBuyCost() *big.Int {
	return new(big.Int).Add(f.TradeCost, f.totalFees())
}

// SellReimbursement is the amount returned to a seller: trade cost minus
// every fee.
func (f FeeBreakdown) SellReimbursement() *big.Int {
	return new(big.Int).Sub(f.TradeCost, f.totalFees())
}

// Clone returns a deep copy of the breakdown.
func (f FeeBreakdown) Clone() FeeBreakdown {
	clone := FeeBreakdown{Referrer: f.Referrer, Partner: f.Partner}
	clone.TradeCost = cloneOrZero(f.TradeCost)
	clone.CreatorFee = cloneOrZero(f.CreatorFee)
	clone.ProtocolFee = cloneOrZero(f.ProtocolFee)
	clone.ReferrerFee = cloneOrZero(f.ReferrerFee)
	clone.PartnerFee = cloneOrZero(f.PartnerFee)
	return clone
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
