package curve

import (
	"math/big"
	"testing"
)

func feeAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestComputeFeesNoReferrerBaseline(t *testing.T) {
	cost := big.NewInt(1_000_000)
	var zero [20]byte
	fees := ComputeFees(cost, zero, zero)
	if fees.ReferrerFee.Sign() != 0 || fees.PartnerFee.Sign() != 0 {
		t.Fatalf("expected zero referral fees, got referrer=%s partner=%s", fees.ReferrerFee, fees.PartnerFee)
	}
	wantProtocol := new(big.Int).Mul(cost, big.NewInt(ProtocolFeePpm))
	wantProtocol.Div(wantProtocol, big.NewInt(FeeDenominator))
	if fees.ProtocolFee.Cmp(wantProtocol) != 0 {
		t.Fatalf("protocol fee = %s, want %s", fees.ProtocolFee, wantProtocol)
	}
}

func TestComputeFeesReferrerOnly(t *testing.T) {
	cost := big.NewInt(2_000_000)
	referrer := feeAddr(0x11)
	var zero [20]byte
	fees := ComputeFees(cost, referrer, zero)
	wantReferrer := new(big.Int).Mul(cost, big.NewInt(ReferrerFeePpm))
	wantReferrer.Div(wantReferrer, big.NewInt(FeeDenominator))
	if fees.ReferrerFee.Cmp(wantReferrer) != 0 {
		t.Fatalf("referrer fee = %s, want %s", fees.ReferrerFee, wantReferrer)
	}
	if fees.PartnerFee.Sign() != 0 {
		t.Fatalf("partner fee should be zero, got %s", fees.PartnerFee)
	}
}

func TestComputeFeesPartnerStacking(t *testing.T) {
	cost := big.NewInt(3_000_000)
	referrer := feeAddr(0x11)
	partner := feeAddr(0x22)
	fees := ComputeFees(cost, referrer, partner)
	wantReferrer := new(big.Int).Mul(cost, big.NewInt(ReferrerFeePpm+PartnerReferrerBonusPpm))
	wantReferrer.Div(wantReferrer, big.NewInt(FeeDenominator))
	wantPartner := new(big.Int).Mul(cost, big.NewInt(PartnerFeePpm))
	wantPartner.Div(wantPartner, big.NewInt(FeeDenominator))
	if fees.ReferrerFee.Cmp(wantReferrer) != 0 {
		t.Fatalf("referrer fee = %s, want %s", fees.ReferrerFee, wantReferrer)
	}
	if fees.PartnerFee.Cmp(wantPartner) != 0 {
		t.Fatalf("partner fee = %s, want %s", fees.PartnerFee, wantPartner)
	}
}

// The protocol-adjacent take (protocol + referrer + partner) must stay
// constant regardless of the referral configuration.
func TestProtocolTakeConstantAcrossReferralModes(t *testing.T) {
	cost := big.NewInt(7_777_777)
	var zero [20]byte
	referrer := feeAddr(0x11)
	partner := feeAddr(0x22)

	take := func(f FeeBreakdown) *big.Int {
		total := new(big.Int).Add(f.ProtocolFee, f.ReferrerFee)
		return total.Add(total, f.PartnerFee)
	}
	bare := take(ComputeFees(cost, zero, zero))
	withReferrer := take(ComputeFees(cost, referrer, zero))
	withPartner := take(ComputeFees(cost, referrer, partner))
	if bare.Cmp(withReferrer) != 0 || bare.Cmp(withPartner) != 0 {
		t.Fatalf("protocol take varies: bare=%s referrer=%s partner=%s", bare, withReferrer, withPartner)
	}
}

func TestFeeClosure(t *testing.T) {
	cost := big.NewInt(5_432_109)
	referrer := feeAddr(0x11)
	partner := feeAddr(0x22)
	fees := ComputeFees(cost, referrer, partner)

	buyTotal := fees.TotalBuyCost()
	sum := new(big.Int).Set(fees.TradeCost)
	sum.Add(sum, fees.CreatorFee)
	sum.Add(sum, fees.ProtocolFee)
	sum.Add(sum, fees.ReferrerFee)
	sum.Add(sum, fees.PartnerFee)
	if buyTotal.Cmp(sum) != 0 {
		t.Fatalf("buy closure broken: total=%s sum=%s", buyTotal, sum)
	}

	reimbursement := fees.SellReimbursement()
	back := new(big.Int).Set(reimbursement)
	back.Add(back, fees.CreatorFee)
	back.Add(back, fees.ProtocolFee)
	back.Add(back, fees.ReferrerFee)
	back.Add(back, fees.PartnerFee)
	if back.Cmp(fees.TradeCost) != 0 {
		t.Fatalf("sell closure broken: cost=%s reconstructed=%s", fees.TradeCost, back)
	}
}

func TestComputeFeesZeroCost(t *testing.T) {
	fees := ComputeFees(nil, feeAddr(0x11), feeAddr(0x22))
	if fees.TotalBuyCost().Sign() != 0 {
		t.Fatalf("expected zero total for nil cost, got %s", fees.TotalBuyCost())
	}
}
