package curve

import (
	"errors"
	"math/big"
)

// Curve constants. The marginal price of the credit at supply s is
// BasePrice + CoefA*s^2 + CoefB*s, denominated in wei.
var (
	BasePrice = big.NewInt(10_000_000_000_000)
	CoefA     = big.NewInt(1_000_000_000)
	CoefB     = big.NewInt(50_000_000_000)

	// MaxTotalSupply bounds curve growth and keeps the cubic cost terms well
	// clear of overflow concerns in downstream consumers.
	MaxTotalSupply = big.NewInt(100_000_000)
)

var (
	ErrInvalidAmount     = errors.New("curve: amount must be positive")
	ErrNegativeSupply    = errors.New("curve: supply must not be negative")
	ErrSupplyCapExceeded = errors.New("curve: max total supply exceeded")

	one = big.NewInt(1)
	two = big.NewInt(2)
	six = big.NewInt(6)
)

// sumTo returns 0+1+...+n via n(n+1)/2.
func sumTo(n *big.Int) *big.Int {
	if n.Sign() <= 0 {
		return big.NewInt(0)
	}
	sum := new(big.Int).Add(n, one)
	sum.Mul(sum, n)
	return sum.Div(sum, two)
}

// sumSquaresTo returns 0+1+...+n^2 via n(n+1)(2n+1)/6.
func sumSquaresTo(n *big.Int) *big.Int {
	if n.Sign() <= 0 {
		return big.NewInt(0)
	}
	sum := new(big.Int).Add(n, one)
	sum.Mul(sum, n)
	twoN := new(big.Int).Mul(n, two)
	twoN.Add(twoN, one)
	sum.Mul(sum, twoN)
	return sum.Div(sum, six)
}

// CostBetween returns the cost of trading amount credits starting from
// fromSupply, i.e. the sum of per-unit prices over the half-open range
// [fromSupply, fromSupply+amount). The sum is evaluated in closed form; the
// range never gets iterated.
func CostBetween(fromSupply, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromSupply == nil || fromSupply.Sign() < 0 {
		return nil, ErrNegativeSupply
	}
	hi := new(big.Int).Add(fromSupply, amount)
	hi.Sub(hi, one)

	squares := sumSquaresTo(hi)
	linear := sumTo(hi)
	if fromSupply.Sign() > 0 {
		below := new(big.Int).Sub(fromSupply, one)
		squares.Sub(squares, sumSquaresTo(below))
		linear.Sub(linear, sumTo(below))
	}

	cost := new(big.Int).Mul(BasePrice, amount)
	cost.Add(cost, new(big.Int).Mul(CoefA, squares))
	cost.Add(cost, new(big.Int).Mul(CoefB, linear))
	return cost, nil
}

// BuyCost prices a purchase of amount credits at the current supply,
// enforcing the supply ceiling.
func BuyCost(totalSupply, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if totalSupply == nil || totalSupply.Sign() < 0 {
		return nil, ErrNegativeSupply
	}
	next := new(big.Int).Add(totalSupply, amount)
	if next.Cmp(MaxTotalSupply) > 0 {
		return nil, ErrSupplyCapExceeded
	}
	return CostBetween(totalSupply, amount)
}

// SellCost prices a sale of amount credits against the current supply. The
// cost covers the range [totalSupply-amount, totalSupply).
func SellCost(totalSupply, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if totalSupply == nil || totalSupply.Cmp(amount) < 0 {
		return nil, ErrNegativeSupply
	}
	from := new(big.Int).Sub(totalSupply, amount)
	return CostBetween(from, amount)
}
