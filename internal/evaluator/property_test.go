package evaluator

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

type scenario struct {
	Total     int64
	Price     int64
	Quantity  int
	Points    int64
	Shipping  int64
	Fees      int64
	Available bool
	Condition domain.Condition
	ShipDays  int
	InShop    bool
	MinProfit int64
	WithPts   bool
	WithShip  bool
}

func (s scenario) candidate() domain.Candidate {
	c := baseCandidate()
	c.OrderTotal = domain.Money(s.Total)
	c.SupplierPrice = domain.Money(s.Price)
	c.Quantity = s.Quantity
	c.SupplierPoints = domain.Money(s.Points)
	c.DomesticShippingFee = domain.Money(s.Shipping)
	c.MarketplaceFees = domain.Money(s.Fees)
	c.SupplierAvailable = s.Available
	c.SupplierCondition = s.Condition
	c.EstimatedShipDays = s.ShipDays
	if !s.InShop {
		c.ShopID = "shop-elsewhere"
	}
	return c
}

func (s scenario) config() domain.RuleConfig {
	cfg := baseConfig()
	cfg.MinExpectedProfit = domain.Money(s.MinProfit)
	cfg.IncludeSupplierPoints = s.WithPts
	cfg.IncludeDomesticShippingFee = s.WithShip
	return cfg
}

func genScenario() gopter.Gen {
	return gen.Struct(reflect.TypeOf(scenario{}), map[string]gopter.Gen{
		"Total":     gen.Int64Range(0, 500_000),
		"Price":     gen.Int64Range(0, 200_000),
		"Quantity":  gen.IntRange(1, 10),
		"Points":    gen.Int64Range(0, 5_000),
		"Shipping":  gen.Int64Range(0, 3_000),
		"Fees":      gen.Int64Range(0, 50_000),
		"Available": gen.Bool(),
		"Condition": gen.OneConstOf(domain.ConditionNew, domain.ConditionUsed, domain.ConditionRefurbished, domain.ConditionUnavailable),
		"ShipDays":  gen.IntRange(0, 30),
		"InShop":    gen.Bool(),
		"MinProfit": gen.Int64Range(-10_000, 50_000),
		"WithPts":   gen.Bool(),
		"WithShip":  gen.Bool(),
	})
}

func TestEvaluateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(s scenario) bool {
			a := Evaluate(s.candidate(), s.config())
			b := Evaluate(s.candidate(), s.config())
			return reflect.DeepEqual(a, b)
		},
		genScenario(),
	))

	properties.Property("profit follows the formula for both flags", prop.ForAll(
		func(s scenario) bool {
			c, cfg := s.candidate(), s.config()
			want := c.OrderTotal - c.SupplierPrice.Times(c.Quantity) - c.MarketplaceFees
			if cfg.IncludeSupplierPoints {
				want += c.SupplierPoints.Times(c.Quantity)
			}
			if cfg.IncludeDomesticShippingFee {
				want -= c.DomesticShippingFee
			}
			return Evaluate(c, cfg).ExpectedProfit == want
		},
		genScenario(),
	))

	properties.Property("toggling a flag moves profit by exactly its term", prop.ForAll(
		func(s scenario) bool {
			c := s.candidate()
			on, off := s.config(), s.config()
			on.IncludeSupplierPoints, off.IncludeSupplierPoints = true, false
			if Evaluate(c, on).ExpectedProfit-Evaluate(c, off).ExpectedProfit != c.SupplierPoints.Times(c.Quantity) {
				return false
			}
			on, off = s.config(), s.config()
			on.IncludeDomesticShippingFee, off.IncludeDomesticShippingFee = true, false
			return Evaluate(c, off).ExpectedProfit-Evaluate(c, on).ExpectedProfit == c.DomesticShippingFee
		},
		genScenario(),
	))

	properties.Property("eligible iff no blocking reason", prop.ForAll(
		func(s scenario) bool {
			ev := Evaluate(s.candidate(), s.config())
			blocking := false
			for _, r := range ev.Reasons {
				if r.Blocking() {
					blocking = true
				}
			}
			return (ev.Status == domain.StatusEligible) == !blocking
		},
		genScenario(),
	))

	properties.Property("excluding points or shipping never skips by itself", prop.ForAll(
		func(s scenario) bool {
			c, cfg := s.candidate(), s.config()
			// Drop every other cause so only the informational terms vary.
			c.ShopID = "shop-a"
			c.SupplierAvailable = true
			c.SupplierCondition = domain.ConditionNew
			c.EstimatedShipDays = 0
			c.OrderTotal = c.SupplierPrice.Times(c.Quantity) + c.MarketplaceFees + c.DomesticShippingFee
			cfg.MinExpectedProfit = 0
			cfg.IncludeSupplierPoints = false
			cfg.IncludeDomesticShippingFee = false
			return Evaluate(c, cfg).Status == domain.StatusEligible
		},
		genScenario(),
	))

	properties.TestingRun(t)
}
