package main

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/ucp-merchant/internal/domain/discount"
)

const (
	minCodeLen = 4
	maxCodeLen = 32
)

var errSkip = errors.New("skip line")

var typeAliases = map[string]discount.Type{
	"percentage":       discount.TypePercentage,
	"percent":          discount.TypePercentage,
	"fixed":            discount.TypeFixedAmount,
	"fixed_amount":     discount.TypeFixedAmount,
	"free_lowest":      discount.TypeFreeLowestItem,
	"free_lowest_item": discount.TypeFreeLowestItem,
}

// lineParser turns feed lines of the form CODE[,TYPE[,VALUE[,MIN_ITEMS]]]
// into discount rules. Missing columns fall back to the defaults.
type lineParser struct {
	defaults discount.Rule
}

func (p lineParser) parse(line string) (discount.Rule, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return discount.Rule{}, errSkip
	}
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	rule := p.defaults
	rule.Code = discount.NormalizeCode(fields[0])
	if n := len(rule.Code); n < minCodeLen || n > maxCodeLen {
		return rule, errors.Errorf("code %q length outside %d-%d", fields[0], minCodeLen, maxCodeLen)
	}
	rule.ID = "d_" + rule.Code

	if len(fields) > 1 && fields[1] != "" {
		t, ok := typeAliases[strings.ToLower(fields[1])]
		if !ok {
			return rule, errors.Errorf("unknown discount type %q", fields[1])
		}
		rule.Type = t
	}
	if len(fields) > 2 && fields[2] != "" {
		v, err := decimal.NewFromString(fields[2])
		if err != nil {
			return rule, errors.Wrapf(err, "value of %s", rule.Code)
		}
		rule.Value = v
	}
	if len(fields) > 3 && fields[3] != "" {
		n, err := strconv.Atoi(fields[3])
		if err != nil || n < 0 {
			return rule, errors.Errorf("min items %q of %s", fields[3], rule.Code)
		}
		rule.MinItems = n
	}
	if len(fields) > 4 {
		return rule, errors.Errorf("too many columns for %s", rule.Code)
	}

	switch rule.Type {
	case discount.TypePercentage:
		if rule.Value.IsNegative() || rule.Value.GreaterThan(decimal.NewFromInt(100)) {
			return rule, errors.Errorf("percentage %s of %s outside 0-100", rule.Value, rule.Code)
		}
		rule.Currency = ""
	case discount.TypeFixedAmount:
		if !rule.Value.IsPositive() {
			return rule, errors.Errorf("fixed amount of %s must be positive", rule.Code)
		}
	case discount.TypeFreeLowestItem:
		rule.Value = decimal.Zero
		rule.Currency = ""
	}
	if rule.Description == "" {
		rule.Description = describe(rule)
	}
	return rule, nil
}

func describe(r discount.Rule) string {
	switch r.Type {
	case discount.TypePercentage:
		return r.Value.String() + "% off your order"
	case discount.TypeFixedAmount:
		return r.Value.StringFixed(2) + " " + r.Currency + " off your order"
	default:
		return "Lowest priced item free"
	}
}
