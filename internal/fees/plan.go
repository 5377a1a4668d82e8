// Package fees splits fee structures into installment schedules and builds
// the request that creates fee schedules with their invoices.
package fees

import (
	"fmt"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
)

// Plan is how a fee structure's total is split over the year.
type Plan string

const (
	PlanMonthly      Plan = "Monthly"
	PlanQuarterly    Plan = "Quarterly"
	PlanSemiAnnually Plan = "Semi-Annually"
	PlanAnnually     Plan = "Annually"
	PlanTermWise     Plan = "Term-Wise"
)

// Plans lists every plan in display order.
var Plans = []Plan{PlanMonthly, PlanQuarterly, PlanSemiAnnually, PlanAnnually, PlanTermWise}

type planConfig struct {
	count int // installments per year
	gap   int // months between installments
}

var planConfigs = map[Plan]planConfig{
	PlanMonthly:      {12, 1},
	PlanQuarterly:    {4, 3},
	PlanSemiAnnually: {2, 6},
	PlanAnnually:     {1, 12},
	PlanTermWise:     {3, 4},
}

// DateLayout is the wire format of due dates.
const DateLayout = "2006-01-02"

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	_, ok := planConfigs[p]
	return ok
}

// ParsePlan accepts a plan name case-insensitively.
func ParsePlan(s string) (Plan, error) {
	for _, p := range Plans {
		if strings.EqualFold(string(p), strings.TrimSpace(s)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown fee plan %q", s)
}

// PlanFromName guesses the plan from a fee structure name such as
// "Grade 1 Quarterly 2024-25". The empty plan means no guess.
func PlanFromName(name string) Plan {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "monthly"):
		return PlanMonthly
	case strings.Contains(n, "quarterly"):
		return PlanQuarterly
	case strings.Contains(n, "semi-annually"), strings.Contains(n, "semi annually"):
		return PlanSemiAnnually
	case strings.Contains(n, "annually"), strings.Contains(n, "annual"):
		return PlanAnnually
	case strings.Contains(n, "term"):
		return PlanTermWise
	}
	return ""
}

// InstallmentCount is the number of installments of p. Unknown plans have
// one.
func InstallmentCount(p Plan) int {
	if c, ok := planConfigs[p]; ok {
		return c.count
	}
	return 1
}

// InstallmentAmount is amount split evenly over p, rounded to 2 decimals.
func InstallmentAmount(amount float64, p Plan) float64 {
	return round2(amount / float64(InstallmentCount(p)))
}

func round2(v float64) float64 {
	r, err := stats.Round(v, 2)
	if err != nil {
		return v
	}
	return r
}

// Installment is one scheduled payment.
type Installment struct {
	Index       int       `json:"index"`
	DueDate     time.Time `json:"-"`
	Due         string    `json:"due_date"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	Selected    bool      `json:"selected"`
}

// Distribute schedules total over p starting after from: installment i
// (1-based) is due gap*i months after from. Unknown plans yield nothing.
func Distribute(p Plan, total float64, from time.Time) []Installment {
	cfg, ok := planConfigs[p]
	if !ok {
		return nil
	}

	amount := round2(total / float64(cfg.count))
	out := make([]Installment, cfg.count)
	for i := range out {
		due := from.AddDate(0, cfg.gap*(i+1), 0)
		out[i] = Installment{
			Index:       i,
			DueDate:     due,
			Due:         due.Format(DateLayout),
			Amount:      amount,
			Description: Describe(p, i, due),
			Selected:    true,
		}
	}
	return out
}

// Describe labels the installment at index (0-based). A zero due date
// gives the undated label.
func Describe(p Plan, index int, due time.Time) string {
	if due.IsZero() {
		return describeUndated(p, index)
	}

	month, year := due.Month().String(), due.Year()
	switch p {
	case PlanMonthly:
		return fmt.Sprintf("%s %d", month, year)
	case PlanQuarterly:
		return fmt.Sprintf("Quarter %d - %s %d", index+1, month, year)
	case PlanSemiAnnually:
		if index == 0 {
			return fmt.Sprintf("First Half - %s %d", month, year)
		}
		return fmt.Sprintf("Second Half - %s %d", month, year)
	case PlanAnnually:
		return fmt.Sprintf("Annual Fee - %d", year)
	case PlanTermWise:
		return fmt.Sprintf("Term %d - %s %d", index+1, month, year)
	}
	return fmt.Sprintf("%s %d - Installment %d", month, year, index+1)
}

func describeUndated(p Plan, index int) string {
	switch p {
	case PlanMonthly:
		if index >= 0 && index < 12 {
			return time.Month(index + 1).String()
		}
		return fmt.Sprintf("Month %d", index+1)
	case PlanQuarterly:
		return fmt.Sprintf("Quarter %d", index+1)
	case PlanSemiAnnually:
		if index == 0 {
			return "First Half"
		}
		return "Second Half"
	case PlanAnnually:
		return "Annual Fee"
	case PlanTermWise:
		return fmt.Sprintf("Term %d", index+1)
	}
	return fmt.Sprintf("Installment %d", index+1)
}
