package settlement

import (
	"encoding/csv"
	"io"
	"strconv"
)

// WriteClosingCSV serialises one closing snapshot to CSV.
func WriteClosingCSV(w io.Writer, closing PeriodClosing) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write([]string{"Metric", "Value"}); err != nil {
		return err
	}
	records := [][]string{
		{"Period Start", closing.PeriodStart.Format("2006-01-02")},
		{"Period End", closing.PeriodEnd.Format("2006-01-02")},
		{"Opening Stock Value", formatFloat(closing.OpeningValue)},
		{"Purchases", formatFloat(closing.PurchasesValue)},
		{"Adjustments", formatFloat(closing.AdjustmentsValue)},
		{"Closing Stock Value", formatFloat(closing.ClosingValue)},
		{"Derived COGS", formatFloat(closing.DerivedCOGS)},
		{"Bookkeeping COGS", formatFloat(closing.BookkeepingCOGS)},
		{"Variance", formatFloat(closing.Variance)},
		{"Variance Warning", strconv.FormatBool(closing.VarianceWarning)},
		{"Cash In", formatFloat(closing.CashInflow)},
		{"Cash Out", formatFloat(closing.CashOutflow)},
		{"Counted Cash", formatFloat(closing.ActualCash)},
		{"Note", closing.Note},
	}
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteClosingsCSV emits the closing history as CSV.
func WriteClosingsCSV(w io.Writer, closings []PeriodClosing) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()
	if err := writer.Write([]string{"Period Start", "Period End", "Opening", "Purchases", "Adjustments", "Closing", "Derived COGS", "Bookkeeping COGS", "Variance"}); err != nil {
		return err
	}
	for _, closing := range closings {
		if err := writer.Write([]string{
			closing.PeriodStart.Format("2006-01-02"),
			closing.PeriodEnd.Format("2006-01-02"),
			formatFloat(closing.OpeningValue),
			formatFloat(closing.PurchasesValue),
			formatFloat(closing.AdjustmentsValue),
			formatFloat(closing.ClosingValue),
			formatFloat(closing.DerivedCOGS),
			formatFloat(closing.BookkeepingCOGS),
			formatFloat(closing.Variance),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
