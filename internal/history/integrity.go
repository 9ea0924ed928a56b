package history

import "klinehub/internal/market"

// Gap 表示缺失的连续 K 线区间。
type Gap struct {
	From  int64 `json:"from"`
	To    int64 `json:"to"`
	Count int64 `json:"count"`
}

// IntegrityReport 描述一段升序序列的覆盖情况。
type IntegrityReport struct {
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps,omitempty"`
}

func (r IntegrityReport) Complete() bool { return len(r.Gaps) == 0 }

// CheckIntegrity 在 bars 的首尾之间按周期步长查找缺口；bars 需按 OpenTime 升序且唯一。
func CheckIntegrity(bars []market.Candle, tf market.Timeframe) IntegrityReport {
	if len(bars) == 0 || !tf.Valid() {
		return IntegrityReport{}
	}
	start, end := bars[0].OpenTime, bars[len(bars)-1].OpenTime
	report := IntegrityReport{
		Start:    start,
		End:      end,
		Expected: tf.ExpectedCandles(start, end),
		Present:  int64(len(bars)),
	}
	step := tf.Millis()
	var gaps []Gap
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].OpenTime, bars[i].OpenTime
		if cur-prev <= step {
			continue
		}
		gaps = append(gaps, Gap{From: prev + step, To: cur - step, Count: (cur-prev)/step - 1})
	}
	report.Gaps = gaps
	return report
}
