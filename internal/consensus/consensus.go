// Package consensus aggregates detector votes into a single anomaly
// verdict. No single method is ever trusted alone: an anomaly requires a
// strict majority of the detectors that actually voted.
package consensus

import "github.com/ssd-technologies/driftwatch/internal/detector"

// Result is the aggregated verdict for one reading.
type Result struct {
	Anomaly        bool    `json:"anomaly"`
	VotesFor       int     `json:"votes_for"`
	VotesTotal     int     `json:"votes_total"`
	AgreementRatio float64 `json:"agreement_ratio"`
}

// Quorum returns the minimum number of anomaly votes required among
// total voters: a strict majority, floored at 1 so a single-detector
// configuration can still fire.
func Quorum(total int) int {
	q := total/2 + 1
	if q < 1 {
		q = 1
	}
	return q
}

// Evaluate tallies the votes for one reading. Skipped votes do not
// count toward the total. An empty or all-skipped vote set yields a
// non-anomalous result with ratio 0; producing one at all is a
// configuration problem the caller is expected to surface.
func Evaluate(votes []detector.Vote) Result {
	var res Result
	for _, v := range votes {
		if v.Skipped {
			continue
		}
		res.VotesTotal++
		if v.Anomaly {
			res.VotesFor++
		}
	}
	if res.VotesTotal == 0 {
		return res
	}
	res.Anomaly = res.VotesFor >= Quorum(res.VotesTotal)
	res.AgreementRatio = float64(res.VotesFor) / float64(res.VotesTotal)
	return res
}
