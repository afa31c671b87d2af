package dispatcher

import (
	"sort"
	"time"

	"github.com/veldt/buildfarm/pkg/farm"
)

// Base scores per job kind. CI runs and recipe builds sit above plain
// binary builds so interactive work is not starved by archive churn.
var kindBaseScore = map[farm.JobKind]int{
	farm.KindBinaryBuild: 1000,
	farm.KindImageBuild:  1100,
	farm.KindRecipeBuild: 1200,
	farm.KindCIRun:       1300,
}

// ageStep is one rung of the stepped age boost.
type ageStep struct {
	olderThan time.Duration
	boost     int
}

// Longest-waiting jobs climb the queue in steps rather than linearly,
// so a burst of new jobs cannot leapfrog work that has been waiting
// for hours.
var ageSteps = []ageStep{
	{4 * time.Hour, 100},
	{1 * time.Hour, 50},
	{15 * time.Minute, 15},
	{5 * time.Minute, 5},
}

// Score computes a job's scheduling priority at a given instant. Pure
// function of the job and the clock: the same job scores identically
// no matter which worker is being matched.
func Score(job farm.Job, now time.Time) int {
	score := kindBaseScore[job.Kind]
	age := now.Sub(job.CreatedAt)
	for _, step := range ageSteps {
		if age >= step.olderThan {
			score += step.boost
			break
		}
	}
	return score + job.ManualBoost
}

// rank orders jobs for dispatch: score descending, then oldest first,
// then lowest ID. The order is total, so a fixed snapshot always
// produces the same pairing.
func rank(jobs []farm.Job, now time.Time) []farm.Job {
	ranked := append([]farm.Job(nil), jobs...)
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := Score(ranked[i], now), Score(ranked[j], now)
		if si != sj {
			return si > sj
		}
		if !ranked[i].CreatedAt.Equal(ranked[j].CreatedAt) {
			return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}
