package service

import (
	"regexp"
	"strconv"
	"time"

	"github.com/digkill/TGAvatarBot/internal/provider"
)

// maxPendingProgress is the highest estimate reported before the provider confirms success.
const maxPendingProgress = 99

// ProgressEstimator turns elapsed time and the last provider snapshot into a percentage.
type ProgressEstimator interface {
	Estimate(elapsed time.Duration, state provider.TrainingState) int
}

// TimeBasedEstimator assumes training progresses linearly over Expected.
type TimeBasedEstimator struct {
	Expected time.Duration
}

func (e TimeBasedEstimator) Estimate(elapsed time.Duration, _ provider.TrainingState) int {
	if e.Expected <= 0 || elapsed <= 0 {
		return 0
	}
	return clampProgress(int(elapsed * 100 / e.Expected))
}

// stepBarPattern matches the "step/total [elapsed<remaining" part of a tqdm progress bar.
var stepBarPattern = regexp.MustCompile(`(\d+)/(\d+)\s*\[`)

// LogPercentEstimator reads the trainer's step bar from the provider logs. Only bars counting to
// TotalSteps are trusted: the logs also carry bars for captioning and dataset preparation, which
// reach 100% long before training does. Without a matching bar Fallback answers.
type LogPercentEstimator struct {
	TotalSteps int
	Fallback   ProgressEstimator
}

func (e LogPercentEstimator) Estimate(elapsed time.Duration, state provider.TrainingState) int {
	if pct, ok := stepPercent(state.Logs, e.TotalSteps); ok {
		return clampProgress(pct)
	}
	if e.Fallback != nil {
		return e.Fallback.Estimate(elapsed, state)
	}
	return 0
}

// stepPercent returns the progress of the last bar in logs whose total equals totalSteps.
func stepPercent(logs string, totalSteps int) (int, bool) {
	if totalSteps <= 0 {
		return 0, false
	}
	matches := stepBarPattern.FindAllStringSubmatch(logs, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		step, err1 := strconv.Atoi(matches[i][1])
		total, err2 := strconv.Atoi(matches[i][2])
		if err1 != nil || err2 != nil || total != totalSteps || step > total {
			continue
		}
		return step * 100 / total, true
	}
	return 0, false
}

func clampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > maxPendingProgress {
		return maxPendingProgress
	}
	return pct
}
