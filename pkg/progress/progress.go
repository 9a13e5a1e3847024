package progress

import (
	"math"

	"infinitytrain/pkg/domain"
)

type State string

const (
	StateNotStarted State = "not-started"
	StateInProgress State = "in-progress"
	StateCompleted  State = "completed"
)

// Stats summarizes one user's progress through one topic.
//
// WeightedPercentage credits partial understanding (good = 0.75, basic = 0.25)
// and drives State. MasteryPercentage counts only fully understood subtopics.
// The two are reported separately and are expected to differ.
type Stats struct {
	TopicID            string  `json:"topicId"`
	Total              int     `json:"total"`
	NotAddressed       int     `json:"notAddressed"`
	Basic              int     `json:"basic"`
	Good               int     `json:"good"`
	FullyUnderstood    int     `json:"fullyUnderstood"`
	Completed          int     `json:"completed"`
	MasteryPercentage  int     `json:"masteryPercentage"`
	WeightedPercentage float64 `json:"weightedPercentage"`
	State              State   `json:"state"`
}

// Score maps a status to its weight. Unknown values score zero.
func Score(status domain.ProgressStatus) float64 {
	switch status {
	case domain.StatusFullyUnderstood:
		return 1
	case domain.StatusGood:
		return 0.75
	case domain.StatusBasic:
		return 0.25
	default:
		return 0
	}
}

// StateFor classifies a weighted percentage.
func StateFor(weighted float64) State {
	switch {
	case weighted >= 100:
		return StateCompleted
	case weighted > 0:
		return StateInProgress
	default:
		return StateNotStarted
	}
}

// StatusIndex returns userID's status per subtopic. Records of other users
// are ignored.
func StatusIndex(records []domain.UserProgress, userID string) map[string]domain.ProgressStatus {
	idx := make(map[string]domain.ProgressStatus, len(records))
	for _, r := range records {
		if r.UserID == userID {
			idx[r.SubtopicID] = r.Status
		}
	}
	return idx
}

// StatusOf returns the status of subtopicID, defaulting to not_addressed.
func StatusOf(idx map[string]domain.ProgressStatus, subtopicID string) domain.ProgressStatus {
	if status, ok := idx[subtopicID]; ok && status.Valid() {
		return status
	}
	return domain.StatusNotAddressed
}

// ForTopic computes the stats of topic for userID.
func ForTopic(topic domain.Topic, records []domain.UserProgress, userID string) Stats {
	return forTopic(topic, StatusIndex(records, userID))
}

func forTopic(topic domain.Topic, idx map[string]domain.ProgressStatus) Stats {
	stats := Stats{TopicID: topic.ID, State: StateNotStarted}
	if len(topic.Subtopics) == 0 {
		return stats
	}
	var score float64
	for _, st := range topic.Subtopics {
		status := StatusOf(idx, st.ID)
		score += Score(status)
		switch status {
		case domain.StatusFullyUnderstood:
			stats.FullyUnderstood++
		case domain.StatusGood:
			stats.Good++
		case domain.StatusBasic:
			stats.Basic++
		default:
			stats.NotAddressed++
		}
	}
	stats.Total = len(topic.Subtopics)
	stats.Completed = stats.FullyUnderstood
	stats.MasteryPercentage = int(math.Round(float64(stats.Completed) / float64(stats.Total) * 100))
	stats.WeightedPercentage = score / float64(stats.Total) * 100
	stats.State = StateFor(stats.WeightedPercentage)
	return stats
}

// Overview computes stats for every topic that is not soft-deleted, in input
// order.
func Overview(topics []domain.Topic, records []domain.UserProgress, userID string) []Stats {
	idx := StatusIndex(records, userID)
	res := make([]Stats, 0, len(topics))
	for _, t := range topics {
		if t.IsDeleted {
			continue
		}
		res = append(res, forTopic(t, idx))
	}
	return res
}
