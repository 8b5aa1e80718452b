package models

import "time"

// ActionPattern summarises how one kind of change on one parameter has fared
// against one trigger metric.
type ActionPattern struct {
	ID            string      `json:"id"`
	TriggerMetric MetricName  `json:"trigger_metric"`
	Kind          ActionKind  `json:"kind"`
	Scope         ConfigScope `json:"scope"`
	Attempts      int         `json:"attempts"`
	Successes     int         `json:"successes"`
	RolledBack    int         `json:"rolled_back"`
	AverageReward float64     `json:"average_reward"`
	SuccessRate   float64     `json:"success_rate"`
	LastSeen      time.Time   `json:"last_seen"`
}
