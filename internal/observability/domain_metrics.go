package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	guardrailBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialdesk_guardrail_blocks_total",
			Help: "Total number of questions blocked before generation, by reason.",
		},
		[]string{"reason"},
	)
	topicClassifierFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trialdesk_topic_classifier_failures_total",
			Help: "Total number of topic classifier calls that failed and were skipped.",
		},
	)
	sqlValidationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialdesk_sql_validation_failures_total",
			Help: "Total number of candidate queries rejected by the SQL validator, by kind.",
		},
		[]string{"kind"},
	)
	validationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trialdesk_validation_retries_total",
			Help: "Total number of generate_query retries caused by validation failures.",
		},
	)
	agentTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialdesk_agent_turns_total",
			Help: "Total number of agent turns, by outcome.",
		},
		[]string{"outcome"},
	)
	agentTurnDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trialdesk_agent_turn_duration_seconds",
			Help:    "End-to-end agent turn latency in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
	generatorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialdesk_generator_requests_total",
			Help: "Total number of generator API calls, by result.",
		},
		[]string{"result"},
	)
	standbySwitchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trialdesk_standby_switches_total",
			Help: "Total number of turns that fell back to the standby credential.",
		},
	)
	executedQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trialdesk_executed_queries_total",
			Help: "Total number of validated queries executed against the trials database.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		guardrailBlocksTotal,
		topicClassifierFailuresTotal,
		sqlValidationFailuresTotal,
		validationRetriesTotal,
		agentTurnsTotal,
		agentTurnDurationSeconds,
		generatorRequestsTotal,
		standbySwitchesTotal,
		executedQueriesTotal,
	)
}

func ObserveGuardrailBlock(reason string) {
	guardrailBlocksTotal.WithLabelValues(reason).Inc()
}

func ObserveTopicClassifierFailure() {
	topicClassifierFailuresTotal.Inc()
}

func ObserveSQLValidationFailure(kind string) {
	sqlValidationFailuresTotal.WithLabelValues(kind).Inc()
	validationRetriesTotal.Inc()
}

func ObserveAgentTurn(outcome string, elapsed time.Duration) {
	agentTurnsTotal.WithLabelValues(outcome).Inc()
	agentTurnDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveGeneratorRequest(result string) {
	generatorRequestsTotal.WithLabelValues(result).Inc()
}

func ObserveStandbySwitch() {
	standbySwitchesTotal.Inc()
}

func ObserveExecutedQuery() {
	executedQueriesTotal.Inc()
}
