package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func registerDBMetrics(db *sql.DB, logger *zap.SugaredLogger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "trip_events_stored",
			Help: "Trip events persisted in the event store",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM trip_events")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "trips_stored",
			Help: "Persisted trip operations",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM trip_events WHERE event_type = 'trip'")
		},
	))
}

func queryCount(db *sql.DB, logger *zap.SugaredLogger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warnw("metrics query failed", "error", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
