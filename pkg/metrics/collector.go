package metrics

import (
	"context"

	"github.com/ctf-gg/nerine/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// ---------------------------------------------------------------------------
// DeploymentCollector
// ---------------------------------------------------------------------------

// DeploymentCollector implements prometheus.Collector and queries the database
// on each scrape, so counts survive restarts and out-of-band changes.
type DeploymentCollector struct {
	db   *gorm.DB
	desc *prometheus.Desc
}

// NewDeploymentCollector creates a Collector backed by db.
// Call prometheus.MustRegister(collector) after creation.
func NewDeploymentCollector(db *gorm.DB) *DeploymentCollector {
	return &DeploymentCollector{
		db: db,
		desc: prometheus.NewDesc(
			"nerine_deployments",
			"Current number of non-destroyed deployments by state and strategy",
			[]string{"state", "strategy"},
			nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *DeploymentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect queries the database and sends deployment count metrics.
func (c *DeploymentCollector) Collect(ch chan<- prometheus.Metric) {
	type row struct {
		Deployed bool
		Static   bool
		Count    int64
	}

	var rows []row
	err := c.db.Model(&models.Deployment{}).
		Select("deployed, team_id IS NULL AS static, COUNT(*) AS count").
		Where("destroyed_at IS NULL").
		Group("deployed, team_id IS NULL").
		Scan(&rows).Error
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}

	for _, r := range rows {
		state := "pending"
		if r.Deployed {
			state = "deployed"
		}
		strategy := "instanced"
		if r.Static {
			strategy = "static"
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(r.Count), state, strategy)
	}
}

// ---------------------------------------------------------------------------
// QueueCollector
// ---------------------------------------------------------------------------

// QueueLengther is the minimal interface needed to observe Redis queue depth.
// It is satisfied by *worker.Queue without importing that package.
type QueueLengther interface {
	QueueLength(ctx context.Context) (int64, error)
}

// QueueCollector reports the current number of jobs waiting in the Redis queue.
type QueueCollector struct {
	queue QueueLengther
	desc  *prometheus.Desc
}

// NewQueueCollector creates a collector that reads queue depth from q on each scrape.
// Register it only when Redis is configured (queue != nil).
func NewQueueCollector(queue QueueLengther) *QueueCollector {
	return &QueueCollector{
		queue: queue,
		desc: prometheus.NewDesc(
			"nerine_queue_depth",
			"Number of jobs currently waiting in the Redis job queue",
			nil, nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect queries the queue length and sends the gauge metric.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	n, err := c.queue.QueueLength(context.Background())
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n))
}
