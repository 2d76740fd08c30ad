package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// MetricsPublisher pushes per-cycle counters to CloudWatch.
type MetricsPublisher struct {
	client    CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

// NewMetricsPublisher returns a publisher writing into namespace.
func NewMetricsPublisher(client CloudWatchAPI, namespace string) *MetricsPublisher {
	return &MetricsPublisher{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
	}
}

// PutCounts writes one Count datum per entry. Keys become metric names.
func (m *MetricsPublisher) PutCounts(ctx context.Context, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	now := m.nowFunc().UTC()
	data := make([]cwtypes.MetricDatum, 0, len(names))
	for _, name := range names {
		v := float64(counts[name])
		data = append(data, cwtypes.MetricDatum{
			MetricName: String(name),
			Timestamp:  &now,
			Unit:       cwtypes.StandardUnitCount,
			Value:      &v,
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  &m.namespace,
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
