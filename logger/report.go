package logger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	fetchBatches    int64
	fetchFailures   int64
	snapshotsStored int64
	signalsEmitted  int64
	ordersPlaced    int64
	auditFlushes    int64
	warnCounts      sync.Map // map[string]*int64 keyed by component
	errorCounts     sync.Map // map[string]*int64 keyed by component
)

func recordWarn(component string) {
	v, _ := warnCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordError(component string) {
	v, _ := errorCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// IncrementFetchBatch records one batched exchange fetch attempt.
func IncrementFetchBatch(failed bool) {
	atomic.AddInt64(&fetchBatches, 1)
	if failed {
		atomic.AddInt64(&fetchFailures, 1)
	}
}

// IncrementSnapshots records snapshots persisted by the scheduler.
func IncrementSnapshots(n int) {
	atomic.AddInt64(&snapshotsStored, int64(n))
}

// IncrementSignals records trading signals emitted by a scoring pass.
func IncrementSignals(n int) {
	atomic.AddInt64(&signalsEmitted, int64(n))
}

// IncrementOrders records order placements (paper or live).
func IncrementOrders() {
	atomic.AddInt64(&ordersPlaced, 1)
}

// IncrementAuditFlush records one audit buffer flush.
func IncrementAuditFlush() {
	atomic.AddInt64(&auditFlushes, 1)
}

func sumCounts(m *sync.Map) int64 {
	var total int64
	m.Range(func(_, v interface{}) bool {
		total += atomic.LoadInt64(v.(*int64))
		return true
	})
	return total
}

// StartReport periodically emits a summary of pipeline counters and mirrors
// them to CloudWatch when the client is configured. Counters are cumulative
// for the process lifetime.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				batches := atomic.LoadInt64(&fetchBatches)
				failures := atomic.LoadInt64(&fetchFailures)
				snapshots := atomic.LoadInt64(&snapshotsStored)
				signals := atomic.LoadInt64(&signalsEmitted)
				orders := atomic.LoadInt64(&ordersPlaced)
				flushes := atomic.LoadInt64(&auditFlushes)

				log.WithComponent("report").WithFields(Fields{
					"fetch_batches":    batches,
					"fetch_failures":   failures,
					"snapshots_stored": snapshots,
					"signals_emitted":  signals,
					"orders_placed":    orders,
					"audit_flushes":    flushes,
					"warns":            sumCounts(&warnCounts),
					"errors":           sumCounts(&errorCounts),
				}).Info("pipeline report")

				publishMetrics(ctx, []cwtypes.MetricDatum{
					{MetricName: aws.String("FetchBatches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(batches))},
					{MetricName: aws.String("FetchFailures"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(failures))},
					{MetricName: aws.String("SnapshotsStored"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(snapshots))},
					{MetricName: aws.String("SignalsEmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(signals))},
					{MetricName: aws.String("OrdersPlaced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(orders))},
					{MetricName: aws.String("AuditFlushes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(flushes))},
				})
			}
		}
	}()
}
