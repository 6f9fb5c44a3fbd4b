package opmon

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/gwlog"
)

var (
	operationAllocPool = sync.Pool{
		New: func() interface{} {
			return &Operation{}
		},
	}

	monitor = newMonitor()

	operationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gostate",
		Name:      "operation_seconds",
		Help:      "Duration of handled operations in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"op"})

	droppedDatagrams = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gostate",
		Name:      "dropped_datagrams_total",
		Help:      "Total number of datagrams dropped by reason",
	}, []string{"reason"})
)

func init() {
	if consts.OPMON_DUMP_INTERVAL > 0 {
		go func() {
			for {
				time.Sleep(consts.OPMON_DUMP_INTERVAL)
				monitor.Dump()
			}
		}()
	}
}

type _OpInfo struct {
	count         uint64
	totalDuration time.Duration
	maxDuration   time.Duration
}

type _Monitor struct {
	sync.Mutex
	opInfos map[string]*_OpInfo
}

func newMonitor() *_Monitor {
	m := &_Monitor{
		opInfos: map[string]*_OpInfo{},
	}
	return m
}

func (monitor *_Monitor) record(opname string, duration time.Duration) {
	monitor.Lock()
	info := monitor.opInfos[opname]
	if info == nil {
		info = &_OpInfo{}
		monitor.opInfos[opname] = info
	}
	info.count += 1
	info.totalDuration += duration
	if duration > info.maxDuration {
		info.maxDuration = duration
	}
	monitor.Unlock()
	operationSeconds.WithLabelValues(opname).Observe(duration.Seconds())
}

// Dump prints and clears operation infos recorded since last dump
func Dump() {
	monitor.Dump()
}

func (monitor *_Monitor) Dump() {
	type _T struct {
		name string
		info *_OpInfo
	}
	monitor.Lock()
	opInfos := monitor.opInfos
	monitor.opInfos = map[string]*_OpInfo{} // clear to be empty
	monitor.Unlock()

	copyOpInfos := make([]_T, 0, len(opInfos))
	for name, opinfo := range opInfos {
		copyOpInfos = append(copyOpInfos, _T{name, opinfo})
	}
	sort.Slice(copyOpInfos, func(i, j int) bool {
		return copyOpInfos[i].name < copyOpInfos[j].name
	})
	fmt.Fprint(os.Stderr, "=====================================================================================\n")
	for _, _t := range copyOpInfos {
		opname, opinfo := _t.name, _t.info
		fmt.Fprintf(os.Stderr, "%-40sx%-10d AVG %-10s MAX %-10s\n", opname, opinfo.count, opinfo.totalDuration/time.Duration(opinfo.count), opinfo.maxDuration)
	}
}

// Operation is the type of operation to be monitored
type Operation struct {
	name      string
	startTime time.Time
}

// StartOperation creates a new operation
func StartOperation(operationName string) *Operation {
	op := operationAllocPool.Get().(*Operation)
	op.name = operationName
	op.startTime = time.Now()
	return op
}

// Finish finishes the operation and records the duration of operation
func (op *Operation) Finish(warnThreshold time.Duration) {
	takeTime := time.Since(op.startTime)
	monitor.record(op.name, takeTime)
	if takeTime >= warnThreshold {
		gwlog.Warnf("opmon: operation %s takes %s > %s", op.name, takeTime, warnThreshold)
	}
	operationAllocPool.Put(op)
}

// CountDropped counts a datagram dropped for the reason
func CountDropped(reason string) {
	droppedDatagrams.WithLabelValues(reason).Inc()
}
