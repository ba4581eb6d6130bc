package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type feedStat struct {
	messages int64
	bytes    int64
}

// feedCounters holds warn/error/read totals for one feed family.
type feedCounters struct {
	errors int64
	warns  int64
	reads  int64
}

var (
	snapshotFeed feedCounters
	streamFeed   feedCounters
	tradeFeed    feedCounters
	archiveWrite int64
	feeds        sync.Map // map[string]*feedStat
)

func countersFor(component string) *feedCounters {
	switch {
	case strings.Contains(component, "snapshot"), strings.Contains(component, "tracker"):
		return &snapshotFeed
	case strings.Contains(component, "stream"), strings.Contains(component, "diff"):
		return &streamFeed
	case strings.Contains(component, "trade"):
		return &tradeFeed
	}
	return nil
}

func recordWarn(component string) {
	if c := countersFor(component); c != nil {
		atomic.AddInt64(&c.warns, 1)
	}
}

func recordError(component string) {
	if c := countersFor(component); c != nil {
		atomic.AddInt64(&c.errors, 1)
	}
}

// IncrementSnapshotRead counts one depth response of size bytes.
func IncrementSnapshotRead(size int) {
	atomic.AddInt64(&snapshotFeed.reads, 1)
	RecordFeedMessage("snapshot_rest", size)
}

// IncrementStreamRead counts one websocket frame of size bytes.
func IncrementStreamRead(channel string, size int) {
	if strings.Contains(channel, "trade") {
		atomic.AddInt64(&tradeFeed.reads, 1)
	} else {
		atomic.AddInt64(&streamFeed.reads, 1)
	}
	RecordFeedMessage("ws_"+channel, size)
}

// IncrementArchiveWrite counts one object written to the archive.
func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrite, 1)
	RecordFeedMessage("s3_snapshot_write", int(size))
}

func RecordFeedMessage(name string, size int) {
	v, _ := feeds.LoadOrStore(name, &feedStat{})
	fs := v.(*feedStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

// StartReport logs host and feed statistics every interval until ctx ends.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func reportFields() (Fields, map[string]map[string]int64) {
	feedData := map[string]map[string]int64{}
	feeds.Range(func(k, v any) bool {
		fs := v.(*feedStat)
		feedData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		return true
	})

	return Fields{
		"errors_snapshot": atomic.LoadInt64(&snapshotFeed.errors),
		"errors_stream":   atomic.LoadInt64(&streamFeed.errors),
		"errors_trade":    atomic.LoadInt64(&tradeFeed.errors),
		"warns_snapshot":  atomic.LoadInt64(&snapshotFeed.warns),
		"warns_stream":    atomic.LoadInt64(&streamFeed.warns),
		"warns_trade":     atomic.LoadInt64(&tradeFeed.warns),
		"snapshot_reads":  atomic.LoadInt64(&snapshotFeed.reads),
		"stream_reads":    atomic.LoadInt64(&streamFeed.reads),
		"trade_reads":     atomic.LoadInt64(&tradeFeed.reads),
		"archive_writes":  atomic.LoadInt64(&archiveWrite),
		"goroutines":      runtime.NumGoroutine(),
		"feeds":           feedData,
	}, feedData
}

func logReport(ctx context.Context, log *Log) {
	fields, feedData := reportFields()

	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	var memUsed, diskUsed, bytesSent, bytesRecv uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsed = vm.Used
	}
	if du, err := disk.Usage("/"); err == nil {
		diskUsed = du.Used
	}
	if nc, err := gnet.IOCounters(false); err == nil && len(nc) > 0 {
		bytesSent = nc[0].BytesSent
		bytesRecv = nc[0].BytesRecv
	}

	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memUsed / 1024 / 1024)
	fields["disk_mb"] = int64(diskUsed / 1024 / 1024)
	fields["net_bytes_sent"] = int64(bytesSent)
	fields["net_bytes_recv"] = int64(bytesRecv)

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields[key].(int64)))}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
		count("ErrorsSnapshot", "errors_snapshot"),
		count("ErrorsStream", "errors_stream"),
		count("SnapshotReads", "snapshot_reads"),
		count("StreamReads", "stream_reads"),
		count("TradeReads", "trade_reads"),
		count("ArchiveWrites", "archive_writes"),
	}
	for name, stats := range feedData {
		dims := []cwtypes.Dimension{{Name: aws.String("Feed"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("FeedMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("FeedBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}

	publishMetrics(ctx, data)
}
