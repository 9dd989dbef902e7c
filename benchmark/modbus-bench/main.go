// Command modbus-bench drives ReadHoldingRegisters load against a modbus
// server and reports latency percentiles.
//
// The target is a TCP address (-addr), a service published in etcd
// (-etcd, -service), or an in-process server over the memory transport
// (-inproc), which measures the pipeline without any network.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/crazyfrankie/zmodbus"
	"github.com/crazyfrankie/zmodbus/internal/logger"
	"github.com/crazyfrankie/zmodbus/mem"
	"github.com/crazyfrankie/zmodbus/protocol"
	"github.com/crazyfrankie/zmodbus/transport/etcd"
	"github.com/crazyfrankie/zmodbus/transport/memory"
)

var (
	concurrency = flag.Int("concurrency", runtime.NumCPU()*4, "client concurrency, one connection each")
	total       = flag.Int("total", 100000, "total requests")
	quantity    = flag.Int("quantity", 10, "registers per request")
	reqTimeout  = flag.Duration("req_timeout", 5*time.Second, "request timeout")
	addr        = flag.String("addr", "", "server TCP address")
	etcdAddrs   = flag.String("etcd", "", "comma separated etcd endpoints to resolve -service from")
	service     = flag.String("service", "bench-modbus", "service name")
	inproc      = flag.Bool("inproc", false, "benchmark an in-process server over the memory transport")
	logLevel    = flag.String("log_level", "warn", "server log level for -inproc")
)

// lg reports results. The server under -inproc logs through zap.L at its own level.
var lg *zap.Logger

type dialFunc func(ctx context.Context) (net.Conn, error)

func main() {
	flag.Parse()

	restore, err := logger.Init("modbus-bench", "info", "json")
	if err != nil {
		panic(err)
	}
	defer restore()
	lg = zap.L()

	dial, cleanup, err := target()
	if err != nil {
		lg.Fatal("Failed to resolve target", zap.Error(err))
	}
	defer cleanup()

	n := *concurrency
	m := *total / n
	if m == 0 {
		m = 1
	}

	lg.Info("Starting benchmark",
		zap.Int("concurrency", n),
		zap.Int("requests_per_client", m),
		zap.Int("total_requests", n*m),
		zap.Int("quantity", *quantity),
		zap.Int("cpu_cores", runtime.NumCPU()),
	)

	var trans, transOK, errorCount uint64
	d := make([]int64, 0, n*m)
	var dMutex sync.Mutex

	var wg sync.WaitGroup
	var startWg sync.WaitGroup
	wg.Add(n)
	startWg.Add(n)

	totalT := time.Now()
	for i := 0; i < n; i++ {
		go func(clientID int) {
			defer wg.Done()

			conn, err := dial(context.Background())
			startWg.Done()
			startWg.Wait()
			if err != nil {
				lg.Error("Failed to connect", zap.Int("client", clientID), zap.Error(err))
				atomic.AddUint64(&errorCount, uint64(m))
				return
			}
			defer conn.Close()

			local := make([]int64, 0, m)
			for j := 0; j < m; j++ {
				t := time.Now()
				err := roundTrip(conn, uint16(j), uint16(*quantity))
				local = append(local, time.Since(t).Nanoseconds())

				atomic.AddUint64(&trans, 1)
				if err != nil {
					atomic.AddUint64(&errorCount, 1)
					lg.Debug("request failed", zap.Int("client", clientID), zap.Error(err))
					continue
				}
				atomic.AddUint64(&transOK, 1)
			}

			dMutex.Lock()
			d = append(d, local...)
			dMutex.Unlock()
		}(i)
	}
	wg.Wait()

	took := time.Since(totalT)
	lg.Info(fmt.Sprintf("took %d ms for %d requests", took.Milliseconds(), n*m))
	report(d, n*m, took, trans, transOK, errorCount)
}

func report(d []int64, sent int, took time.Duration, trans, transOK, errorCount uint64) {
	totalD := make([]float64, 0, len(d))
	for _, k := range d {
		totalD = append(totalD, float64(k))
	}

	mean, _ := stats.Mean(totalD)
	median, _ := stats.Median(totalD)
	max, _ := stats.Max(totalD)
	min, _ := stats.Min(totalD)
	p99, _ := stats.Percentile(totalD, 99)
	p999, _ := stats.Percentile(totalD, 99.9)

	tps := float64(sent) / took.Seconds()

	lg.Info("Benchmark complete",
		zap.Int("sent", sent),
		zap.Uint64("received", trans),
		zap.Uint64("ok", transOK),
		zap.Uint64("errors", errorCount),
		zap.String("success_rate", fmt.Sprintf("%.2f%%", float64(transOK)*100/float64(sent))),
		zap.Int64("tps", int64(tps)),
		zap.Duration("mean", time.Duration(mean)),
		zap.Duration("median", time.Duration(median)),
		zap.Duration("min", time.Duration(min)),
		zap.Duration("max", time.Duration(max)),
		zap.Duration("p99", time.Duration(p99)),
		zap.Duration("p999", time.Duration(p999)),
	)
}

// roundTrip sends one ReadHoldingRegisters request and checks the answer.
func roundTrip(conn net.Conn, txid, q uint16) error {
	req := &protocol.ReadHoldingRegistersRequest{ReadRange: protocol.ReadRange{UnitID: 1, Quantity: q}}

	conn.SetDeadline(time.Now().Add(*reqTimeout))
	if _, err := conn.Write(protocol.EncodeRequest(txid, req)); err != nil {
		return err
	}

	f, err := protocol.ReadFrame(conn, mem.DefaultBufferPool())
	if err != nil {
		return err
	}
	defer f.Release()

	if got := f.Header.TransactionID(); got != txid {
		return fmt.Errorf("transaction id %d, want %d", got, txid)
	}
	resp, err := protocol.ParseResponse(f.PDU())
	if err != nil {
		return err
	}
	if ex, ok := resp.(*protocol.ExceptionResponse); ok {
		return fmt.Errorf("exception %s", ex.Code)
	}
	if len(resp.Payload()) != 2*int(q) {
		return errors.New("short response")
	}
	return nil
}

// target returns how to reach the server under test.
func target() (dialFunc, func(), error) {
	switch {
	case *inproc:
		return inprocTarget()
	case *addr != "":
		return tcpDialer(*addr), func() {}, nil
	case *etcdAddrs != "":
		t, err := etcd.New(etcd.Config{Endpoints: strings.Split(*etcdAddrs, ",")})
		if err != nil {
			return nil, nil, err
		}
		a, err := t.Resolver().Pick(context.Background(), *service)
		if err != nil {
			t.Close()
			return nil, nil, err
		}
		lg.Info("Resolved service", zap.String("service", *service), zap.String("addr", a))
		return tcpDialer(a), func() { t.Close() }, nil
	}
	return nil, nil, errors.New("one of -addr, -etcd or -inproc is required")
}

func tcpDialer(a string) dialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", a)
	}
}

func inprocTarget() (dialFunc, func(), error) {
	srvLogger, err := logger.New("modbus-bench-server", *logLevel, "json")
	if err != nil {
		return nil, nil, err
	}
	restore := zap.ReplaceGlobals(srvLogger)

	t := memory.New()
	srv := zmodbus.NewServer(t, zmodbus.WithHandlers(zmodbus.DemoHandlers(nil)))
	if err := srv.Start(context.Background(), *service); err != nil {
		restore()
		return nil, nil, err
	}

	dial := func(ctx context.Context) (net.Conn, error) {
		return t.Dial(ctx, *service)
	}
	return dial, func() {
		srv.Stop()
		restore()
	}, nil
}
