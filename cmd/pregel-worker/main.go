package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/gopregel/engine/coordination/memgateway"
	"github.com/gopregel/engine/driver"
	"github.com/gopregel/engine/partition"
	"github.com/gopregel/engine/streamlog/memlog"
	"github.com/gopregel/engine/tracing"
	"github.com/gopregel/engine/workset"
)

var (
	appName = "pregel-worker"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{"app": appName, "sha": appSha, "host": host})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Usage = "runs a single-process smoke test of the Pregel computation engine over in-memory log and coordination backends"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "partitions", Value: 4, EnvVar: "PARTITIONS", Usage: "number of log partitions to simulate"},
		cli.IntFlag{Name: "max-iterations", Value: 20, EnvVar: "MAX_ITERATIONS", Usage: "superstep bound before forced completion"},
		cli.StringFlag{Name: "worker-name", Value: "worker-0", EnvVar: "WORKER_NAME"},
		cli.IntFlag{Name: "metrics-port", Value: 9100, EnvVar: "METRICS_PORT", Usage: "port for the Prometheus /metrics and health endpoints"},
	}
	app.Action = runMain
	return app
}

func runMain(appCtx *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerName := appCtx.String("worker-name")
	if tracer, err := tracing.GetTracer(workerName); err != nil {
		logger.WithError(err).Warn("tracing disabled: failed to obtain jaeger tracer")
	} else {
		opentracing.SetGlobalTracer(tracer)
		defer func() {
			if err := tracing.Pool.Close(); err != nil {
				logger.WithError(err).Warn("error flushing tracer pool")
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveTelemetry(ctx, appCtx.Int("metrics-port"), logger)
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sigCh:
			logger.WithField("signal", s.String()).Info("shutting down due to signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := runSmokeTest(ctx, appCtx.Int("partitions"), int32(appCtx.Int("max-iterations")), workerName)
	cancel()
	wg.Wait()
	if err != nil {
		return err
	}
	for id, v := range result {
		fmt.Printf("%s = %v\n", id, v)
	}
	return nil
}

// serveTelemetry exposes Prometheus metrics and a liveness probe on a
// small gorilla/mux router. pprof is registered on the default mux via
// the net/http/pprof import and served from this same listener.
func serveTelemetry(ctx context.Context, port int, logger *logrus.Entry) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.WithError(err).Error("telemetry listener failed")
		return
	}
	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	logger.WithField("port", port).Info("serving metrics and health checks")
	if err := srv.Serve(listener); err != nil && ctx.Err() == nil {
		logger.WithError(err).Warn("telemetry server exited")
	}
}

// runSmokeTest wires a Driver against in-memory log and coordination
// backends with a trivial distance-relaxation compute function and runs
// it to completion.
func runSmokeTest(ctx context.Context, numPartitions int, maxIterations int32, workerName string) (map[string]interface{}, error) {
	router, err := partition.NewRouter(numPartitions)
	if err != nil {
		return nil, xerrors.Errorf("smoke test: %w", err)
	}

	store := memgateway.NewStore()
	gw := memgateway.NewGateway(store)

	vertexBroker := memlog.NewBroker(numPartitions, true)
	edgeBroker := memlog.NewBroker(numPartitions, true)
	solutionBroker := memlog.NewBroker(numPartitions, true)
	workSetBroker := memlog.NewBroker(numPartitions, false)

	seedVertices(vertexBroker, []string{"a", "b", "c", "d"})
	seedEdges(edgeBroker, map[string][]workset.Edge{
		"a": {{DstID: "b", Value: 1}, {DstID: "c", Value: 4}},
		"b": {{DstID: "c", Value: 1}},
		"c": {{DstID: "d", Value: 1}},
	})

	allPartitions := make([]int, numPartitions)
	for i := range allPartitions {
		allPartitions[i] = i
	}

	runID := uuid.New().String()
	cfg := driver.Config{
		WorkerName:          workerName,
		GroupPath:           "/smoketest/" + runID,
		Gateway:             gw,
		Partitions:          allPartitions,
		Router:              router,
		VertexSource:        memVertexSource{vertexBroker},
		EdgeSource:          memEdgeSource{edgeBroker},
		WorkSetProducer:     workSetBroker.Producer(),
		WorkSetConsumer:     workSetBroker.Consumer(allPartitions),
		SolutionSetProducer: solutionBroker.Producer(),
		SolutionSetConsumer: solutionBroker.Consumer(allPartitions),
		Compute:             shortestPathCompute,
		MaxIterations:       maxIterations,
		Logger:              logger,
	}

	d, err := driver.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	if err := d.Prepare(ctx); err != nil {
		return nil, err
	}

	runCtx, runCancel := context.WithTimeout(ctx, 30*time.Second)
	defer runCancel()
	if _, err := d.Run(runCtx, maxIterations); err != nil {
		return nil, err
	}
	return d.Result(), nil
}

func seedVertices(b *memlog.Broker, ids []string) {
	p := b.Producer()
	for _, id := range ids {
		val := interface{}(nil)
		if id == "a" {
			val = 0
		}
		rec, _ := workset.EncodeVertexRecord(id, val)
		<-p.Send(context.Background(), rec)
	}
}

func seedEdges(b *memlog.Broker, edges map[string][]workset.Edge) {
	p := b.Producer()
	for src, es := range edges {
		rec, _ := workset.EncodeEdgeGroupRecord(src, es)
		<-p.Send(context.Background(), rec)
	}
}

type memVertexSource struct{ b *memlog.Broker }

func (s memVertexSource) Load() (map[string]interface{}, error) {
	raw, err := drainCompacted(s.b)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(raw))
	for k, payload := range raw {
		v, err := workset.DecodeVertexValue(payload)
		if err != nil {
			return nil, xerrors.Errorf("decoding vertex %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

type memEdgeSource struct{ b *memlog.Broker }

func (s memEdgeSource) Load() (map[string][]workset.Edge, error) {
	raw, err := drainCompacted(s.b)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]workset.Edge, len(raw))
	for k, payload := range raw {
		es, err := workset.DecodeEdgeGroup(payload)
		if err != nil {
			return nil, xerrors.Errorf("decoding edges for %s: %w", k, err)
		}
		out[k] = es
	}
	return out, nil
}

// drainCompacted reads every partition of a compacted broker to its current
// end offset and returns the last record seen per key: replaying a
// compacted topic to materialize a table is the same pattern a restarting
// driver uses to rebuild its vertex/edge tables from a durable log.
func drainCompacted(b *memlog.Broker) (map[string][]byte, error) {
	allPartitions := make([]int, b.NumPartitions())
	for i := range allPartitions {
		allPartitions[i] = i
	}
	c := b.Consumer(allPartitions)
	defer c.Close()

	out := make(map[string][]byte)
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	for !c.Synced() {
		select {
		case rec := <-c.Records():
			out[string(rec.Key)] = rec.Value
		case <-deadline.C:
			return nil, xerrors.New("drainCompacted: timed out waiting for backfill")
		}
	}
	// Drain whatever arrived exactly at the sync boundary without blocking.
	for {
		select {
		case rec := <-c.Records():
			out[string(rec.Key)] = rec.Value
		default:
			return out, nil
		}
	}
}

// shortestPathCompute is a minimal single-source-shortest-path vertex
// program used only to exercise the pipeline end to end: a vertex relaxes
// to the smallest incoming distance plus edge weight and forwards updates
// to its neighbours.
func shortestPathCompute(_ int32, v workset.Vertex, incoming map[string]interface{}, edges []workset.Edge, cb *workset.Callback) error {
	best, haveBest := asInt(v.Value)
	for _, msg := range incoming {
		d, ok := asInt(msg)
		if !ok {
			continue
		}
		if !haveBest || d < best {
			best, haveBest = d, true
		}
	}
	if !haveBest {
		return nil
	}
	if cur, ok := asInt(v.Value); !ok || best < cur {
		cb.SetNewVertexValue(best)
	}
	for _, e := range edges {
		weight, _ := asInt(e.Value)
		cb.SendMessageTo(e.DstID, best+weight)
	}
	return nil
}

// asInt coerces a distance value that may have round-tripped through JSON
// (decoding integers as float64) back into an int.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
