// Package tracing obtains a Jaeger-backed opentracing.Tracer for a worker
// process, so a superstep's RECEIVE/SEND/advance path can be followed
// across the coordination gateway and the durable log the way a
// distributed trace follows a request across services.
package tracing

import (
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

// Pool tracks every tracer this process has created, so a shutdown path can
// flush and close all of them with a single call.
var Pool = new(pool)

type pool struct {
	mu            sync.Mutex
	tracerClosers []io.Closer
}

// Close flushes and releases every tracer instance the pool currently holds.
func (p *pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for _, closer := range p.tracerClosers {
		if cErr := closer.Close(); cErr != nil {
			err = multierror.Append(err, cErr)
		}
	}
	p.tracerClosers = nil
	return err
}

// GetTracer obtains a Jaeger tracer for workerName, configured from the
// standard JAEGER_* environment variables. Callers must call Pool.Close
// before the process exits so buffered spans are flushed.
func GetTracer(workerName string) (opentracing.Tracer, error) {
	cfg, err := jaegercfg.FromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Sampler = &jaegercfg.SamplerConfig{
		Type:  jaeger.SamplerTypeConst,
		Param: 1,
	}
	cfg.ServiceName = workerName

	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, err
	}

	Pool.mu.Lock()
	Pool.tracerClosers = append(Pool.tracerClosers, closer)
	Pool.mu.Unlock()
	return tracer, nil
}
