package driver

import (
	"io/ioutil"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/gopregel/engine/coordination"
	"github.com/gopregel/engine/partition"
	"github.com/gopregel/engine/streamlog"
	"github.com/gopregel/engine/workset"
)

// Config encapsulates everything a Driver needs to prepare and run a
// computation. There is no separate master role: every worker runs the
// same barrier protocol and only the elected leader advances the shared
// state.
type Config struct {
	// WorkerName uniquely identifies this worker within the group.
	WorkerName string

	// GroupPath is the coordination-store path this worker's group
	// membership and shared PregelState live under, e.g.
	// "<root>/<applicationId>".
	GroupPath string

	// Gateway is the coordination store collaborator.
	Gateway coordination.Gateway

	// Partitions lists the log partitions this worker is responsible for.
	Partitions []int

	// Router computes the partition owning a given vertex/edge key.
	Router *partition.Router

	// VertexSource yields the compacted vertices log's entries during
	// Prepare.
	VertexSource VertexSource

	// EdgeSource yields the compacted edgesGroupedBySource log's entries
	// during Prepare.
	EdgeSource EdgeSource

	// WorkSetProducer publishes to the workSet log topic.
	WorkSetProducer streamlog.Producer
	// WorkSetConsumer reads this worker's assigned workSet partitions.
	WorkSetConsumer streamlog.Consumer
	// SolutionSetProducer publishes to the solutionSet log topic.
	SolutionSetProducer streamlog.Producer
	// SolutionSetConsumer reads this worker's assigned solutionSet
	// partitions, used to materialize the SolutionStore.
	SolutionSetConsumer streamlog.Consumer

	// Compute is the user-supplied vertex program.
	Compute workset.ComputeFunc

	// MaxIterations bounds the number of supersteps executed.
	MaxIterations int32

	// Logger defaults to a null logger when unset.
	Logger *logrus.Entry
}

// VertexSource yields the compacted vertices log's entries.
type VertexSource interface {
	Load() (map[string]interface{}, error)
}

// EdgeSource yields the compacted edgesGroupedBySource log's entries.
type EdgeSource interface {
	Load() (map[string][]workset.Edge, error)
}

// Validate checks the config for completeness, accumulating every
// missing field into a single error rather than failing on the first one.
func (cfg *Config) Validate() error {
	var err error
	if cfg.WorkerName == "" {
		err = multierror.Append(err, xerrors.Errorf("worker name not specified"))
	}
	if cfg.GroupPath == "" {
		err = multierror.Append(err, xerrors.Errorf("group path not specified"))
	}
	if cfg.Gateway == nil {
		err = multierror.Append(err, xerrors.Errorf("coordination gateway not specified"))
	}
	if len(cfg.Partitions) == 0 {
		err = multierror.Append(err, xerrors.Errorf("no partitions assigned"))
	}
	if cfg.Router == nil {
		err = multierror.Append(err, xerrors.Errorf("partition router not specified"))
	}
	if cfg.VertexSource == nil {
		err = multierror.Append(err, xerrors.Errorf("vertex source not specified"))
	}
	if cfg.EdgeSource == nil {
		err = multierror.Append(err, xerrors.Errorf("edge source not specified"))
	}
	if cfg.WorkSetProducer == nil || cfg.WorkSetConsumer == nil {
		err = multierror.Append(err, xerrors.Errorf("work-set producer/consumer not specified"))
	}
	if cfg.SolutionSetProducer == nil || cfg.SolutionSetConsumer == nil {
		err = multierror.Append(err, xerrors.Errorf("solution-set producer/consumer not specified"))
	}
	if cfg.Compute == nil {
		err = multierror.Append(err, xerrors.Errorf("compute function not specified"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard, Formatter: new(logrus.TextFormatter), Level: logrus.InfoLevel})
	}
	return err
}
