// Package downloader runs the startup routine: resolve the target partition,
// fetch one URL and stream the body into the partition.
package downloader

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/flashfetch/config"
	"github.com/jaywantadh/flashfetch/internal/nvs"
	"github.com/jaywantadh/flashfetch/internal/partition"
	"github.com/jaywantadh/flashfetch/internal/streaming"
	"github.com/jaywantadh/flashfetch/internal/transfer"
	"github.com/jaywantadh/flashfetch/pkg/logging"
)

// State of a run. DONE and ABORTED are terminal.
type State int

const (
	StateInit State = iota
	StatePartitionReady
	StateHTTPConnected
	StateStreaming
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePartitionReady:
		return "PARTITION_READY"
	case StateHTTPConnected:
		return "HTTP_CONNECTED"
	case StateStreaming:
		return "STREAMING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options fixes everything a run needs to know.
type Options struct {
	URL           string
	PartitionName string
	PartitionSize int64
	BufferSize    int
	Timeout       time.Duration
	Mode          partition.Mode

	// Transport overrides the HTTP transport. Optional.
	Transport http.RoundTripper
}

// OptionsFromConfig maps the application config onto run options.
func OptionsFromConfig(cfg config.AppConfig) (Options, error) {
	mode, err := partition.ParseMode(cfg.ProvisionMode)
	if err != nil {
		return Options{}, err
	}
	return Options{
		URL:           cfg.URL,
		PartitionName: cfg.PartitionName,
		PartitionSize: cfg.PartitionSize,
		BufferSize:    cfg.BufferSize,
		Timeout:       cfg.Timeout,
		Mode:          mode,
	}, nil
}

// Recorder persists the outcome of a run.
type Recorder interface {
	PutRecord(r nvs.Record) error
}

// Result is what a run ended with. Err is set when State is ABORTED.
type Result struct {
	RunID     string
	State     State
	Partition *partition.Partition
	Progress  streaming.Progress
	Err       error
}

// Downloader runs the routine against one partition table.
type Downloader struct {
	opts    Options
	table   partition.Service
	records Recorder
	log     *logrus.Entry
}

// New builds a Downloader. records and log may be nil.
func New(opts Options, table partition.Service, records Recorder, log *logrus.Entry) *Downloader {
	if log == nil {
		log = logging.Discard()
	}
	return &Downloader{opts: opts, table: table, records: records, log: log}
}

// Run executes the routine once. Every failure is logged and ends the run
// with State ABORTED; nothing is retried.
func (d *Downloader) Run(ctx context.Context) Result {
	res := Result{RunID: uuid.NewString(), State: StateInit}
	log := d.log.WithField("run_id", res.RunID)
	defer d.record(&res, log)

	log.Info("Finding or creating partition...")
	resolver := &partition.Resolver{
		Table: d.table,
		Mode:  d.opts.Mode,
		Size:  d.opts.PartitionSize,
		Log:   log,
	}
	p, err := resolver.Resolve(d.opts.PartitionName)
	if err != nil {
		res.abort(err)
		return res
	}
	res.Partition = p
	res.State = StatePartitionReady
	log.Info("Partition found or created.")

	sess, err := transfer.Init(d.opts.URL, transfer.Options{
		Timeout:   d.opts.Timeout,
		Handler:   transfer.LogHandler{Log: log},
		Transport: d.opts.Transport,
	})
	if err != nil {
		log.WithError(err).Error("HTTP client init failed")
		res.abort(err)
		return res
	}

	if err := sess.Perform(ctx); err != nil {
		log.Errorf("HTTP request failed: %v", err)
		sess.Cleanup()
		res.abort(err)
		return res
	}
	res.State = StateHTTPConnected
	log.Info("HTTP request completed successfully")

	res.State = StateStreaming
	copier := &streaming.Copier{
		BufferSize: d.opts.BufferSize,
		Log:        log,
		OnChunk: func(pr streaming.Progress) {
			log.WithFields(logrus.Fields{"chunks": pr.Chunks, "bytes": pr.Bytes}).Debug("Chunk stored")
		},
	}
	res.Progress = copier.Copy(sess, partition.RegionWriter{Service: d.table, Partition: p})
	sess.Cleanup()
	if res.Progress.ReadErr != nil {
		log.WithError(res.Progress.ReadErr).Warn("Response stream ended early")
	}

	log.WithFields(logrus.Fields{
		"bytes":        res.Progress.Bytes,
		"chunks":       res.Progress.Chunks,
		"write_errors": res.Progress.WriteErrors,
		"elapsed":      res.Progress.Elapsed.String(),
	}).Info("Download and storage completed.")
	res.State = StateDone
	return res
}

func (r *Result) abort(err error) {
	r.State = StateAborted
	r.Err = err
}

func (d *Downloader) record(res *Result, log *logrus.Entry) {
	if d.records == nil {
		return
	}
	label := d.opts.PartitionName
	if res.Partition != nil {
		label = res.Partition.Label
	}
	rec := nvs.NewRecord(res.RunID, d.opts.URL, label)
	rec.Bytes = res.Progress.Bytes
	rec.Writes = res.Progress.Chunks
	rec.WriteErrors = res.Progress.WriteErrors
	rec.Digest = res.Progress.Digest
	rec.State = res.State.String()
	if err := d.records.PutRecord(rec); err != nil {
		log.WithError(err).Warn("Failed to store download record")
	}
}
