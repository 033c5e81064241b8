// Package kvstore persists pipeline state in NATS JetStream KV buckets.
//
// Two buckets are used. The config bucket holds each configuration twice,
// under its natural key (written with Create, which gives uniqueness) and
// under its id. The run bucket holds one envelope per run containing the
// record, its diagnoses and their feedback, so saving a run and recording
// feedback are each a single value write. A diagnosis index in the same
// bucket maps diagnosis ids to runs.
package kvstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/natsclient"
	"github.com/c360/triage/storage"
	"github.com/c360/triage/types"
)

// Default bucket names.
const (
	DefaultConfigBucket = "TRIAGE_CONFIGS"
	DefaultRunBucket    = "TRIAGE_RUNS"
)

const (
	prefixConfigKey = "cfg."
	prefixConfigID  = "id."
	prefixRun       = "run."
	prefixDiagnosis = "diag."
)

// Options names the buckets.
type Options struct {
	ConfigBucket string
	RunBucket    string
	Replicas     int
	OpTimeout    time.Duration // zero keeps the natsclient default
	MaxRetries   int           // CAS attempts; zero keeps the default
}

// kvOptions overlays the non-zero settings on the natsclient defaults.
func (o Options) kvOptions(kv *natsclient.KVOptions) {
	if o.OpTimeout > 0 {
		kv.Timeout = o.OpTimeout
	}
	if o.MaxRetries > 0 {
		kv.Retry.MaxAttempts = o.MaxRetries
	}
}

// Store implements storage.Store on two KV buckets.
type Store struct {
	configs *natsclient.KVStore
	runs    *natsclient.KVStore
	logger  *slog.Logger
}

var _ storage.Store = (*Store)(nil)

type runEnvelope struct {
	Run      *types.RunRecord            `json:"run"`
	Feedback map[string][]types.Feedback `json:"feedback,omitempty"`
}

// Open creates or binds the buckets on a connected client.
func Open(ctx context.Context, client *natsclient.Client, opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConfigBucket == "" {
		opts.ConfigBucket = DefaultConfigBucket
	}
	if opts.RunBucket == "" {
		opts.RunBucket = DefaultRunBucket
	}
	if opts.Replicas == 0 {
		opts.Replicas = 1
	}

	open := func(name, desc string) (*natsclient.KVStore, error) {
		bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: desc,
			History:     1,
			Replicas:    opts.Replicas,
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "kvstore", "Open", "bind bucket "+name)
		}
		return client.NewKVStore(bucket, opts.kvOptions), nil
	}

	configs, err := open(opts.ConfigBucket, "triage run configurations")
	if err != nil {
		return nil, err
	}
	runs, err := open(opts.RunBucket, "triage runs, diagnoses and feedback")
	if err != nil {
		return nil, err
	}
	return &Store{configs: configs, runs: runs, logger: logger.With("component", "kvstore")}, nil
}

// encode maps arbitrary strings onto the KV key alphabet.
func encode(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func notFound(method, what string) error {
	return errors.Wrap(errors.ErrKeyNotFound, "kvstore", method, what)
}

func (s *Store) getJSON(ctx context.Context, kv *natsclient.KVStore, key string, v any) (uint64, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return 0, errors.WrapFatal(err, "kvstore", "get", "decode "+key)
	}
	return entry.Revision, nil
}

func (s *Store) readConfig(ctx context.Context, method, key string) (*types.RunConfiguration, error) {
	var cfg types.RunConfiguration
	if _, err := s.getJSON(ctx, s.configs, key, &cfg); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, notFound(method, "lookup configuration")
		}
		return nil, errors.WrapTransient(err, "kvstore", method, "lookup configuration")
	}
	return &cfg, nil
}

// FindConfig looks a configuration up by natural key.
func (s *Store) FindConfig(ctx context.Context, naturalKey string) (*types.RunConfiguration, error) {
	return s.readConfig(ctx, "FindConfig", prefixConfigKey+encode(naturalKey))
}

// GetConfig looks a configuration up by id.
func (s *Store) GetConfig(ctx context.Context, id string) (*types.RunConfiguration, error) {
	return s.readConfig(ctx, "GetConfig", prefixConfigID+encode(id))
}

// CreateConfig claims the natural key, then writes the id index.
func (s *Store) CreateConfig(ctx context.Context, cfg *types.RunConfiguration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.WrapInvalid(err, "kvstore", "CreateConfig", "encode configuration")
	}
	if _, err := s.configs.Create(ctx, prefixConfigKey+encode(cfg.NaturalKey), data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return errors.Wrap(errors.ErrDuplicateKey, "kvstore", "CreateConfig", "claim natural key "+cfg.NaturalKey)
		}
		return errors.WrapTransient(err, "kvstore", "CreateConfig", "claim natural key")
	}
	if _, err := s.configs.Put(ctx, prefixConfigID+encode(cfg.ID), data); err != nil {
		return errors.WrapTransient(err, "kvstore", "CreateConfig", "write id index")
	}
	return nil
}

// SaveRun writes the run envelope with Create, so a repeated id fails,
// then indexes its diagnoses.
func (s *Store) SaveRun(ctx context.Context, run *types.RunRecord) error {
	if _, err := s.GetConfig(ctx, run.ConfigurationID); err != nil {
		if errors.IsNotFound(err) {
			return errors.WrapInvalid(err, "kvstore", "SaveRun", "unknown configuration "+run.ConfigurationID)
		}
		return err
	}

	data, err := json.Marshal(runEnvelope{Run: run})
	if err != nil {
		return errors.WrapInvalid(err, "kvstore", "SaveRun", "encode run")
	}
	if _, err := s.runs.Create(ctx, prefixRun+encode(run.RunID), data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return errors.Wrap(errors.ErrDuplicateKey, "kvstore", "SaveRun", "run "+run.RunID)
		}
		return errors.WrapTransient(err, "kvstore", "SaveRun", "write run")
	}

	for _, d := range run.Diagnoses {
		if _, err := s.runs.Put(ctx, prefixDiagnosis+encode(d.ID), []byte(run.RunID)); err != nil {
			return errors.WrapTransient(err, "kvstore", "SaveRun", "index diagnosis "+d.ID)
		}
	}
	return nil
}

func (s *Store) readEnvelope(ctx context.Context, method, runID string) (*runEnvelope, error) {
	var env runEnvelope
	if _, err := s.getJSON(ctx, s.runs, prefixRun+encode(runID), &env); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, notFound(method, "run "+runID)
		}
		return nil, errors.WrapTransient(err, "kvstore", method, "read run")
	}
	return &env, nil
}

// GetRun returns the run with its diagnoses.
func (s *Store) GetRun(ctx context.Context, runID string) (*types.RunRecord, error) {
	env, err := s.readEnvelope(ctx, "GetRun", runID)
	if err != nil {
		return nil, err
	}
	return env.Run, nil
}

// ScanRuns visits runs in key order.
func (s *Store) ScanRuns(ctx context.Context, fn func(*types.RunRecord) error) error {
	keys, err := s.runs.Keys(ctx, prefixRun+"*")
	if err != nil {
		return errors.WrapTransient(err, "kvstore", "ScanRuns", "list runs")
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		var env runEnvelope
		if _, err := s.getJSON(ctx, s.runs, key, &env); err != nil {
			if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
				continue
			}
			return errors.WrapTransient(err, "kvstore", "ScanRuns", "read "+key)
		}
		if err := fn(env.Run); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) runForDiagnosis(ctx context.Context, method, diagnosisID string) (string, error) {
	entry, err := s.runs.Get(ctx, prefixDiagnosis+encode(diagnosisID))
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return "", notFound(method, "diagnosis "+diagnosisID)
		}
		return "", errors.WrapTransient(err, "kvstore", method, "read diagnosis index")
	}
	return string(entry.Value), nil
}

func findDiagnosis(run *types.RunRecord, id string) *types.Diagnosis {
	for i := range run.Diagnoses {
		if run.Diagnoses[i].ID == id {
			return &run.Diagnoses[i]
		}
	}
	return nil
}

// GetDiagnosis resolves the owning run through the index.
func (s *Store) GetDiagnosis(ctx context.Context, diagnosisID string) (*types.Diagnosis, error) {
	runID, err := s.runForDiagnosis(ctx, "GetDiagnosis", diagnosisID)
	if err != nil {
		return nil, err
	}
	env, err := s.readEnvelope(ctx, "GetDiagnosis", runID)
	if err != nil {
		return nil, err
	}
	d := findDiagnosis(env.Run, diagnosisID)
	if d == nil {
		return nil, notFound("GetDiagnosis", "diagnosis "+diagnosisID)
	}
	return d, nil
}

// AddFeedback appends fb and flips the confirmation flag in one CAS write
// of the run envelope.
func (s *Store) AddFeedback(ctx context.Context, fb *types.Feedback) error {
	runID, err := s.runForDiagnosis(ctx, "AddFeedback", fb.DiagnosisID)
	if err != nil {
		return err
	}

	_, err = s.runs.UpdateWithRetry(ctx, prefixRun+encode(runID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, notFound("AddFeedback", "run "+runID)
		}
		var env runEnvelope
		if err := json.Unmarshal(current, &env); err != nil {
			return nil, errors.WrapFatal(err, "kvstore", "AddFeedback", "decode run")
		}
		d := findDiagnosis(env.Run, fb.DiagnosisID)
		if d == nil {
			return nil, notFound("AddFeedback", "diagnosis "+fb.DiagnosisID)
		}
		confirmed := fb.Correct
		d.UserConfirmed = &confirmed
		if env.Feedback == nil {
			env.Feedback = make(map[string][]types.Feedback)
		}
		env.Feedback[fb.DiagnosisID] = append(env.Feedback[fb.DiagnosisID], *fb)
		return json.Marshal(env)
	})
	if err != nil {
		if errors.IsNotFound(err) || errors.IsFatal(err) {
			return err
		}
		return errors.WrapTransient(err, "kvstore", "AddFeedback", "update run "+runID)
	}
	return nil
}

// ListFeedback returns feedback for a diagnosis in submission order.
func (s *Store) ListFeedback(ctx context.Context, diagnosisID string) ([]types.Feedback, error) {
	runID, err := s.runForDiagnosis(ctx, "ListFeedback", diagnosisID)
	if err != nil {
		return nil, err
	}
	env, err := s.readEnvelope(ctx, "ListFeedback", runID)
	if err != nil {
		return nil, err
	}
	return env.Feedback[diagnosisID], nil
}

// Close is a no-op; the client is owned by the caller.
func (s *Store) Close() error { return nil }
