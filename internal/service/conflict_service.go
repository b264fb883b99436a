package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/gridcache/internal/algorithm"
	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/metrics"
	"github.com/devrev/gridcache/internal/model"
)

// Outcome is the applied result of a conflict resolution
type Outcome struct {
	Decision    model.ConflictDecision
	Value       []byte
	Version     model.EntryVersion
	ResolverErr error // Set when a custom resolver failed and the default decided
	Restamped   bool  // The decision overrode the default one and carries a new version
}

// Changed reports whether the local entry must be replaced
func (o Outcome) Changed() bool {
	return o.Decision != model.UseLocal || o.Restamped
}

// ConflictService decides between a local and an incoming version of a key.
// A custom resolver, when installed, is consulted for every non-identical pair;
// if it fails or panics the default resolver decides so the write is never lost.
type ConflictService struct {
	custom   algorithm.ConflictResolver
	fallback *algorithm.DefaultResolver
	ops      *algorithm.VersionOps
	versions *VersionService
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewConflictService creates a conflict service. custom may be nil.
func NewConflictService(
	custom algorithm.ConflictResolver,
	fallback *algorithm.DefaultResolver,
	versions *VersionService,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ConflictService {
	return &ConflictService{
		custom:   custom,
		fallback: fallback,
		ops:      algorithm.NewVersionOps(),
		versions: versions,
		metrics:  m,
		logger:   logger,
	}
}

// Resolve runs the custom resolver, falling back to the default one.
// A merge, and any decision the default resolver would not have made, is stamped
// with a version from the local node that dominates both inputs, so replicas
// applying the result with the default comparison keep the same value.
func (s *ConflictService) Resolve(key interface{}, local, incoming model.VersionedValue, topologyVersion int64) Outcome {
	cmp := s.ops.Compare(local.Version, incoming.Version)
	if cmp == model.VersionEqual || s.custom == nil {
		return s.ResolveDefault(local, incoming)
	}

	res, err := s.callCustom(algorithm.ConflictContext{
		Key:        key,
		Local:      local,
		Incoming:   incoming,
		Comparison: cmp,
	})
	if err != nil {
		s.metrics.ResolverFailures.Inc()
		s.logger.Error("Conflict resolver failed, using default resolution",
			zap.String("local_version", local.Version.String()),
			zap.String("incoming_version", incoming.Version.String()),
			zap.Error(err))

		out := s.ResolveDefault(local, incoming)
		out.ResolverErr = cerrors.ResolverFailure(err)
		return out
	}

	restamp := func() model.EntryVersion {
		return s.versions.NextAfter(topologyVersion, local.Version, incoming.Version)
	}
	byDefault := s.fallback.Decide(local.Version, incoming.Version)

	var out Outcome
	switch res.Decision {
	case model.UseNew:
		out = Outcome{Decision: model.UseNew, Value: incoming.Value, Version: incoming.Version}
		if byDefault != model.UseNew {
			out.Version, out.Restamped = restamp(), true
		}
	case model.Merge:
		out = Outcome{Decision: model.Merge, Value: res.MergedValue, Version: restamp()}
	default:
		out = Outcome{Decision: model.UseLocal, Value: local.Value, Version: local.Version}
		if byDefault == model.UseNew {
			out.Version, out.Restamped = restamp(), true
		}
	}

	s.metrics.RecordConflict(out.Decision.String())
	return out
}

// ResolveDefault decides with the default resolver only
func (s *ConflictService) ResolveDefault(local, incoming model.VersionedValue) Outcome {
	var out Outcome
	if s.fallback.Decide(local.Version, incoming.Version) == model.UseNew {
		out = Outcome{Decision: model.UseNew, Value: incoming.Value, Version: incoming.Version}
	} else {
		out = Outcome{Decision: model.UseLocal, Value: local.Value, Version: local.Version}
	}
	s.metrics.RecordConflict(out.Decision.String())
	return out
}

// Supersedes reports whether incoming replaces local under the default resolver.
// It records no metrics and is used for near copies.
func (s *ConflictService) Supersedes(local, incoming model.EntryVersion) bool {
	return s.fallback.Decide(local, incoming) == model.UseNew
}

func (s *ConflictService) callCustom(c algorithm.ConflictContext) (res algorithm.Resolution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver panicked: %v", r)
		}
	}()

	res, err = s.custom.Resolve(c)
	if err == nil && res.Decision == model.Merge && res.MergedValue == nil {
		err = fmt.Errorf("merge decision without a merged value")
	}
	return res, err
}
