package memory

import (
	"encoding/json"
	"fmt"
)

// Bucket names under which the durable stores persist snapshot fields.
const (
	BucketInstruments    = "instruments"
	BucketStandards      = "standards"
	BucketReplicates     = "replicates"
	BucketSamples        = "samples"
	BucketRawFiles       = "raw_files"
	BucketCorrIntervals  = "corr_intervals"
	BucketAnalyses       = "analyses"
	BucketStepParameters = "step_parameters"
)

// Buckets lists every bucket in persistence order.
var Buckets = []string{
	BucketInstruments,
	BucketStandards,
	BucketReplicates,
	BucketSamples,
	BucketRawFiles,
	BucketCorrIntervals,
	BucketAnalyses,
	BucketStepParameters,
}

func (s *Snapshot) target(bucket string) (any, bool) {
	switch bucket {
	case BucketInstruments:
		return &s.Instruments, true
	case BucketStandards:
		return &s.Standards, true
	case BucketReplicates:
		return &s.Replicates, true
	case BucketSamples:
		return &s.Samples, true
	case BucketRawFiles:
		return &s.RawFiles, true
	case BucketCorrIntervals:
		return &s.CorrIntervals, true
	case BucketAnalyses:
		return &s.Analyses, true
	case BucketStepParameters:
		return &s.StepParameters, true
	}
	return nil, false
}

// EncodeBucket marshals one snapshot field.
func (s Snapshot) EncodeBucket(bucket string) ([]byte, error) {
	target, ok := s.target(bucket)
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", bucket, err)
	}
	return data, nil
}

// DecodeBucket unmarshals payload into the named snapshot field. Unknown
// buckets are ignored so older databases remain loadable.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	target, ok := s.target(bucket)
	if !ok || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
