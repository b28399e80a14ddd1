// Package shard persists shard records and aggregate results under stable
// (job id, shard index) keys in object storage.
package shard

import (
	"fmt"
	"strconv"
	"strings"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
)

// Object layout. Records follow the batch fleet's array-job naming, where
// array child i of job J is addressed as "J:i".
const (
	recordPrefix    = "batch/"
	recordFile      = "results.json"
	aggregatePrefix = "aggregate/"
	shadowPrefix    = "shadows/"
)

// ValidateJobID rejects ids that would break the key layout.
func ValidateJobID(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, "/:") || strings.TrimSpace(jobID) != jobID {
		return qerrors.NewValidationError(qerrors.CodeInvalidJobID,
			fmt.Sprintf("invalid job id %q", jobID)).
			WithDetails(map[string]interface{}{"job_id": jobID})
	}
	return nil
}

// RecordKey returns the object path of shard index of jobID.
func RecordKey(jobID string, index int) string {
	return fmt.Sprintf("%s%s:%d/%s", recordPrefix, jobID, index, recordFile)
}

// RecordPrefix returns the listing prefix covering every shard of jobID.
func RecordPrefix(jobID string) string {
	return recordPrefix + jobID + ":"
}

// ParseRecordKey extracts the shard index from a record key of jobID.
func ParseRecordKey(jobID, key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, RecordPrefix(jobID))
	if !ok {
		return 0, false
	}
	idx, file, ok := strings.Cut(rest, "/")
	if !ok || file != recordFile {
		return 0, false
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 || strconv.Itoa(n) != idx {
		return 0, false
	}
	return n, true
}

// AggregateKey returns the object path of the final result of jobID.
func AggregateKey(jobID string) string {
	return aggregatePrefix + jobID + "/final_result.json"
}

// DiagnosticsKey returns the object path of the reduction diagnostics.
func DiagnosticsKey(jobID string) string {
	return aggregatePrefix + jobID + "/diagnostics.json"
}

// ShadowKey returns the object path of the shadow bundle of jobID.
func ShadowKey(jobID string) string {
	return shadowPrefix + jobID + "/shadow.snappy"
}
