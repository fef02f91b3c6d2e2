package model

// Unset marks a summary column that has no value yet
const Unset = "***"

// Instance is one row of a test's rgt_status.txt summary table
type Instance struct {
	// Timestamp of the LOGGING_START event that opened the row
	StartTime string
	// Unique ID of the run instance (16 random bytes, hex encoded)
	UniqueID string
	// Scheduler job id once queued
	BatchID string
	// Exit value of the build command
	BuildStatus string
	// Exit value of the submit command
	SubmitStatus string
	// Check result: 0 pass, 1 fail, >=2 inconclusive, -1 still running
	CorrectResults string
}

// NewInstance returns a row with every status column unset.
func NewInstance(startTime, uniqueID string) Instance {
	return Instance{
		StartTime:      startTime,
		UniqueID:       uniqueID,
		BatchID:        Unset,
		BuildStatus:    Unset,
		SubmitStatus:   Unset,
		CorrectResults: Unset,
	}
}

// Verdict classifies the row the way the status report counts it. Only the
// check column decides: a pre-built binary never fills BuildStatus.
func (i Instance) Verdict() Verdict {
	if i.CorrectResults == Unset || i.CorrectResults == "-1" {
		return VerdictInconclusive
	}
	return ParseVerdict(i.CorrectResults)
}
