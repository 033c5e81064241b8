package types

import "time"

// RunConfiguration groups runs sharing an application version, suite and
// environment. At most one exists per NaturalKey.
type RunConfiguration struct {
	ID              string    `json:"id"`
	AppVersion      string    `json:"appVersion"`
	TestSuite       string    `json:"testSuite"`
	EnvironmentName string    `json:"environmentName"`
	NaturalKey      string    `json:"naturalKey"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Diagnosis is one root-cause hypothesis for a run.
type Diagnosis struct {
	ID                string         `json:"id"`
	RunID             string         `json:"runId"`
	AnalysisType      string         `json:"analysisType"`
	SuggestedReason   string         `json:"suggestedReason"`
	SuggestedSolution string         `json:"suggestedSolution"`
	Confidence        float64        `json:"confidence"`
	Explanation       map[string]any `json:"explanation,omitempty"`
	RawEvidence       string         `json:"rawEvidence,omitempty"`
	RuleName          string         `json:"ruleName"`
	UserConfirmed     *bool          `json:"userConfirmed,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// RunRecord is the persisted result of processing one event.
type RunRecord struct {
	FailureEvent
	ConfigurationID string      `json:"configurationId"`
	Diagnoses       []Diagnosis `json:"diagnoses"`
	CompletedAt     time.Time   `json:"completedAt"`
}

// CompletionTime is the instant statistics attribute the run to: the
// reported end time, or the processing time when the runner sent none.
func (r *RunRecord) CompletionTime() time.Time {
	if !r.EndTime.IsZero() {
		return r.EndTime
	}
	return r.CompletedAt
}

// PrimaryDiagnosis returns the highest-precedence diagnosis.
func (r *RunRecord) PrimaryDiagnosis() *Diagnosis {
	if len(r.Diagnoses) == 0 {
		return nil
	}
	return &r.Diagnoses[0]
}

// RunDetail is the rendered view of a completed run pushed to subscribers
// and returned by run queries.
type RunDetail struct {
	Run           *RunRecord        `json:"run"`
	Configuration *RunConfiguration `json:"configuration,omitempty"`
}

// Feedback is an append-only user verdict on a diagnosis.
type Feedback struct {
	ID          string    `json:"id"`
	DiagnosisID string    `json:"diagnosisId"`
	Correct     bool      `json:"correct"`
	Reason      string    `json:"reason,omitempty"`
	Solution    string    `json:"solution,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// FeedbackInput is what a user submits against a diagnosis.
type FeedbackInput struct {
	Correct  bool   `json:"correct"`
	Reason   string `json:"reason,omitempty"`
	Solution string `json:"solution,omitempty"`
	Comment  string `json:"comment,omitempty"`
}
