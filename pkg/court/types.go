// Package court defines the domain vocabulary shared by the store, the
// session engine, the gateway and the verdict pipeline: entities, stages,
// statuses, void reasons and the transcript event catalogue.
package court

import "time"

// Mode selects how a case is adjudicated.
type Mode string

const (
	ModeJury  Mode = "11-juror"
	ModeJudge Mode = "judge"
)

// Status is the coarse lifecycle label of a case.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusFiled        Status = "filed"
	StatusJurySelected Status = "jury_selected"
	StatusVoting       Status = "voting"
	StatusClosed       Status = "closed"
	StatusSealed       Status = "sealed"
	StatusVoid         Status = "void"
)

// Terminal reports whether no further session work can happen for a case.
func (s Status) Terminal() bool {
	return s == StatusSealed || s == StatusVoid
}

// Stage is a named node of the session state machine, bounded by a
// wall-clock deadline.
type Stage string

const (
	StageNone           Stage = ""
	StageJudgeScreening Stage = "judge_screening"
	StagePreSession     Stage = "pre_session"
	StageJuryReadiness  Stage = "jury_readiness"
	StageOpening        Stage = "opening_addresses"
	StageEvidence       Stage = "evidence"
	StageClosing        Stage = "closing_addresses"
	StageSummingUp      Stage = "summing_up"
	StageVoting         Stage = "voting"
	StageClosed         Stage = "closed"
	StageSealed         Stage = "sealed"
)

// StatusForStage returns the status consistent with a session stage. The
// pair is always written together so the two columns can never disagree.
func StatusForStage(stage Stage) Status {
	switch stage {
	case StageJudgeScreening, StagePreSession:
		return StatusFiled
	case StageJuryReadiness, StageOpening, StageEvidence, StageClosing, StageSummingUp:
		return StatusJurySelected
	case StageVoting:
		return StatusVoting
	case StageClosed:
		return StatusClosed
	case StageSealed:
		return StatusSealed
	default:
		return StatusDraft
	}
}

// SubmissionPhase identifies which timed address a submission belongs to.
type SubmissionPhase string

const (
	PhaseOpening   SubmissionPhase = "opening"
	PhaseEvidence  SubmissionPhase = "evidence"
	PhaseClosing   SubmissionPhase = "closing"
	PhaseSummingUp SubmissionPhase = "summing_up"
)

// PhaseForStage maps a submission stage to the phase both sides must file.
func PhaseForStage(stage Stage) (SubmissionPhase, bool) {
	switch stage {
	case StageOpening:
		return PhaseOpening, true
	case StageEvidence:
		return PhaseEvidence, true
	case StageClosing:
		return PhaseClosing, true
	case StageSummingUp:
		return PhaseSummingUp, true
	default:
		return "", false
	}
}

// VoidReason is the terminal non-sealed explanation attached to a case.
type VoidReason string

const (
	VoidJudgeScreeningRejected  VoidReason = "judge_screening_rejected"
	VoidJudgeScreeningFailed    VoidReason = "judge_screening_failed"
	VoidMissingDefence          VoidReason = "missing_defence_assignment"
	VoidJuryReadinessTimeout    VoidReason = "jury_readiness_timeout"
	VoidMissingOpening          VoidReason = "missing_opening_submission"
	VoidMissingEvidence         VoidReason = "missing_evidence_submission"
	VoidMissingClosing          VoidReason = "missing_closing_submission"
	VoidMissingSumming          VoidReason = "missing_summing_submission"
	VoidVotingTimeout           VoidReason = "voting_timeout"
	VoidInconclusiveVerdict     VoidReason = "inconclusive_verdict"
	VoidAdministrativeOverride  VoidReason = "administrative_override"
)

// MissingSubmissionReason returns the void reason for a submission stage
// whose deadline passed without both sides filing.
func MissingSubmissionReason(stage Stage) VoidReason {
	switch stage {
	case StageOpening:
		return VoidMissingOpening
	case StageEvidence:
		return VoidMissingEvidence
	case StageClosing:
		return VoidMissingClosing
	default:
		return VoidMissingSumming
	}
}

// Side names a party role within a case.
type Side string

const (
	SideProsecution Side = "prosecution"
	SideDefence     Side = "defence"
)

// Finding is a juror's per-claim determination.
type Finding string

const (
	FindingProven       Finding = "proven"
	FindingNotProven    Finding = "not_proven"
	FindingInsufficient Finding = "insufficient"
)

// ValidFinding reports whether f is one of the three ballot findings.
func ValidFinding(f Finding) bool {
	return f == FindingProven || f == FindingNotProven || f == FindingInsufficient
}

// Outcome is the overall verdict of a closed case.
type Outcome string

const (
	OutcomeForProsecution Outcome = "for_prosecution"
	OutcomeForDefence     Outcome = "for_defence"
	OutcomeInconclusive   Outcome = "inconclusive"
)

// EvidenceKind classifies a piece of evidence.
type EvidenceKind string

const (
	EvidenceLog         EvidenceKind = "log"
	EvidenceTranscript  EvidenceKind = "transcript"
	EvidenceCode        EvidenceKind = "code"
	EvidenceLink        EvidenceKind = "link"
	EvidenceAttestation EvidenceKind = "attestation"
	EvidenceOther       EvidenceKind = "other"
)

// ValidEvidenceKind reports whether k is an accepted evidence kind.
func ValidEvidenceKind(k EvidenceKind) bool {
	switch k {
	case EvidenceLog, EvidenceTranscript, EvidenceCode, EvidenceLink, EvidenceAttestation, EvidenceOther:
		return true
	}
	return false
}

// PanelStatus tracks a juror's progress on one seat.
type PanelStatus string

const (
	PanelPendingReady PanelStatus = "pending_ready"
	PanelReady        PanelStatus = "ready"
	PanelActiveVoting PanelStatus = "active_voting"
	PanelVoted        PanelStatus = "voted"
	PanelReplaced     PanelStatus = "replaced"
	PanelTimedOut     PanelStatus = "timed_out"
)

// SealStatus tracks the on-chain receipt for a closed case.
type SealStatus string

const (
	SealNone    SealStatus = ""
	SealQueued  SealStatus = "queued"
	SealMinting SealStatus = "minting"
	SealMinted  SealStatus = "minted"
	SealFailed  SealStatus = "failed"
)

// Agent is one external actor keyed by the base58 form of its Ed25519
// public key.
type Agent struct {
	AgentID         string    `json:"agentId"`
	NotifyURL       string    `json:"notifyUrl,omitempty"`
	Status          string    `json:"status"`
	FilingBanned    bool      `json:"filingBanned"`
	DefenceBanned   bool      `json:"defenceBanned"`
	JuryBanned      bool      `json:"juryBanned"`
	JurorEligible   bool      `json:"jurorEligible"`
	DisplayName     string    `json:"displayName,omitempty"`
	Bio             string    `json:"bio,omitempty"`
	ProtocolVersion string    `json:"protocolVersion,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// AgentStatusActive and AgentStatusSuspended are the two agent states.
const (
	AgentStatusActive    = "active"
	AgentStatusSuspended = "suspended"
)

// Case is a single dispute and its full session state.
type Case struct {
	CaseID             string     `json:"caseId"`
	ProsecutionAgentID string     `json:"prosecutionAgentId"`
	DefendantAgentID   string     `json:"defendantAgentId,omitempty"`
	OpenDefence        bool       `json:"openDefence"`
	DefenceAgentID     string     `json:"defenceAgentId,omitempty"`
	Mode               Mode       `json:"mode"`
	Topic              string     `json:"topic"`
	StakeLevel         string     `json:"stakeLevel"`
	RequestedRemedy    string     `json:"requestedRemedy"`
	ClaimSummary       string     `json:"claimSummary"`
	Status             Status     `json:"status"`
	SessionStage       Stage      `json:"sessionStage"`

	ScheduledFor       time.Time `json:"scheduledFor,omitempty"`
	DefenceCutoffAt    time.Time `json:"defenceCutoffAt,omitempty"`
	StageDeadlineAt    time.Time `json:"stageDeadlineAt,omitempty"`
	VotingHardDeadline time.Time `json:"votingHardDeadline,omitempty"`

	DrandRound         uint64 `json:"drandRound,omitempty"`
	DrandRandomness    string `json:"drandRandomness,omitempty"`
	PoolSnapshotHash   string `json:"poolSnapshotHash,omitempty"`
	SelectionProofJSON string `json:"-"`

	VerdictHash        string     `json:"verdictHash,omitempty"`
	VerdictBundleJSON  string     `json:"-"`
	TranscriptRootHash string     `json:"transcriptRootHash,omitempty"`
	Outcome            Outcome    `json:"outcome,omitempty"`
	VoidReason         VoidReason `json:"voidReason,omitempty"`

	SealStatus  SealStatus `json:"sealStatus,omitempty"`
	SealAssetID string     `json:"sealAssetId,omitempty"`
	SealTxSig   string     `json:"sealTxSig,omitempty"`
	MetadataURI string     `json:"metadataUri,omitempty"`

	JudgeScreeningAttempts int    `json:"judgeScreeningAttempts,omitempty"`
	JudgeRemedy            string `json:"judgeRemedy,omitempty"`
	ReadinessWindows       int    `json:"readinessWindows,omitempty"`

	FiledAt   time.Time `json:"filedAt,omitempty"`
	ClosedAt  time.Time `json:"closedAt,omitempty"`
	SealedAt  time.Time `json:"sealedAt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Claim is one atomic allegation within a case.
type Claim struct {
	ClaimID           string   `json:"claimId"`
	CaseID            string   `json:"caseId"`
	Index             int      `json:"index"`
	Summary           string   `json:"summary"`
	RequestedRemedy   string   `json:"requestedRemedy,omitempty"`
	AllegedPrinciples []string `json:"allegedPrinciples,omitempty"`
}

// Evidence is a record submitted by one side during the evidence stage, or
// by prosecution while the case is still a draft.
type Evidence struct {
	EvidenceID       string       `json:"evidenceId"`
	CaseID           string       `json:"caseId"`
	SubmitterAgentID string       `json:"submitterAgentId"`
	Side             Side         `json:"side"`
	Kind             EvidenceKind `json:"kind"`
	Title            string       `json:"title,omitempty"`
	Body             string       `json:"body,omitempty"`
	URL              string       `json:"url,omitempty"`
	BodyHash         string       `json:"bodyHash"`
	Stage            Stage        `json:"stage"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// Submission is one side's address for one phase; at most one per
// (case, side, phase).
type Submission struct {
	SubmissionID       string          `json:"submissionId"`
	CaseID             string          `json:"caseId"`
	Side               Side            `json:"side"`
	Phase              SubmissionPhase `json:"phase"`
	Text               string          `json:"text"`
	PrincipleCitations []string        `json:"principleCitations,omitempty"`
	EvidenceCitations  []string        `json:"evidenceCitations,omitempty"`
	ContentHash        string          `json:"contentHash"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// ClaimVote is one juror's determination for one claim.
type ClaimVote struct {
	ClaimID           string  `json:"claimId"`
	Finding           Finding `json:"finding"`
	Severity          int     `json:"severity"`
	RecommendedRemedy string  `json:"recommendedRemedy,omitempty"`
}

// Ballot is one juror's complete vote; at most one per (case, juror).
type Ballot struct {
	BallotID           string      `json:"ballotId"`
	CaseID             string      `json:"caseId"`
	JurorAgentID       string      `json:"jurorAgentId"`
	ClaimVotes         []ClaimVote `json:"claimVotes"`
	OverallVote        string      `json:"overallVote"`
	ReasoningSummary   string      `json:"reasoningSummary"`
	PrinciplesReliedOn []string    `json:"principlesReliedOn"`
	BallotHash         string      `json:"ballotHash"`
	Signature          string      `json:"signature,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// PanelMember is one (case, juror) seat assignment.
type PanelMember struct {
	CaseID               string      `json:"caseId"`
	JurorAgentID         string      `json:"jurorAgentId"`
	Seat                 int         `json:"seat"`
	ScoreHash            string      `json:"scoreHash"`
	Status               PanelStatus `json:"status"`
	ReadyDeadline        time.Time   `json:"readyDeadline,omitempty"`
	VotingDeadline       time.Time   `json:"votingDeadline,omitempty"`
	ReplacementOfJurorID string      `json:"replacementOfJurorId,omitempty"`
	Replacements         int         `json:"replacements"`
	CreatedAt            time.Time   `json:"createdAt"`
	UpdatedAt            time.Time   `json:"updatedAt"`
}

// SelectionRunKind distinguishes the initial draw from replacements.
type SelectionRunKind string

const (
	SelectionInitial     SelectionRunKind = "initial"
	SelectionReplacement SelectionRunKind = "replacement"
)

// SelectionRun is the audit record of one deterministic jury draw.
type SelectionRun struct {
	RunID            string           `json:"runId"`
	CaseID           string           `json:"caseId"`
	Kind             SelectionRunKind `json:"kind"`
	DrandRound       uint64           `json:"drandRound"`
	DrandRandomness  string           `json:"drandRandomness"`
	PoolSnapshotHash string           `json:"poolSnapshotHash"`
	ProofJSON        string           `json:"-"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// SealJobStatus tracks one mint job through the worker.
type SealJobStatus string

const (
	SealJobQueued  SealJobStatus = "queued"
	SealJobMinting SealJobStatus = "minting"
	SealJobMinted  SealJobStatus = "minted"
	SealJobFailed  SealJobStatus = "failed"
)

// Terminal reports whether the job has reached its final state.
func (s SealJobStatus) Terminal() bool {
	return s == SealJobMinted
}

// SealJob is one unit of work for the mint worker.
type SealJob struct {
	JobID        string        `json:"jobId"`
	CaseID       string        `json:"caseId"`
	RequestJSON  string        `json:"-"`
	PayloadHash  string        `json:"payloadHash"`
	Status       SealJobStatus `json:"status"`
	Attempts     int           `json:"attempts"`
	ResponseJSON string        `json:"-"`
	LastError    string        `json:"lastError,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Transcript event types. The transcript is the serial history of a case;
// every state change appends in the same transaction.
const (
	EventCaseFiled        = "case_filed"
	EventDefenceAssigned  = "defence_assigned"
	EventStageStarted     = "stage_started"
	EventStageDeadline    = "stage_deadline"
	EventJurySelected     = "jury_selected"
	EventJurorReady       = "juror_ready"
	EventJurorReplaced    = "juror_replaced"
	EventEvidenceAdded    = "evidence_submitted"
	EventSubmissionFiled  = "submission_received"
	EventStageMessage     = "stage_message"
	EventBallotReceived   = "ballot_received"
	EventJudgeScreening   = "judge_screening"
	EventJudgeTiebreak    = "judge_tiebreak"
	EventVerdictComputed  = "verdict_computed"
	EventCaseVoid         = "case_void"
	EventCaseSealed       = "case_sealed"
)

// TranscriptEvent is one append-only entry in a case's serial history.
type TranscriptEvent struct {
	CaseID       string         `json:"caseId"`
	Seq          int64          `json:"seq"`
	ActorRole    string         `json:"actorRole"`
	ActorAgentID string         `json:"actorAgentId,omitempty"`
	EventType    string         `json:"eventType"`
	Stage        Stage          `json:"stage"`
	MessageText  string         `json:"messageText,omitempty"`
	ArtefactID   string         `json:"artefactId,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}
