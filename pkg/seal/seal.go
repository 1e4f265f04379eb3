// Package seal turns a closed case into an on-chain receipt: it hashes the
// transcript and selection proof, queues one mint job per case, dispatches
// the job to the mint worker and applies the result idempotently. A sealing
// failure never disturbs the closed verdict.
package seal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/archive"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
)

// WorkerSealRequest is the unit of work posted to the mint worker. The
// canonical JSON hash of this struct is the job's payloadHash.
type WorkerSealRequest struct {
	JobID                  string `json:"jobId"`
	CaseID                 string `json:"caseId"`
	VerdictHash            string `json:"verdictHash"`
	TranscriptRootHash     string `json:"transcriptRootHash"`
	JurySelectionProofHash string `json:"jurySelectionProofHash,omitempty"`
	PoolSnapshotHash       string `json:"poolSnapshotHash,omitempty"`
	// BundleArchive is the content address of the archived verdict bundle.
	BundleArchive string `json:"bundleArchive,omitempty"`
	// ExternalURL is the public decision page embedded in the receipt.
	ExternalURL string `json:"externalUrl"`
}

// WorkerSealResult is the worker's answer, whether returned inline or posted
// back to the internal callback.
type WorkerSealResult struct {
	JobID       string `json:"jobId"`
	CaseID      string `json:"caseId"`
	Status      string `json:"status"`
	VerdictHash string `json:"verdictHash"`
	AssetID     string `json:"assetId,omitempty"`
	TxSig       string `json:"txSig,omitempty"`
	MetadataURI string `json:"metadataUri,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Worker result statuses.
const (
	ResultMinted = "minted"
	ResultFailed = "failed"
)

// TranscriptRootHash commits the full ordered transcript of a case. Only
// content fields enter the hash; createdAt is included because the serial
// history is part of what the seal attests.
func TranscriptRootHash(events []court.TranscriptEvent) (string, error) {
	type entry struct {
		Seq          int64          `json:"seq"`
		EventType    string         `json:"eventType"`
		Stage        string         `json:"stage"`
		ActorRole    string         `json:"actorRole,omitempty"`
		ActorAgentID string         `json:"actorAgentId,omitempty"`
		MessageText  string         `json:"messageText,omitempty"`
		ArtefactID   string         `json:"artefactId,omitempty"`
		Payload      map[string]any `json:"payload,omitempty"`
		CreatedAtISO string         `json:"createdAtIso"`
	}
	entries := make([]entry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, entry{
			Seq:          ev.Seq,
			EventType:    ev.EventType,
			Stage:        string(ev.Stage),
			ActorRole:    ev.ActorRole,
			ActorAgentID: ev.ActorAgentID,
			MessageText:  ev.MessageText,
			ArtefactID:   ev.ArtefactID,
			Payload:      ev.Payload,
			CreatedAtISO: ev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	hash, err := canonicalize.Hash(entries)
	if err != nil {
		return "", fmt.Errorf("transcript root: %w", err)
	}
	return hash, nil
}

// SelectionProofHash commits the stored jury selection proof. Judge-mode
// cases have no proof and hash to the empty string.
func SelectionProofHash(proofJSON string) (string, error) {
	if proofJSON == "" {
		return "", nil
	}
	var proof any
	if err := json.Unmarshal([]byte(proofJSON), &proof); err != nil {
		return "", fmt.Errorf("selection proof: %w", err)
	}
	hash, err := canonicalize.Hash(proof)
	if err != nil {
		return "", fmt.Errorf("selection proof: %w", err)
	}
	return hash, nil
}

// Service owns the seal queue end to end.
type Service struct {
	st      *store.Store
	bundles archive.Store
	client  Client
	logger  *slog.Logger

	externalBaseURL string
	retryBatch      int

	// OnRetry, when set, observes every stale-job redispatch.
	OnRetry func()

	now func() time.Time
}

// NewService wires the queue to its worker client. bundles may be nil when
// no archive backend is configured.
func NewService(st *store.Store, bundles archive.Store, client Client, externalBaseURL string, retryBatch int, logger *slog.Logger) *Service {
	if retryBatch < 1 {
		retryBatch = 3
	}
	return &Service{
		st:              st,
		bundles:         bundles,
		client:          client,
		logger:          logger,
		externalBaseURL: externalBaseURL,
		retryBatch:      retryBatch,
		now:             time.Now,
	}
}

// Enqueue creates the mint job for a closed case. A case carries exactly one
// job; calling again returns the existing one.
func (s *Service) Enqueue(ctx context.Context, c *court.Case, events []court.TranscriptEvent) (*court.SealJob, error) {
	if c.VerdictHash == "" {
		return nil, fmt.Errorf("seal enqueue: case %s has no verdict hash", c.CaseID)
	}
	transcriptRoot := c.TranscriptRootHash
	if transcriptRoot == "" {
		var err error
		if transcriptRoot, err = TranscriptRootHash(events); err != nil {
			return nil, err
		}
	}
	proofHash, err := SelectionProofHash(c.SelectionProofJSON)
	if err != nil {
		return nil, err
	}

	req := &WorkerSealRequest{
		JobID:                  uuid.NewString(),
		CaseID:                 c.CaseID,
		VerdictHash:            c.VerdictHash,
		TranscriptRootHash:     transcriptRoot,
		JurySelectionProofHash: proofHash,
		PoolSnapshotHash:       c.PoolSnapshotHash,
		ExternalURL:            s.externalBaseURL + "/decisions/" + c.CaseID,
	}

	// Archive failure is contained: the bundle stays in the store row and
	// the receipt simply carries no archive address.
	if s.bundles != nil && c.VerdictBundleJSON != "" {
		addr, err := s.bundles.Put(ctx, []byte(c.VerdictBundleJSON))
		if err != nil {
			s.logger.Warn("verdict bundle not archived", "caseId", c.CaseID, "error", err)
		} else {
			req.BundleArchive = addr
		}
	}

	reqJSON, err := canonicalize.Canonical(req)
	if err != nil {
		return nil, fmt.Errorf("seal request: %w", err)
	}
	job := &court.SealJob{
		JobID:       req.JobID,
		CaseID:      c.CaseID,
		RequestJSON: string(reqJSON),
		PayloadHash: canonicalize.HashBytes(reqJSON),
		CreatedAt:   s.now().UTC(),
	}
	return s.st.CreateSealJobIfAbsent(ctx, job)
}

// Dispatch claims the job, calls the worker and applies the outcome. A lost
// claim is not an error; another dispatcher owns the job.
func (s *Service) Dispatch(ctx context.Context, job *court.SealJob) error {
	now := s.now().UTC()
	if err := s.st.ClaimSealJobMinting(ctx, job.JobID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	_ = s.st.SetCaseSealStatus(ctx, job.CaseID, court.SealMinting, now)

	var req WorkerSealRequest
	if err := json.Unmarshal([]byte(job.RequestJSON), &req); err != nil {
		s.markFailed(ctx, job, fmt.Sprintf("stored request unreadable: %v", err))
		return fmt.Errorf("seal dispatch %s: %w", job.JobID, err)
	}

	result, err := s.client.Mint(ctx, &req)
	if err != nil {
		s.markFailed(ctx, job, err.Error())
		return fmt.Errorf("seal dispatch %s: %w", job.JobID, err)
	}
	if err := s.ApplyResult(ctx, result); err != nil {
		s.markFailed(ctx, job, err.Error())
		return fmt.Errorf("seal dispatch %s: %w", job.JobID, err)
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, job *court.SealJob, lastError string) {
	now := s.now().UTC()
	if err := s.st.FailSealJob(ctx, job.JobID, lastError, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("seal job failure not recorded", "jobId", job.JobID, "error", err)
	}
	_ = s.st.SetCaseSealStatus(ctx, job.CaseID, court.SealFailed, now)
	s.logger.Warn("seal attempt failed", "jobId", job.JobID, "caseId", job.CaseID, "error", lastError)
}

// ApplyResult is the single application path for worker results, shared by
// inline dispatch and the internal callback. Replaying an identical result
// succeeds; a diverging result for a terminal job is a conflict.
func (s *Service) ApplyResult(ctx context.Context, res *WorkerSealResult) error {
	if res.JobID == "" || res.CaseID == "" {
		return api.Input(api.CodeInvalidRequest, "Seal result must carry jobId and caseId.")
	}
	job, err := s.st.GetSealJob(ctx, res.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return api.NotFound("Seal job not found.")
	}
	if err != nil {
		return api.Internal(err)
	}
	if job.CaseID != res.CaseID {
		return api.Conflict(api.CodeSealResultMismatch, "Seal result names a different case.")
	}
	c, err := s.st.GetCase(ctx, res.CaseID)
	if errors.Is(err, store.ErrNotFound) {
		return api.NotFound("Case not found.")
	}
	if err != nil {
		return api.Internal(err)
	}
	if res.VerdictHash != c.VerdictHash {
		return api.Conflict(api.CodeSealResultMismatch, "Seal result verdict hash does not match the case.")
	}

	resJSON, err := canonicalize.Canonical(res)
	if err != nil {
		return api.Internal(fmt.Errorf("canonicalize seal result: %w", err))
	}
	if job.Status.Terminal() {
		if canonicalize.HashBytes(resJSON) == canonicalize.HashBytes([]byte(job.ResponseJSON)) {
			return nil
		}
		return api.Conflict(api.CodeSealResultMismatch, "Seal job already finalised with a different result.")
	}

	now := s.now().UTC()
	switch res.Status {
	case ResultFailed:
		reason := res.Error
		if reason == "" {
			reason = "worker reported failure"
		}
		s.markFailed(ctx, job, reason)
		return nil
	case ResultMinted:
		err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
			if err := s.st.CompleteSealJobTx(ctx, tx, job.JobID, string(resJSON), now); err != nil {
				return err
			}
			if err := s.st.MarkCaseSealed(ctx, tx, c.CaseID, res.AssetID, res.TxSig, res.MetadataURI, now); err != nil {
				return err
			}
			return s.st.AppendTranscript(ctx, tx, &court.TranscriptEvent{
				CaseID:    c.CaseID,
				ActorRole: "system",
				EventType: court.EventCaseSealed,
				Stage:     court.StageSealed,
				Payload: map[string]any{
					"assetId":     res.AssetID,
					"txSig":       res.TxSig,
					"metadataUri": res.MetadataURI,
					"verdictHash": res.VerdictHash,
				},
				CreatedAt: now,
			})
		})
		if err != nil {
			return api.Internal(fmt.Errorf("apply seal result: %w", err))
		}
		s.logger.Info("case sealed", "caseId", c.CaseID, "jobId", job.JobID, "assetId", res.AssetID)
		return nil
	default:
		return api.Input(api.CodeInvalidRequest, "Seal result status must be minted or failed.")
	}
}

// RetryStale redispatches the least recently touched non-terminal jobs, at
// most retryBatch per call. Returns how many were attempted.
func (s *Service) RetryStale(ctx context.Context, olderThan time.Time) int {
	jobs, err := s.st.ListStaleSealJobs(ctx, olderThan, s.retryBatch)
	if err != nil {
		s.logger.Error("stale seal jobs not listed", "error", err)
		return 0
	}
	attempted := 0
	for i := range jobs {
		job := jobs[i]
		// A job stuck in minting has lost its dispatcher; requeue it so
		// the claim below can win.
		if job.Status == court.SealJobMinting {
			if err := s.st.ReleaseSealJob(ctx, job.JobID, s.now().UTC()); err != nil {
				s.logger.Error("stale minting job not released", "jobId", job.JobID, "error", err)
				continue
			}
		}
		attempted++
		if s.OnRetry != nil {
			s.OnRetry()
		}
		if err := s.Dispatch(ctx, &job); err != nil {
			s.logger.Warn("stale seal job retry failed", "jobId", job.JobID, "error", err)
		}
	}
	return attempted
}

// Retry reopens a failed job and dispatches it once, for the manual
// system-key endpoint.
func (s *Service) Retry(ctx context.Context, jobID string) error {
	job, err := s.st.GetSealJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return api.NotFound("Seal job not found.")
	}
	if err != nil {
		return api.Internal(err)
	}
	if job.Status.Terminal() {
		return api.Conflict(api.CodeConflict, "Seal job is already minted.")
	}
	if job.Status == court.SealJobFailed {
		if err := s.st.ReopenSealJob(ctx, jobID, s.now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
			return api.Internal(err)
		}
	}
	job, err = s.st.GetSealJob(ctx, jobID)
	if err != nil {
		return api.Internal(err)
	}
	if err := s.Dispatch(ctx, job); err != nil {
		return api.Dependency("Mint worker dispatch failed.", false, err)
	}
	return nil
}
