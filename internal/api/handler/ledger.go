package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/certledger/internal/content"
	"github.com/jmerrifield20/certledger/internal/ingest"
	"github.com/jmerrifield20/certledger/internal/ledger"
)

// maxListEntries caps a single GET /entries page.
const maxListEntries = 1000

// corrector is the subset of ledger.Coordinator used for follow-up entries.
type corrector interface {
	Correct(ctx context.Context, scope, targetRef string, sub ledger.Submission) (*ledger.Entry, error)
	Tombstone(ctx context.Context, scope, targetRef, reason, actor string) (*ledger.Entry, error)
	HaltReason(ctx context.Context, scope string) (string, bool, error)
}

// LedgerHandler exposes the ingestion and verification contracts over HTTP.
type LedgerHandler struct {
	ingest    *ingest.Service
	corrector corrector
	verifier  *ledger.Verifier
	prover    *ledger.Prover
	logger    *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc *ingest.Service, corr corrector, verifier *ledger.Verifier, prover *ledger.Prover, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		ingest:    svc,
		corrector: corr,
		verifier:  verifier,
		prover:    prover,
		logger:    logger,
	}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/scopes/:scope")
	{
		s.POST("/entries", h.Submit)
		s.POST("/batches", h.SubmitBatch)
		s.POST("/corrections", h.Correct)
		s.POST("/tombstones", h.Tombstone)
		s.GET("/entries", h.ListEntries)
		s.GET("/entries/:seq", h.GetEntry)
		s.GET("/tip", h.GetTip)
		s.GET("/verify", h.Verify)
		s.GET("/proof/:seq", h.GetProof)
		s.POST("/checkpoints", h.PublishCheckpoint)
		s.GET("/halt", h.GetHalt)
	}
}

type submitRequest struct {
	PayloadRef string          `json:"payload_ref"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
	Actor      string          `json:"actor"`
}

func (r submitRequest) submission() ledger.Submission {
	return ledger.Submission{PayloadRef: r.PayloadRef, Payload: r.Payload, Actor: r.Actor}
}

// Submit handles POST /scopes/:scope/entries: certifies one payload.
func (h *LedgerHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	receipt, err := h.ingest.Submit(c.Request.Context(), c.Param("scope"), req.submission())
	if err != nil {
		h.writeError(c, "submit", err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

type batchRequest struct {
	Entries []submitRequest `json:"entries" binding:"required,min=1,max=500,dive"`
}

// SubmitBatch handles POST /scopes/:scope/batches: certifies all entries or none.
func (h *LedgerHandler) SubmitBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subs := make([]ledger.Submission, 0, len(req.Entries))
	for _, e := range req.Entries {
		subs = append(subs, e.submission())
	}
	receipts, err := h.ingest.SubmitBatch(c.Request.Context(), c.Param("scope"), subs)
	if err != nil {
		h.writeError(c, "submit batch", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"receipts": receipts, "count": len(receipts)})
}

type correctionRequest struct {
	TargetRef string          `json:"target_ref" binding:"required"`
	Payload   json.RawMessage `json:"payload" binding:"required"`
	Actor     string          `json:"actor"`
}

// Correct handles POST /scopes/:scope/corrections.
func (h *LedgerHandler) Correct(c *gin.Context) {
	var req correctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := h.corrector.Correct(c.Request.Context(), c.Param("scope"), req.TargetRef,
		ledger.Submission{Payload: req.Payload, Actor: req.Actor})
	if err != nil {
		h.writeError(c, "correct", err)
		return
	}
	c.JSON(http.StatusCreated, e.Receipt())
}

type tombstoneRequest struct {
	TargetRef string `json:"target_ref" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
	Actor     string `json:"actor"`
}

// Tombstone handles POST /scopes/:scope/tombstones: records an erasure.
func (h *LedgerHandler) Tombstone(c *gin.Context) {
	var req tombstoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := h.corrector.Tombstone(c.Request.Context(), c.Param("scope"), req.TargetRef, req.Reason, req.Actor)
	if err != nil {
		h.writeError(c, "tombstone", err)
		return
	}
	c.JSON(http.StatusCreated, e.Receipt())
}

// ListEntries handles GET /scopes/:scope/entries?from=&to=: at most
// maxListEntries entries per call.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	from, ok := queryUint(c, "from", 0)
	if !ok {
		return
	}
	to, ok := queryUint(c, "to", from+maxListEntries-1)
	if !ok {
		return
	}
	if to >= from && to-from >= maxListEntries {
		to = from + maxListEntries - 1
	}

	entries, err := h.prover.Range(c.Request.Context(), c.Param("scope"), from, to)
	if err != nil {
		h.writeError(c, "list entries", err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetEntry handles GET /scopes/:scope/entries/:seq.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	seq, ok := paramUint(c, "seq")
	if !ok {
		return
	}
	e, err := h.prover.Entry(c.Request.Context(), c.Param("scope"), seq)
	if err != nil {
		h.writeError(c, "get entry", err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// GetTip handles GET /scopes/:scope/tip.
func (h *LedgerHandler) GetTip(c *gin.Context) {
	tip, err := h.prover.Tip(c.Request.Context(), c.Param("scope"))
	if err != nil {
		h.writeError(c, "get tip", err)
		return
	}
	if tip == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scope has no entries"})
		return
	}
	c.JSON(http.StatusOK, tip)
}

// Verify handles GET /scopes/:scope/verify?from=&to=&anchor=&payload_check=.
// A broken chain is reported with 200 and integrity "failure". Stored payloads
// are re-digested unless payload_check=false.
func (h *LedgerHandler) Verify(c *gin.Context) {
	var opts ledger.VerifyOptions
	var ok bool
	if opts.From, ok = queryUint(c, "from", 0); !ok {
		return
	}
	if raw := c.Query("to"); raw != "" {
		to, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer"})
			return
		}
		opts.To = &to
	}
	opts.Anchor = c.Query("anchor")
	if raw := c.Query("payload_check"); raw != "" {
		check, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload_check must be true or false"})
			return
		}
		opts.PayloadCheck, opts.SkipPayloadCheck = check, !check
	}

	report, err := h.verifier.Verify(c.Request.Context(), c.Param("scope"), opts)
	if err != nil {
		h.writeError(c, "verify", err)
		return
	}

	integrity := "ok"
	if !report.OK() {
		integrity = "failure"
	}
	c.JSON(http.StatusOK, gin.H{
		"integrity": integrity,
		"statement": report.Statement(),
		"report":    report,
	})
}

// GetProof handles GET /scopes/:scope/proof/:seq.
func (h *LedgerHandler) GetProof(c *gin.Context) {
	seq, ok := paramUint(c, "seq")
	if !ok {
		return
	}
	proof, err := h.prover.GetProof(c.Request.Context(), c.Param("scope"), seq)
	if err != nil {
		h.writeError(c, "get proof", err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// PublishCheckpoint handles POST /scopes/:scope/checkpoints.
func (h *LedgerHandler) PublishCheckpoint(c *gin.Context) {
	cp, report, err := h.prover.PublishCheckpoint(c.Request.Context(), c.Param("scope"))
	if err != nil {
		h.writeError(c, "publish checkpoint", err)
		return
	}
	if cp == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":     "chain failed verification, no checkpoint published",
			"statement": report.Statement(),
			"report":    report,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"checkpoint": cp, "report": report})
}

// GetHalt handles GET /scopes/:scope/halt.
func (h *LedgerHandler) GetHalt(c *gin.Context) {
	reason, halted, err := h.corrector.HaltReason(c.Request.Context(), c.Param("scope"))
	if err != nil {
		h.writeError(c, "halt status", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"halted": halted, "reason": reason})
}

// writeError maps ledger errors onto HTTP status codes.
func (h *LedgerHandler) writeError(c *gin.Context, op string, err error) {
	var admErr *ledger.AdmissionError
	switch {
	case errors.As(err, &admErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "payload rejected by admission policy",
			"index":    admErr.Index,
			"reason":   admErr.Reason,
			"findings": admErr.Findings,
		})
	case errors.Is(err, ledger.ErrInvalidScope),
		errors.Is(err, ledger.ErrInvalidPayload),
		errors.Is(err, ledger.ErrInvalidRange),
		errors.Is(err, ledger.ErrAnchorRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrScopeHalted):
		c.JSON(http.StatusLocked, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrIntegrityViolation), errors.Is(err, content.ErrRefConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrContentionExceeded), errors.Is(err, ledger.ErrStorageUnavailable):
		h.logger.Warn(op+" unavailable", zap.String("scope", c.Param("scope")), zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger temporarily unavailable, retry"})
	default:
		h.logger.Error(op, zap.String("scope", c.Param("scope")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

func queryUint(c *gin.Context, key string, def uint64) (uint64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be a non-negative integer"})
		return 0, false
	}
	return v, true
}

func paramUint(c *gin.Context, key string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(key), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be a non-negative integer"})
		return 0, false
	}
	return v, true
}
