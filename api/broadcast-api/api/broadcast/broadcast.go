package broadcast_api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/config"
	internal_callsession "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/callsession"
	internal_call_entity "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/entity/calls"
	internal_orchestrator "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/orchestrator"
	internal_store "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/store"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// BroadcastApi exposes the caller workflow to the producer and screener
// dashboards, plus the telephony provider's status callbacks.
type BroadcastApi struct {
	cfg          *config.BroadcastConfig
	logger       commons.Logger
	orchestrator *internal_orchestrator.Orchestrator
	calls        internal_store.CallStore
}

func NewBroadcastApi(
	cfg *config.BroadcastConfig,
	logger commons.Logger,
	orchestrator *internal_orchestrator.Orchestrator,
	calls internal_store.CallStore,
) *BroadcastApi {
	return &BroadcastApi{
		cfg:          cfg,
		logger:       logger,
		orchestrator: orchestrator,
		calls:        calls,
	}
}

type callResponse struct {
	Call          *internal_call_entity.Call             `json:"call"`
	Session       *internal_callsession.CallSessionState `json:"session,omitempty"`
	QueuePosition int                                    `json:"queuePosition,omitempty"`
}

type queueCallRequest struct {
	CallSID           string `json:"callSid" binding:"required"`
	TelephonyStreamID string `json:"streamSid"`
	PhoneNumber       string `json:"phoneNumber" binding:"required"`
	CallerName        string `json:"callerName"`
	CallerLocation    string `json:"callerLocation"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

// QueueCall handles POST /episodes/:episodeId/calls.
func (api *BroadcastApi) QueueCall(ctx *gin.Context) {
	episodeID, err := pathID(ctx, "episodeId")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req queueCallRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	call, session, err := api.orchestrator.QueueCall(ctx.Request.Context(), internal_orchestrator.QueueCallRequest{
		EpisodeID:         episodeID,
		CallSID:           req.CallSID,
		TelephonyStreamID: req.TelephonyStreamID,
		PhoneNumber:       req.PhoneNumber,
		CallerName:        req.CallerName,
		CallerLocation:    req.CallerLocation,
	})
	if err != nil {
		api.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, callResponse{Call: call, Session: session})
}

// ListCalls handles GET /episodes/:episodeId/calls with optional repeated
// status filters.
func (api *BroadcastApi) ListCalls(ctx *gin.Context) {
	episodeID, err := pathID(ctx, "episodeId")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	calls, err := api.calls.ListByEpisode(ctx.Request.Context(), episodeID, ctx.QueryArray("status")...)
	if err != nil {
		api.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"calls": calls})
}

// StartScreening handles POST /calls/:callId/screen.
func (api *BroadcastApi) StartScreening(ctx *gin.Context) {
	api.workflowStep(ctx, func(callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, int, error) {
		call, session, err := api.orchestrator.StartScreening(ctx.Request.Context(), callID)
		return call, session, 0, err
	})
}

// ApproveCall handles POST /calls/:callId/approve.
func (api *BroadcastApi) ApproveCall(ctx *gin.Context) {
	var req notesRequest
	_ = ctx.ShouldBindJSON(&req)
	api.workflowStep(ctx, func(callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, int, error) {
		return api.orchestrator.ApproveCall(ctx.Request.Context(), callID, req.Notes)
	})
}

// PutOnAir handles POST /calls/:callId/air.
func (api *BroadcastApi) PutOnAir(ctx *gin.Context) {
	api.workflowStep(ctx, func(callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, int, error) {
		call, session, err := api.orchestrator.PutOnAir(ctx.Request.Context(), callID)
		return call, session, 0, err
	})
}

// PutOnHold handles POST /calls/:callId/hold.
func (api *BroadcastApi) PutOnHold(ctx *gin.Context) {
	api.workflowStep(ctx, func(callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, int, error) {
		call, session, err := api.orchestrator.PutOnHold(ctx.Request.Context(), callID)
		return call, session, 0, err
	})
}

// ReturnToScreening handles POST /calls/:callId/return.
func (api *BroadcastApi) ReturnToScreening(ctx *gin.Context) {
	api.workflowStep(ctx, func(callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, int, error) {
		call, session, err := api.orchestrator.ReturnToScreening(ctx.Request.Context(), callID)
		return call, session, 0, err
	})
}

// CompleteCall handles POST /calls/:callId/complete.
func (api *BroadcastApi) CompleteCall(ctx *gin.Context) {
	api.workflowStep(ctx, func(callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, int, error) {
		call, err := api.orchestrator.CompleteCall(ctx.Request.Context(), callID)
		return call, nil, 0, err
	})
}

// RejectCall handles POST /calls/:callId/reject.
func (api *BroadcastApi) RejectCall(ctx *gin.Context) {
	var req notesRequest
	_ = ctx.ShouldBindJSON(&req)
	api.workflowStep(ctx, func(callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, int, error) {
		call, err := api.orchestrator.RejectCall(ctx.Request.Context(), callID, req.Notes)
		return call, nil, 0, err
	})
}

// StatusCallback handles the telephony provider's call-status webhook
// (form-encoded). A leg the carrier reports finished is completed in the
// workflow regardless of which dashboard button was or wasn't pressed.
func (api *BroadcastApi) StatusCallback(ctx *gin.Context) {
	callSid := ctx.PostForm("CallSid")
	callStatus := ctx.PostForm("CallStatus")
	if callSid == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "CallSid is required"})
		return
	}
	api.logger.Infow("telephony status callback", "call_sid", callSid, "status", callStatus)

	switch callStatus {
	case "completed", "busy", "failed", "no-answer", "canceled":
		call, err := api.calls.GetByCallSID(ctx.Request.Context(), callSid)
		if errors.Is(err, internal_store.ErrCallNotFound) {
			ctx.Status(http.StatusOK)
			return
		}
		if err != nil {
			api.writeError(ctx, err)
			return
		}
		if _, err := api.orchestrator.CompleteCall(ctx.Request.Context(), call.Id); err != nil {
			api.writeError(ctx, err)
			return
		}
	}
	ctx.Status(http.StatusOK)
}

func (api *BroadcastApi) workflowStep(ctx *gin.Context, op func(callID uint64) (*internal_call_entity.Call, *internal_callsession.CallSessionState, int, error)) {
	callID, err := pathID(ctx, "callId")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	call, session, position, err := op(callID)
	if err != nil {
		api.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, callResponse{Call: call, Session: session, QueuePosition: position})
}

func (api *BroadcastApi) writeError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, internal_store.ErrCallNotFound),
		errors.Is(err, internal_store.ErrCallerNotFound),
		errors.Is(err, internal_store.ErrEpisodeNotFound),
		errors.Is(err, internal_callsession.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, internal_store.ErrStaleStatus):
		status = http.StatusConflict
	default:
		var invalid *internal_callsession.InvalidTransitionError
		if errors.As(err, &invalid) {
			status = http.StatusConflict
		}
	}
	if status == http.StatusInternalServerError {
		api.logger.Errorw("broadcast api request failed", "path", ctx.FullPath(), "error", err)
	}
	ctx.JSON(status, gin.H{"error": err.Error()})
}

func pathID(ctx *gin.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(ctx.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return id, nil
}
