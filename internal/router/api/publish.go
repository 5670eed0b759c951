package api

import (
	"encoding/json"
	"net/http"

	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/model"
)

// PublishSubject is the broker subject messages accepted through the
// Router API are enqueued under.
const PublishSubject = "dispatch.jobs"

// PublishHandler implements POST /publish: it accepts a MessagePointer,
// validates the fields the router pipeline depends on, and enqueues it
// on the configured broker.
type PublishHandler struct {
	publisher queue.Publisher
}

// NewPublishHandler creates a handler publishing onto the given broker.
func NewPublishHandler(publisher queue.Publisher) *PublishHandler {
	return &PublishHandler{publisher: publisher}
}

type publishResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ServeHTTP handles POST /publish.
func (h *PublishHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ptr model.MessagePointer
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&ptr); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if ptr.ID == "" || ptr.PoolCode == "" || ptr.MediationTarget == "" {
		http.Error(w, "id, poolCode, and mediationTarget are required", http.StatusBadRequest)
		return
	}
	if ptr.MediationType == "" {
		ptr.MediationType = model.MediationTypeHTTP
	}

	data, err := json.Marshal(ptr)
	if err != nil {
		http.Error(w, "failed to encode message", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	if ptr.MessageGroupID != "" {
		err = h.publisher.PublishWithGroup(ctx, PublishSubject, data, ptr.MessageGroupID)
	} else {
		err = h.publisher.Publish(ctx, PublishSubject, data)
	}
	if err != nil {
		http.Error(w, "failed to enqueue message: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(publishResponse{ID: ptr.ID, Status: "accepted"})
}
