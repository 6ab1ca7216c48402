package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kshannoninnes/overseer/nickname"
	"github.com/kshannoninnes/overseer/store"
)

type nicknameRequest struct {
	Nickname string `json:"nickname"`
}

func decodeNickname(w http.ResponseWriter, r *http.Request) (string, error) {
	var req nicknameRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return "", fmt.Errorf("invalid request body: %w", err)
	}
	return req.Nickname, nil
}

// pathID returns the canonical form of the {id} path value.
func pathID(r *http.Request) (string, error) {
	n, err := store.ParseID(r.PathValue("id"))
	if err != nil {
		return "", err
	}
	return store.CanonicalID(n), nil
}

// HandleListEnforcements returns every tracked user.
func (h *Handlers) HandleListEnforcements(w http.ResponseWriter, r *http.Request) {
	users, err := h.engine.Tracked(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []store.TrackedUser{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"enforcements": users, "count": len(users)})
}

// HandleGetEnforcement returns the record for one user, 404 when untracked.
func (h *Handlers) HandleGetEnforcement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.engine.Record(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleEnforce starts enforcing the nickname in the body on one user.
func (h *Handlers) HandleEnforce(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, err := decodeNickname(w, r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.Enforce(r.Context(), id, name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "enforced", "id": id, "nickname": name})
}

// HandleRelease stops enforcing on one user and restores their previous name.
func (h *Handlers) HandleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.Release(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released", "id": id})
}

// HandleEnforceAll enforces the nickname in the body on every actionable member.
func (h *Handlers) HandleEnforceAll(w http.ResponseWriter, r *http.Request) {
	name, err := decodeNickname(w, r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := h.detached(r)
	defer cancel()
	res, err := h.engine.EnforceAll(ctx, name)
	writeBulk(w, r, res, err)
}

// HandleReleaseAll releases every tracked user.
func (h *Handlers) HandleReleaseAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.detached(r)
	defer cancel()
	res, err := h.engine.ReleaseAll(ctx)
	writeBulk(w, r, res, err)
}

// HandleResync reapplies enforced nicknames that drifted while events were missed.
func (h *Handlers) HandleResync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.detached(r)
	defer cancel()
	res, err := h.engine.Resync(ctx)
	writeBulk(w, r, res, err)
}

func writeBulk(w http.ResponseWriter, r *http.Request, res nickname.BulkResult, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
