package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukafiti/dukasync/internal/schema"
	"github.com/dukafiti/dukasync/internal/strategy"
)

// maxWriteBody bounds write request bodies accepted for queueing.
const maxWriteBody = 4 << 20

// intercept is the top of the routing funnel. Order matters: API writes
// take the queue-backed path, navigations resolve through the shell,
// everything else flows through the strategy engine.
func (s *Server) intercept(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Printf("Panic handling %s %s: %v", r.Method, r.URL.Path, rec)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"offline": true,
				"message": "request could not be completed, please retry",
			})
		}
	}()

	if strategy.IsAPIRequest(r) && isWriteMethod(r.Method) {
		s.handleWrite(w, r)
		return
	}

	if strategy.IsNavigation(r) {
		s.shell.Resolve(w, r)
		return
	}

	writeResult(w, s.engine.Do(r.Context(), r))
}

// handleWrite attempts the write against the backend directly. Only a
// transport-level failure (connection refused, timeout, DNS) diverts
// the operation into the durable queue; any HTTP response, including
// errors, is relayed to the caller so validation failures surface
// immediately instead of being retried forever.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWriteBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	op := &schema.QueuedOperation{
		ID:         schema.NewOperationID(),
		EntityType: entityTypeFromPath(r.URL.Path),
		Kind:       kindForMethod(r.Method),
		Data:       body,
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Headers:    pickHeaders(r.Header),
		EnqueuedAt: time.Now().UTC(),
	}

	if s.sched.Online() {
		outcome, terr := s.transport.Replay(r.Context(), op)
		if terr == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(outcome.Status)
			_, _ = w.Write(outcome.Body)
			if outcome.Success() {
				s.applyDirect(r, op, outcome.Body)
			}
			return
		}
		s.logger.Printf("Direct write failed for %s %s, queueing: %v", r.Method, r.URL.Path, terr)
	}

	s.queueWrite(w, r, op)
}

// queueWrite persists the operation for later replay and answers 202
// with enough identity for the UI to render the record optimistically.
func (s *Server) queueWrite(w http.ResponseWriter, r *http.Request, op *schema.QueuedOperation) {
	entityID := s.prepareOffline(r, op)

	if err := s.queue.Enqueue(r.Context(), op); err != nil {
		s.logger.Printf("Failed to enqueue %s %s: %v", op.Method, op.Path, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"success": false,
			"message": "could not save operation for sync",
		})
		return
	}

	s.hub.OnOperationQueued(op)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":      true,
		"queued":       true,
		"id":           entityID,
		"operation_id": op.ID,
	})
}

// prepareOffline assigns a local ID to creates that lack one and writes
// the optimistic local copy so reads see the pending record. Returns
// the entity ID the caller should report.
func (s *Server) prepareOffline(r *http.Request, op *schema.QueuedOperation) string {
	entityID := schema.EntityID(op.Data)

	switch op.Kind {
	case schema.OpCreate:
		if entityID == "" {
			entityID = schema.NewLocalID()
			op.Data = injectID(op.Data, entityID)
		}
		fallthrough
	case schema.OpUpdate:
		if entityID == "" {
			return ""
		}
		ent := &schema.CachedEntity{
			EntityType:    op.EntityType,
			ID:            entityID,
			Payload:       op.Data,
			LastWrittenAt: time.Now().UTC(),
			Synced:        false,
		}
		if err := s.store.UpsertEntity(r.Context(), ent); err != nil {
			s.logger.Printf("Optimistic write failed for %s %s: %v", op.EntityType, entityID, err)
		}
	case schema.OpDelete:
		if entityID == "" {
			return ""
		}
		if err := s.store.DeleteEntity(r.Context(), op.EntityType, entityID); err != nil {
			s.logger.Printf("Optimistic delete failed for %s %s: %v", op.EntityType, entityID, err)
		}
	}

	return entityID
}

// applyDirect mirrors a successful online write into the local store so
// subsequent offline reads see current data.
func (s *Server) applyDirect(r *http.Request, op *schema.QueuedOperation, respBody []byte) {
	if op.Kind == schema.OpDelete {
		if id := schema.EntityID(op.Data); id != "" {
			if err := s.store.DeleteEntity(r.Context(), op.EntityType, id); err != nil {
				s.logger.Printf("Local delete mirror failed: %v", err)
			}
		}
		return
	}

	payload := op.Data
	if json.Valid(respBody) && len(respBody) > 0 {
		payload = respBody
	}
	id := schema.EntityID(payload)
	if id == "" {
		return
	}

	ent := &schema.CachedEntity{
		EntityType:    op.EntityType,
		ID:            id,
		Payload:       payload,
		LastWrittenAt: time.Now().UTC(),
		Synced:        true,
	}
	if err := s.store.UpsertEntity(r.Context(), ent); err != nil {
		s.logger.Printf("Local write mirror failed for %s %s: %v", op.EntityType, id, err)
	}
}

// writeResult copies a strategy result onto the wire.
func writeResult(w http.ResponseWriter, res *strategy.Result) {
	for k, vals := range res.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// isWriteMethod reports whether the method mutates backend state.
func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// kindForMethod maps an HTTP method to an operation kind.
func kindForMethod(method string) schema.OperationKind {
	switch method {
	case http.MethodDelete:
		return schema.OpDelete
	case http.MethodPut, http.MethodPatch:
		return schema.OpUpdate
	default:
		return schema.OpCreate
	}
}

// entityTypeFromPath derives the entity type from an API path, e.g.
// /api/products/42 yields "product". Unknown segments pass through as
// written and classify at low priority.
func entityTypeFromPath(path string) schema.EntityType {
	rest := strings.TrimPrefix(path, "/api/")
	seg := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		seg = rest[:i]
	}
	if j := strings.IndexByte(seg, '?'); j >= 0 {
		seg = seg[:j]
	}

	switch seg {
	case "products":
		return schema.EntityProduct
	case "customers":
		return schema.EntityCustomer
	case "sales":
		return schema.EntitySale
	case "transactions":
		return schema.EntityTransaction
	}
	return schema.EntityType(strings.TrimSuffix(seg, "s"))
}

// pickHeaders copies the request headers worth replaying later.
func pickHeaders(h http.Header) map[string]string {
	keep := map[string]string{}
	for _, k := range []string{"Content-Type", "Authorization", "Accept"} {
		if v := h.Get(k); v != "" {
			keep[k] = v
		}
	}
	return keep
}

// injectID inserts an "id" field into a JSON object payload. Payloads
// that are not objects are returned unchanged.
func injectID(data []byte, id string) []byte {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return data
	}
	m["id"] = id
	out, err := json.Marshal(m)
	if err != nil {
		return data
	}
	return out
}
