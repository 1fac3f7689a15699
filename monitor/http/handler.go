// Package http provides an HTTP handler for the monitor package.
//
// Responses are protoJSON by default. Clients sending
// "Accept: application/msgpack" receive MessagePack instead.
package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rbaliyan/channelbus"
	"github.com/rbaliyan/channelbus/monitor"
	pb "github.com/rbaliyan/channelbus/monitor/proto"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ContentTypeMsgpack selects MessagePack responses when sent in Accept.
const ContentTypeMsgpack = "application/msgpack"

// Handler implements http.Handler for the monitor.
type Handler struct {
	bus       *channelbus.Bus
	store     monitor.Store
	mux       *http.ServeMux
	marshaler protojson.MarshalOptions
}

// New creates a new HTTP handler. Either bus or store may be nil, in which
// case the routes that need it answer 404.
func New(bus *channelbus.Bus, store monitor.Store) *Handler {
	h := &Handler{
		bus:   bus,
		store: store,
		mux:   http.NewServeMux(),
		marshaler: protojson.MarshalOptions{
			EmitUnpopulated: true,
			UseProtoNames:   true,
		},
	}

	// GET /v1/monitor/snapshot - Current bus snapshot
	// GET /v1/monitor/entries - List entries with query params
	// GET /v1/monitor/entries/{id} - Get entry
	// GET /v1/monitor/entries/count - Count entries
	// DELETE /v1/monitor/entries - Delete entries older than specified age
	h.mux.HandleFunc("/v1/monitor/snapshot", h.handleSnapshot)
	h.mux.HandleFunc("/v1/monitor/entries", h.handleEntries)
	h.mux.HandleFunc("/v1/monitor/entries/", h.handleEntriesWithPath)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleSnapshot handles GET /v1/monitor/snapshot
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.bus == nil {
		h.writeError(w, r, http.StatusNotFound, "no bus configured")
		return
	}

	snap := monitor.Take(r.Context(), h.bus)
	h.writeResponse(w, r, snap, pb.SnapshotToProto(snap))
}

// handleEntries handles GET /v1/monitor/entries (list) and DELETE (cleanup)
func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, r, http.StatusNotFound, "no store configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handleList(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		h.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleEntriesWithPath handles /v1/monitor/entries/count and /v1/monitor/entries/{id}
func (h *Handler) handleEntriesWithPath(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, r, http.StatusNotFound, "no store configured")
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/monitor/entries/")
	switch {
	case id == "count":
		h.handleCount(w, r)
	case id == "" || strings.Contains(id, "/"):
		h.writeError(w, r, http.StatusBadRequest, "entry id is required")
	default:
		h.handleGetEntry(w, r, id)
	}
}

// handleList handles GET /v1/monitor/entries with query parameters
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilterFromQuery(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeResponse(w, r, page, pb.PageToProto(page))
}

// handleGetEntry handles GET /v1/monitor/entries/{id}
func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, id string) {
	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if entry == nil {
		h.writeError(w, r, http.StatusNotFound, "entry not found")
		return
	}

	h.writeResponse(w, r, entry, pb.EntryToProto(entry))
}

// handleCount handles GET /v1/monitor/entries/count with query parameters
func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilterFromQuery(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	count, err := h.store.Count(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeResponse(w, r, map[string]int64{"count": count}, pb.CountToProto(count))
}

// DefaultDeleteAge is the minimum age for deletion without force flag.
const DefaultDeleteAge = time.Hour

// handleDelete handles DELETE /v1/monitor/entries?older_than=1h
// By default, only entries older than an hour can be deleted.
// To delete newer entries, use force=true.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	age := DefaultDeleteAge
	if olderThan := q.Get("older_than"); olderThan != "" {
		var err error
		age, err = time.ParseDuration(olderThan)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid older_than duration: "+err.Error())
			return
		}
		if age <= 0 {
			h.writeError(w, r, http.StatusBadRequest, "older_than must be positive")
			return
		}
	}

	if age < DefaultDeleteAge && q.Get("force") != "true" {
		h.writeError(w, r, http.StatusBadRequest, "deleting entries newer than 1h requires force=true")
		return
	}

	deleted, err := h.store.DeleteOlderThan(r.Context(), age)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeResponse(w, r, map[string]int64{"deleted": deleted}, pb.DeletedToProto(deleted))
}

// parseFilterFromQuery parses monitor.Filter from URL query parameters
func parseFilterFromQuery(r *http.Request) (monitor.Filter, error) {
	q := r.URL.Query()
	filter := monitor.Filter{
		SubscriptionID: q.Get("subscription_id"),
		EventType:      q.Get("event_type"),
		Bus:            q.Get("bus"),
		Cursor:         q.Get("cursor"),
	}

	for _, v := range q["status"] {
		s, ok := monitor.ParseStatus(v)
		if !ok {
			return filter, &queryError{param: "status", value: v}
		}
		filter.Status = append(filter.Status, s)
	}
	if v := q.Get("has_error"); v != "" {
		hasErr := v == "true" || v == "1"
		filter.HasError = &hasErr
	}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, &queryError{param: "start_time", value: v}
		}
		filter.StartTime = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, &queryError{param: "end_time", value: v}
		}
		filter.EndTime = t
	}
	if v := q.Get("min_duration"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return filter, &queryError{param: "min_duration", value: v}
		}
		filter.MinDuration = d
	}
	if v := q.Get("min_latency"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return filter, &queryError{param: "min_latency", value: v}
		}
		filter.MinLatency = d
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, &queryError{param: "limit", value: v}
		}
		filter.Limit = n
	}
	if v := q.Get("order_desc"); v != "" {
		filter.OrderDesc = v == "true" || v == "1"
	}

	return filter, nil
}

type queryError struct {
	param, value string
}

func (e *queryError) Error() string {
	return "invalid " + e.param + ": " + strconv.Quote(e.value)
}

func wantsMsgpack(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), ContentTypeMsgpack)
}

// writeResponse renders v as MessagePack when requested, msg as protoJSON
// otherwise
func (h *Handler) writeResponse(w http.ResponseWriter, r *http.Request, v any, msg proto.Message) {
	h.write(w, r, http.StatusOK, v, msg)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	h.write(w, r, code, map[string]string{"error": message}, pb.ErrorToProto(message))
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, code int, v any, msg proto.Message) {
	var (
		data        []byte
		err         error
		contentType = "application/json"
	)
	if wantsMsgpack(r) {
		contentType = ContentTypeMsgpack
		data, err = msgpack.Marshal(v)
	} else {
		data, err = h.marshaler.Marshal(msg)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	w.Write(data)
}
