package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"chainmsg/pkg/conversations"
	"chainmsg/pkg/engine"
	"chainmsg/pkg/ipfs"
	"chainmsg/pkg/logger"
	"chainmsg/pkg/models"
	"chainmsg/pkg/utils"
)

// Server exposes the sync engine to the UI layer. One poller exists per
// viewer session; selecting a conversation replaces that viewer's
// previous selection.
type Server struct {
	eng          *engine.Engine
	agg          *conversations.Aggregator
	content      *ipfs.Client
	pollInterval time.Duration
	previewCron  string
	limiter      *limiterPool

	mu         sync.Mutex
	pollers    map[string]*conversations.Poller
	refreshers map[string]context.CancelFunc
	previews   map[string][]models.Conversation
}

// NewServer wires the HTTP surface.
func NewServer(eng *engine.Engine, agg *conversations.Aggregator, content *ipfs.Client, pollInterval time.Duration, previewCron string, rl RateLimit) *Server {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Server{
		eng:          eng,
		agg:          agg,
		content:      content,
		pollInterval: pollInterval,
		previewCron:  previewCron,
		limiter:      &limiterPool{cfg: rl},
		pollers:      map[string]*conversations.Poller{},
		refreshers:   map[string]context.CancelFunc{},
		previews:     map[string][]models.Conversation{},
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/messages", s.sendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/messages", s.listMessages).Methods(http.MethodGet)
	v1.HandleFunc("/messages/read", s.markRead).Methods(http.MethodPost)
	v1.HandleFunc("/messages/restore", s.restoreHidden).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}/hide", s.hideMessage).Methods(http.MethodPost)
	v1.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	v1.HandleFunc("/groups", s.createGroup).Methods(http.MethodPost)
	v1.HandleFunc("/publish/config", s.getPublishConfig).Methods(http.MethodGet)
	v1.HandleFunc("/publish/config", s.putPublishConfig).Methods(http.MethodPut)
	v1.HandleFunc("/cache", s.clearCache).Methods(http.MethodDelete)
	v1.HandleFunc("/poll/select", s.pollSelect).Methods(http.MethodPost)
	v1.HandleFunc("/poll/deselect", s.pollDeselect).Methods(http.MethodPost)
	v1.HandleFunc("/poll", s.pollSnapshot).Methods(http.MethodGet)

	return s.limiter.middleware(r)
}

// conversationKey builds a key from peer/group request fields, requiring
// exactly one of them.
func conversationKey(viewer, peer, group string) (models.ConversationKey, bool) {
	if (peer == "") == (group == "") {
		return models.ConversationKey{}, false
	}
	if group != "" {
		return models.GroupKey(group), true
	}
	if viewer == "" || peer == viewer {
		return models.ConversationKey{}, false
	}
	return models.DirectKey(viewer, peer), true
}

type sendRequest struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	GroupID  string `json:"group_id"`
	Content  string `json:"content"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	key, ok := conversationKey(req.Sender, req.Receiver, req.GroupID)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "exactly one of receiver and group_id is required")
		return
	}
	m, err := s.eng.Send(r.Context(), req.Sender, key, req.Content)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, m)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	viewer := q.Get("viewer")
	if viewer == "" {
		utils.JSONError(w, http.StatusBadRequest, "viewer is required")
		return
	}
	key, ok := conversationKey(viewer, q.Get("peer"), q.Get("group"))
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "exactly one of peer and group is required")
		return
	}
	msgs, err := s.eng.Fetch(r.Context(), key, viewer)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Fetching a conversation marks its unread messages read unless the
	// caller opts out.
	if q.Get("mark_read") != "0" {
		var unread []string
		for _, m := range msgs {
			if m.Sender != viewer && !m.ReadByUser(viewer) {
				unread = append(unread, m.ID)
			}
		}
		if len(unread) > 0 {
			if err := s.eng.MarkRead(r.Context(), unread, viewer); err != nil {
				logger.Warn("mark_on_fetch_failed", "error", err)
			}
		}
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}{Conversation: key.String(), Messages: msgs})
}

type markReadRequest struct {
	Viewer string   `json:"viewer"`
	IDs    []string `json:"ids"`
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Viewer == "" {
		utils.JSONError(w, http.StatusBadRequest, "viewer is required")
		return
	}
	if err := s.eng.MarkRead(r.Context(), req.IDs, req.Viewer); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"marked": len(req.IDs)})
}

type viewerRequest struct {
	Viewer string `json:"viewer"`
}

func (s *Server) hideMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req viewerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Viewer == "" {
		utils.JSONError(w, http.StatusBadRequest, "viewer is required")
		return
	}
	if err := s.eng.Hide(id, req.Viewer); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"hidden": id})
}

func (s *Server) restoreHidden(w http.ResponseWriter, r *http.Request) {
	var req viewerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Viewer == "" {
		utils.JSONError(w, http.StatusBadRequest, "viewer is required")
		return
	}
	if err := s.eng.RestoreHidden(req.Viewer); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"restored": req.Viewer})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	viewer := r.URL.Query().Get("viewer")
	if viewer == "" {
		utils.JSONError(w, http.StatusBadRequest, "viewer is required")
		return
	}
	if r.URL.Query().Get("cached") == "1" {
		s.mu.Lock()
		cached, ok := s.previews[viewer]
		s.mu.Unlock()
		if ok {
			_ = utils.JSONWrite(w, http.StatusOK, struct {
				Conversations []models.Conversation `json:"conversations"`
			}{Conversations: cached})
			return
		}
	}
	convs, err := s.agg.List(viewer)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	previews := s.agg.Preview(r.Context(), viewer, convs)
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Conversations []models.Conversation `json:"conversations"`
	}{Conversations: previews})
}

type createGroupRequest struct {
	Name      string   `json:"name"`
	CreatedBy string   `json:"created_by"`
	Members   []string `json:"members"`
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Name == "" || req.CreatedBy == "" {
		utils.JSONError(w, http.StatusBadRequest, "name and created_by are required")
		return
	}
	g := models.Group{
		ID:        utils.GenGroupID(),
		Name:      req.Name,
		CreatedBy: req.CreatedBy,
		CreatedAt: time.Now().UTC().UnixMilli(),
		Members:   []string{req.CreatedBy},
	}
	for _, m := range req.Members {
		if m != "" && !g.HasMember(m) {
			g.Members = append(g.Members, m)
		}
	}
	if err := s.eng.Cache().SaveGroup(g); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, g)
}

func (s *Server) getPublishConfig(w http.ResponseWriter, _ *http.Request) {
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"mode": s.content.Mode().String()})
}

func (s *Server) putPublishConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.PublishConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if cfg.Mode() != models.PublishPinned {
		utils.JSONError(w, http.StatusBadRequest, "both api_key and secret_key are required")
		return
	}
	if err := s.eng.Cache().SavePublishConfig(cfg); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.content.SetCredentials(cfg)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"mode": s.content.Mode().String()})
}

func (s *Server) clearCache(w http.ResponseWriter, _ *http.Request) {
	if err := s.eng.Cache().ClearMessages(); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("cache_cleared")
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type pollSelectRequest struct {
	Viewer  string `json:"viewer"`
	Peer    string `json:"peer"`
	GroupID string `json:"group_id"`
}

func (s *Server) poller(viewer string) *conversations.Poller {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pollers[viewer]
	if !ok {
		p = conversations.NewPoller(s.eng, viewer, s.pollInterval, nil)
		s.pollers[viewer] = p
		s.startRefresherLocked(viewer)
	}
	return p
}

// startRefresherLocked launches the cron-driven preview refresher for a
// viewer session. Snapshots land in s.previews for the cached
// conversation listing. Caller holds s.mu.
func (s *Server) startRefresherLocked(viewer string) {
	if _, ok := s.refreshers[viewer]; ok {
		return
	}
	ref := conversations.NewRefresher(s.agg, viewer, s.previewCron, func(previews []models.Conversation) {
		s.mu.Lock()
		s.previews[viewer] = previews
		s.mu.Unlock()
	})
	cancel, err := ref.Start(context.Background())
	if err != nil {
		logger.Warn("preview_refresher_start_failed", "viewer", viewer, "error", err)
		return
	}
	s.refreshers[viewer] = cancel
}

func (s *Server) pollSelect(w http.ResponseWriter, r *http.Request) {
	var req pollSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Viewer == "" {
		utils.JSONError(w, http.StatusBadRequest, "viewer is required")
		return
	}
	key, ok := conversationKey(req.Viewer, req.Peer, req.GroupID)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "exactly one of peer and group_id is required")
		return
	}
	s.poller(req.Viewer).Select(key)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"selected": key.String()})
}

func (s *Server) pollDeselect(w http.ResponseWriter, r *http.Request) {
	var req viewerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Viewer == "" {
		utils.JSONError(w, http.StatusBadRequest, "viewer is required")
		return
	}
	s.poller(req.Viewer).Deselect()
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"state": "idle"})
}

func (s *Server) pollSnapshot(w http.ResponseWriter, r *http.Request) {
	viewer := r.URL.Query().Get("viewer")
	if viewer == "" {
		utils.JSONError(w, http.StatusBadRequest, "viewer is required")
		return
	}
	p := s.poller(viewer)
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		State        string           `json:"state"`
		Conversation string           `json:"conversation,omitempty"`
		Messages     []models.Message `json:"messages"`
	}{State: p.State().String(), Conversation: p.Active().String(), Messages: p.Snapshot()})
}

// Close deselects every poller and stops the preview refreshers.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pollers {
		p.Deselect()
	}
	for viewer, cancel := range s.refreshers {
		cancel()
		delete(s.refreshers, viewer)
	}
}
