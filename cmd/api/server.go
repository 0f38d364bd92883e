package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/gateway"
	"escrowflow/listing"
	"escrowflow/notify"
	"escrowflow/payment"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

// The handler layer depends on narrow service slices so tests can stub them.
type authAPI interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type paymentAPI interface {
	Checkout(ctx context.Context, params payment.CheckoutParams) (payment.Record, error)
	CreateMilestone(ctx context.Context, params payment.MilestoneParams) (payment.Record, error)
	FundMilestone(ctx context.Context, milestoneID, actorID string) (payment.Record, error)
	Confirm(ctx context.Context, params payment.ConfirmParams) (payment.Record, error)
	Capture(ctx context.Context, params payment.CaptureParams) (gateway.IntentStatus, error)
	Get(ctx context.Context, kind payment.TargetKind, id, actorID string) (payment.Record, error)
	HandleProcessorEvent(ctx context.Context, ev payment.ProcessorEvent) error
}

type disputeAPI interface {
	Open(ctx context.Context, params dispute.OpenParams) (dispute.Record, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Record, error)
}

type disputeLister interface {
	List(ctx context.Context, userID string) ([]dispute.Record, error)
}

type notifyAPI interface {
	List(ctx context.Context, userID string, limit int) ([]notify.Record, error)
	MarkRead(ctx context.Context, userID, notificationID string) (notify.Record, error)
}

type listingAPI interface {
	GetByID(ctx context.Context, id string) (listing.Listing, error)
	List(ctx context.Context, limit int) ([]listing.Listing, error)
}

type Server struct {
	authService    authAPI
	paymentService paymentAPI
	disputeService disputeAPI
	disputeStore   disputeLister
	notifier       notifyAPI
	listingRepo    listingAPI
	log            *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/listings", s.requireAuth(s.handleListings))
	mux.HandleFunc("/api/listings/", s.requireAuth(s.handleListing))
	mux.HandleFunc("/api/payments/checkout", s.requireAuth(s.handleCheckout))
	mux.HandleFunc("/api/payments/capture", s.requireAuth(s.handleCapture))
	mux.HandleFunc("/api/payments/", s.requireAuth(s.handlePaymentDetail))
	mux.HandleFunc("/api/milestones", s.requireAuth(s.handleCreateMilestone))
	mux.HandleFunc("/api/milestones/", s.requireAuth(s.handleMilestoneDetail))
	mux.HandleFunc("/api/notifications", s.requireAuth(s.handleNotifications))
	mux.HandleFunc("/api/notifications/", s.requireAuth(s.handleNotificationDetail))
	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleDisputes))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))
	mux.HandleFunc("/api/webhooks/processor", s.handleProcessorWebhook)
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// serviceError translates domain sentinels into HTTP statuses. Anything
// unrecognized is a 500 and gets logged with its full chain.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	var pending *payment.ConfirmationPendingError
	var rejected *gateway.RejectedError
	switch {
	case errors.Is(err, payment.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, dispute.ErrPaymentNotFound),
		errors.Is(err, listing.ErrNotFound),
		errors.Is(err, notify.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, payment.ErrNotParticipant),
		errors.Is(err, payment.ErrNotBuyer),
		errors.Is(err, dispute.ErrNotBuyer),
		errors.Is(err, dispute.ErrNotOperator):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, payment.ErrStateConflict),
		errors.Is(err, payment.ErrMilestoneInFlight),
		errors.Is(err, dispute.ErrAlreadyDisputed),
		errors.Is(err, dispute.ErrAlreadyClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &pending):
		writeError(w, http.StatusConflict, pending.Error())
	case errors.Is(err, dispute.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rejected):
		writeError(w, http.StatusBadGateway, rejected.Error())
	case errors.Is(err, gateway.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "payment processor timed out")
	default:
		s.logger().Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type paymentResponse struct {
	ID              string  `json:"id"`
	Kind            string  `json:"kind"`
	ListingID       string  `json:"listingId"`
	BuyerID         string  `json:"buyerId"`
	SellerID        string  `json:"sellerId"`
	Title           string  `json:"title,omitempty"`
	Amount          int64   `json:"amount"`
	PlatformFee     int64   `json:"platformFee"`
	IntentRef       *string `json:"intentRef,omitempty"`
	Status          string  `json:"status"`
	BuyerConfirmed  bool    `json:"buyerConfirmed"`
	SellerConfirmed bool    `json:"sellerConfirmed"`
	CompletedAt     *string `json:"completedAt,omitempty"`
	FailedAt        *string `json:"failedAt,omitempty"`
	RefundedAt      *string `json:"refundedAt,omitempty"`
	DisputedAt      *string `json:"disputedAt,omitempty"`
	CreatedAt       string  `json:"createdAt"`
}

func rfc3339Ptr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toPaymentResponse(rec payment.Record) paymentResponse {
	return paymentResponse{
		ID:              rec.ID,
		Kind:            string(rec.Kind),
		ListingID:       rec.ListingID,
		BuyerID:         rec.BuyerID,
		SellerID:        rec.SellerID,
		Title:           rec.Title,
		Amount:          rec.Amount,
		PlatformFee:     rec.PlatformFee,
		IntentRef:       rec.IntentRef,
		Status:          string(rec.Status),
		BuyerConfirmed:  rec.BuyerConfirmed,
		SellerConfirmed: rec.SellerConfirmed,
		CompletedAt:     rfc3339Ptr(rec.CompletedAt),
		FailedAt:        rfc3339Ptr(rec.FailedAt),
		RefundedAt:      rfc3339Ptr(rec.RefundedAt),
		DisputedAt:      rfc3339Ptr(rec.DisputedAt),
		CreatedAt:       rec.CreatedAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID         string  `json:"id"`
	PaymentID  string  `json:"paymentId"`
	Reason     *string `json:"reason,omitempty"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"createdAt"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	return disputeResponse{
		ID:         rec.ID,
		PaymentID:  rec.PaymentID,
		Reason:     rec.Reason,
		Status:     string(rec.Status),
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
		ResolvedAt: rfc3339Ptr(rec.ResolvedAt),
	}
}

type notificationResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Read      bool            `json:"read"`
	CreatedAt string          `json:"createdAt"`
}

func toNotificationResponse(rec notify.Record) notificationResponse {
	return notificationResponse{
		ID:        rec.ID,
		Type:      rec.Type,
		Payload:   json.RawMessage(rec.Payload),
		Read:      rec.Read,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
	}
}

type listingResponse struct {
	ID        string `json:"id"`
	SellerID  string `json:"sellerId"`
	Title     string `json:"title"`
	Price     int64  `json:"price"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
}

func toListingResponse(l listing.Listing) listingResponse {
	return listingResponse{
		ID:        l.ID,
		SellerID:  l.SellerID,
		Title:     l.Title,
		Price:     l.Price,
		Active:    l.Active,
		CreatedAt: l.CreatedAt.Format(time.RFC3339),
	}
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	u, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.serviceError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: string(u.Role)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  userResponse{ID: result.User.ID, Email: result.User.Email, FullName: result.User.FullName, Role: string(result.User.Role)},
	})
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.listingRepo.List(r.Context(), limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	out := make([]listingResponse, 0, len(items))
	for _, l := range items {
		out = append(out, toListingResponse(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/listings/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "listing id required")
		return
	}
	l, err := s.listingRepo.GetByID(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(l))
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		ListingID string `json:"listingId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.ListingID == "" {
		writeError(w, http.StatusBadRequest, "listingId is required")
		return
	}
	rec, err := s.paymentService.Checkout(r.Context(), payment.CheckoutParams{
		ListingID: body.ListingID,
		BuyerID:   callerID(r),
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(rec))
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		IntentRef string `json:"intentRef"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.IntentRef == "" {
		writeError(w, http.StatusBadRequest, "intentRef is required")
		return
	}
	status, err := s.paymentService.Capture(r.Context(), payment.CaptureParams{
		IntentRef: body.IntentRef,
		ActorID:   callerID(r),
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// handlePaymentDetail serves GET /api/payments/{id} and
// POST /api/payments/{id}/confirm.
func (s *Server) handlePaymentDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/payments/")
	s.handleRecordDetail(w, r, payment.KindPayment, rest)
}

// handleMilestoneDetail serves GET /api/milestones/{id},
// POST /api/milestones/{id}/fund and POST /api/milestones/{id}/confirm.
func (s *Server) handleMilestoneDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/milestones/")
	s.handleRecordDetail(w, r, payment.KindMilestone, rest)
}

func (s *Server) handleRecordDetail(w http.ResponseWriter, r *http.Request, kind payment.TargetKind, rest string) {
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "record id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.paymentService.Get(r.Context(), kind, id, callerID(r))
		if err != nil {
			s.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPaymentResponse(rec))
	case action == "confirm" && r.Method == http.MethodPost:
		rec, err := s.paymentService.Confirm(r.Context(), payment.ConfirmParams{
			Kind:    kind,
			ID:      id,
			ActorID: callerID(r),
		})
		if err != nil {
			s.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPaymentResponse(rec))
	case action == "fund" && r.Method == http.MethodPost && kind == payment.KindMilestone:
		rec, err := s.paymentService.FundMilestone(r.Context(), id, callerID(r))
		if err != nil {
			s.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPaymentResponse(rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreateMilestone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		ListingID string `json:"listingId"`
		Title     string `json:"title"`
		Amount    int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.ListingID == "" || body.Title == "" || body.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "listingId, title and a positive amount are required")
		return
	}
	rec, err := s.paymentService.CreateMilestone(r.Context(), payment.MilestoneParams{
		ListingID: body.ListingID,
		BuyerID:   callerID(r),
		Title:     body.Title,
		Amount:    body.Amount,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(rec))
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.notifier.List(r.Context(), callerID(r), limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	out := make([]notificationResponse, 0, len(items))
	for _, rec := range items {
		out = append(out, toNotificationResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// handleNotificationDetail serves POST /api/notifications/{id}/read.
func (s *Server) handleNotificationDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/notifications/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "notification id required")
		return
	}
	if action != "read" || r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rec, err := s.notifier.MarkRead(r.Context(), callerID(r), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationResponse(rec))
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.disputeStore.List(r.Context(), callerID(r))
		if err != nil {
			s.serviceError(w, err)
			return
		}
		out := make([]disputeResponse, 0, len(items))
		for _, rec := range items {
			out = append(out, toDisputeResponse(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
	case http.MethodPost:
		var body struct {
			PaymentID string  `json:"paymentId"`
			Reason    *string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if body.PaymentID == "" {
			writeError(w, http.StatusBadRequest, "paymentId is required")
			return
		}
		rec, err := s.disputeService.Open(r.Context(), dispute.OpenParams{
			PaymentID: body.PaymentID,
			ActorID:   callerID(r),
			Reason:    body.Reason,
		})
		if err != nil {
			s.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleDisputeDetail serves PATCH /api/disputes/{id}.
func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "dispute id required")
		return
	}
	var body struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rec, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID: id,
		Outcome:   dispute.Outcome(body.Outcome),
		ActorID:   callerID(r),
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

// handleProcessorWebhook ingests processor callbacks. Event types outside the
// capture lifecycle are acknowledged and dropped; an unknown intent is
// acknowledged too so the processor stops retrying a reference we will never
// have.
func (s *Server) handleProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ev struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID string `json:"id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var kind payment.EventKind
	switch ev.Type {
	case "payment_intent.succeeded":
		kind = payment.EventCaptureSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		kind = payment.EventCaptureFailed
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	err := s.paymentService.HandleProcessorEvent(r.Context(), payment.ProcessorEvent{
		EventID:   ev.ID,
		IntentRef: ev.Data.Object.ID,
		Kind:      kind,
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, payment.ErrNotFound):
		s.logger().Warn("processor event for unknown intent", "event_id", ev.ID, "intent_ref", ev.Data.Object.ID)
		w.WriteHeader(http.StatusOK)
	default:
		s.serviceError(w, err)
	}
}
