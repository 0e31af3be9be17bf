package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/capsule"
	"github.com/quantumlayer-platform/orchestrator-core/internal/config"
	"github.com/quantumlayer-platform/orchestrator-core/internal/dispatcher"
	"github.com/quantumlayer-platform/orchestrator-core/internal/events"
	"github.com/quantumlayer-platform/orchestrator-core/internal/hap"
	"github.com/quantumlayer-platform/orchestrator-core/internal/ledger"
	"github.com/quantumlayer-platform/orchestrator-core/internal/logging"
	"github.com/quantumlayer-platform/orchestrator-core/internal/maintenance"
	"github.com/quantumlayer-platform/orchestrator-core/internal/otelinit"
	"github.com/quantumlayer-platform/orchestrator-core/internal/status"
	"github.com/quantumlayer-platform/orchestrator-core/internal/storage"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
	"github.com/quantumlayer-platform/orchestrator-core/internal/validation"
	"github.com/quantumlayer-platform/orchestrator-core/internal/workflow"
)

func main() {
	service := "orchestrator"
	log := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics := otelinit.InitMetrics(ctx, service)

	store, err := storage.Open(cfg.DataDir + "/orchestrator.db")
	if err != nil {
		log.Error("open storage failed", "error", err)
		return
	}
	defer store.Close()

	bus := events.Connect(cfg.NATSURL, log)
	defer bus.Close()

	costLedger := ledger.New()

	maint := maintenance.New(log)
	if err := maint.AddJob("usage-aggregation", "0 */5 * * * *", func(_ context.Context) error {
		costLedger.RunAggregatorOnce()
		return nil
	}); err != nil {
		log.Error("register usage aggregation job failed", "error", err)
		return
	}
	if err := maint.AddJob("orphan-blob-sweep", "0 0 3 * * *", func(_ context.Context) error {
		removed, err := store.SweepOrphanBlobs(cfg.OrphanBlobGCAge)
		if err == nil {
			log.Info("orphan blob sweep", "removed", removed)
		}
		return err
	}); err != nil {
		log.Error("register orphan blob sweep job failed", "error", err)
		return
	}
	maint.Start()
	defer maint.Stop(context.Background())

	violations := hap.NewViolationLog()
	checker, err := hap.NewOPAChecker(ctx, defaultHAPPolicies(), violations)
	if err != nil {
		log.Error("load hap policies failed", "error", err)
		return
	}

	tierTimeouts := map[types.Tier]time.Duration{
		types.TierT0: cfg.TierTimeouts["T0"],
		types.TierT1: cfg.TierTimeouts["T1"],
		types.TierT2: cfg.TierTimeouts["T2"],
		types.TierT3: cfg.TierTimeouts["T3"],
	}
	dispatch := dispatcher.New(&stubAgentExecutor{}, costLedger, tierTimeouts)
	validator := validation.New(&stubValidationService{}, checker, cfg.ValidationThreshold, cfg.ValidationThresholdRobust)
	assembler := capsule.NewAssembler()

	engine, err := workflow.NewEngine(workflow.Deps{
		DB:          store.DB(),
		Store:       store,
		Notifier:    bus,
		Decomposer:  &stubDecomposer{},
		PromptEng:   nil,
		Dispatch:    dispatch,
		Validator:   validator,
		Checker:     checker,
		Assembler:   assembler,
		Ledger:      costLedger,
		Log:         log,
		Deadline:    cfg.WorkflowDeadline,
		CancelGrace: cfg.CancelGracePeriod,
	})
	if err != nil {
		log.Error("init workflow engine failed", "error", err)
		return
	}

	statusAPI := status.New(engine, store)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /v1/submit", submitHandler(engine))
	mux.HandleFunc("GET /v1/status/{id}", statusHandler(statusAPI))
	mux.HandleFunc("GET /v1/result/{id}", resultHandler(statusAPI))
	mux.HandleFunc("POST /v1/cancel/{id}", cancelHandler(engine))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()
	log.Info("orchestrator started", "addr", cfg.ListenAddr)

	<-ctx.Done()
	log.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	log.Info("shutdown complete")
}

type submitRequestBody struct {
	RequestID    string            `json:"request_id"`
	TenantID     string            `json:"tenant_id"`
	UserID       string            `json:"user_id"`
	Description  string            `json:"description"`
	Requirements string            `json:"requirements"`
	Constraints  map[string]string `json:"constraints"`
	Mode         string            `json:"mode"`
}

type submitResponse struct {
	WorkflowID string `json:"workflow_id"`
	StatusURL  string `json:"status_url"`
	CancelURL  string `json:"cancel_url"`
	ResultURL  string `json:"result_url"`
}

func submitHandler(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body submitRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if body.RequestID == "" {
			body.RequestID = uuid.NewString()
		}
		mode := types.Mode(body.Mode)
		if mode == "" {
			mode = types.ModeComplete
		}

		req := types.ExecutionRequest{
			RequestID:    body.RequestID,
			TenantID:     body.TenantID,
			UserID:       body.UserID,
			Description:  body.Description,
			Requirements: body.Requirements,
			Constraints:  body.Constraints,
			Options:      types.RequestOptions{Mode: mode},
			CreatedAt:    time.Now(),
		}

		workflowID, err := engine.Submit(r.Context(), req)
		if err != nil {
			writeAppErr(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(submitResponse{
			WorkflowID: workflowID,
			StatusURL:  "/v1/status/" + workflowID,
			CancelURL:  "/v1/cancel/" + workflowID,
			ResultURL:  "/v1/result/" + workflowID,
		})
	}
}

func statusHandler(api *status.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := api.GetStatus(r.PathValue("id"))
		if err != nil {
			writeAppErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}

func resultHandler(api *status.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.URL.Query().Get("request_id")
		manifest, err := api.GetResult(r.PathValue("id"), requestID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(manifest)
	}
}

func cancelHandler(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Signal(r.PathValue("id"), workflow.Signal{Kind: workflow.SignalCancel}); err != nil {
			writeAppErr(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ack"))
	}
}

func writeAppErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case apperr.IsKind(err, apperr.KindInvalidInput):
		code = http.StatusBadRequest
	case apperr.IsKind(err, apperr.KindQuotaExceeded), apperr.IsKind(err, apperr.KindPolicyBlocked):
		code = http.StatusForbidden
	case apperr.IsKind(err, apperr.KindDecompositionFailed):
		code = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func defaultHAPPolicies() map[string]string {
	return map[string]string{
		"hap.rego": `package hap

default decision = {"severity": "clean", "confidence": 1.0, "categories": [], "explanation": "no policy match"}
`,
	}
}

