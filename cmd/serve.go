package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docsignal/overlay-eval/internal/engine"
	"github.com/docsignal/overlay-eval/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server for evaluation requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/webhook/evaluate", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				DocumentID    string `json:"documentId"`
				DocumentName  string `json:"documentName"`
				StorageBucket string `json:"storageBucket"`
				StorageKey    string `json:"storageKey"`
				OverlayID     string `json:"overlayId"`
				SessionID     string `json:"sessionId"`
				Appendices    []struct {
					Name        string `json:"name"`
					Bucket      string `json:"bucket"`
					Key         string `json:"key"`
					UploadOrder int    `json:"uploadOrder"`
				} `json:"appendices"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if body.StorageBucket == "" || body.StorageKey == "" || body.OverlayID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "storageBucket, storageKey, and overlayId are required"})
				return
			}

			evalReq := engine.EvaluationRequest{
				DocumentID:    body.DocumentID,
				DocumentName:  body.DocumentName,
				StorageBucket: body.StorageBucket,
				StorageKey:    body.StorageKey,
				OverlayID:     body.OverlayID,
				SessionID:     body.SessionID,
			}
			for _, app := range body.Appendices {
				bucket := app.Bucket
				if bucket == "" {
					bucket = body.StorageBucket
				}
				evalReq.Appendices = append(evalReq.Appendices, model.Appendix{
					Name:        app.Name,
					Bucket:      bucket,
					Key:         app.Key,
					UploadOrder: app.UploadOrder,
				})
			}

			// Run the workflow asynchronously; the caller polls status.
			go func() {
				wc, err := env.Engine.Run(ctx, evalReq)
				if err != nil {
					zap.L().Error("webhook evaluation failed",
						zap.String("storage_key", evalReq.StorageKey),
						zap.Error(err),
					)
					return
				}
				if wc.Suspended {
					zap.L().Info("webhook evaluation suspended",
						zap.String("submission_id", wc.SubmissionID),
					)
					return
				}
				zap.L().Info("webhook evaluation complete",
					zap.String("submission_id", wc.SubmissionID),
					zap.Float64("final_score", wc.Scoring.FinalScore),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":     "accepted",
				"storageKey": body.StorageKey,
			})
		})

		r.Post("/submissions/{id}/answers", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			var body struct {
				QuestionID string `json:"questionId"`
				Answer     string `json:"answer"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if body.QuestionID == "" || body.Answer == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "questionId and answer are required"})
				return
			}

			if err := env.Store.RecordClarificationAnswer(req.Context(), id, body.QuestionID, body.Answer); err != nil {
				zap.L().Error("record answer failed",
					zap.String("submission_id", id),
					zap.Error(err),
				)
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "answer not recorded"})
				return
			}

			// Try to resume in the background; the workflow stays suspended
			// when open questions remain.
			go func() {
				wc, err := env.Engine.Resume(ctx, id)
				if err != nil {
					zap.L().Error("resume after answer failed",
						zap.String("submission_id", id),
						zap.Error(err),
					)
					return
				}
				if !wc.Suspended {
					zap.L().Info("submission resumed and scored",
						zap.String("submission_id", id),
						zap.Float64("final_score", wc.Scoring.FinalScore),
					)
				}
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":       "recorded",
				"submissionId": id,
			})
		})

		r.Get("/submissions/{id}", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			status, err := buildSubmissionStatus(req.Context(), env, id)
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "submission not found"})
				return
			}
			writeJSON(w, http.StatusOK, status)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			drainServer(srv, 15*time.Second)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// drainServer shuts the server down with its own deadline. The signal
// context that triggers shutdown is already canceled, so passing it to
// Shutdown would abort the drain before in-flight requests finish.
func drainServer(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
