package api

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"bloomers/board"
	"bloomers/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, uploadDir string, logger *log.Logger) {
	boards := newBoardRegistry(store)

	e.GET("/api/runs", getRuns(store, auth))
	e.GET("/api/runs/:id", getRun(store, boards, auth))
	e.DELETE("/api/runs/:id", deleteRun(store, boards, auth))
	e.POST("/api/runs/bulk-delete", bulkDeleteRuns(store, boards, auth))
	e.GET("/api/runs/:id/export", getExport(store, auth))
	e.GET("/api/runs/:id/questions/:qid", getQuestion(boards, auth))
	e.POST("/api/runs/:id/questions/:qid/label", postLabel(boards, deduper, auth, logger))
	e.DELETE("/api/runs/:id/questions/:qid/label", deleteLabel(boards, auth))
	e.POST("/api/uploads", postUpload(store, auth, uploadDir))
	e.GET("/api/stats", getStats(store, auth))
	e.GET("/healthz", healthz(store))

	initJobDispatcher(store, logger)
}

func healthz(_ Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		//TODO: ping table storage and redis instead of answering unconditionally
		return c.NoContent(http.StatusOK)
	}
}

func getRuns(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		pageToken := c.QueryParam("pageToken")
		pageSizeParam := strings.TrimSpace(c.QueryParam("pageSize"))
		pageSize := 0
		if pageSizeParam != "" {
			var parseErr error
			pageSize, parseErr = strconv.Atoi(pageSizeParam)
			if parseErr != nil || pageSize <= 0 {
				return c.String(http.StatusBadRequest, "invalid page size")
			}
		}
		status := domain.RunStatus(c.QueryParam("status"))
		search := strings.ToLower(strings.TrimSpace(c.QueryParam("q")))

		runs, nextToken, err := store.FetchRuns(ctx, userID, pageToken, pageSize)
		if err != nil {
			var invalidTokenErr InvalidContinuationTokenError
			if errors.As(err, &invalidTokenErr) {
				return c.String(http.StatusBadRequest, "invalid page token")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		if status != "" || search != "" {
			filtered := runs[:0]
			for _, run := range runs {
				if status != "" && run.Status != status {
					continue
				}
				if search != "" && !strings.Contains(strings.ToLower(run.Filename), search) {
					continue
				}
				filtered = append(filtered, run)
			}
			runs = filtered
		}

		resp := runsResponse{Runs: runs}
		if nextToken != "" {
			resp.NextPageToken = nextToken
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func getRun(store Storage, boards *boardRegistry, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		runID := c.Param("id")

		run, err := store.FetchRun(ctx, userID, runID)
		if err != nil {
			if isRejected(err) {
				return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Retryable: true})
		}

		b, err := boards.get(ctx, userID, runID)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Retryable: true})
		}
		// The board may have been loaded while the run was still classifying.
		if run.HasResults() && b.Len() == 0 {
			boards.refresh(userID, runID)
			if b, err = boards.get(ctx, userID, runID); err != nil {
				c.Logger().Error(err)
				return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Retryable: true})
			}
		}

		return c.JSON(http.StatusOK, runDetailResponse{Run: run, Snapshot: b.Snapshot()})
	}
}

func getQuestion(boards *boardRegistry, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		b, err := boards.get(ctx, userID, c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Retryable: true})
		}
		questionID := c.Param("qid")
		for _, view := range b.Snapshot().Questions {
			if view.ID == questionID {
				return c.JSON(http.StatusOK, questionDetailResponse{
					QuestionView:        view,
					CategoryName:        view.Effective.Name(),
					CategoryDescription: view.Effective.Description(),
				})
			}
		}
		return c.JSON(http.StatusNotFound, errorResponse{Error: "question not found"})
	}
}

func postLabel(boards *boardRegistry, deduper Deduper, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newLabelRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		lr := io.LimitReader(c.Request().Body, labelRequestMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()
		var req labelRequest
		if decodeErr := dec.Decode(&req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
			return err
		}
		metrics.SetCategory(string(req.Category))
		metrics.SetIdempotencyKeyProvided(req.IdempotencyKey != "")

		runID, questionID := c.Param("id"), c.Param("qid")

		boardStart := time.Now()
		b, boardErr := boards.get(ctx, userID, runID)
		metrics.ObserveBoardLoad(time.Since(boardStart))
		if boardErr != nil {
			metrics.SetErrorStage("board_load")
			metrics.SetRetryable(true)
			err = c.JSON(http.StatusInternalServerError, errorResponse{Error: boardErr.Error(), Retryable: true})
			return err
		}

		if req.IdempotencyKey != "" && deduper != nil {
			added, dedupeErr := deduper.Add(ctx, userID, req.IdempotencyKey)
			if dedupeErr != nil {
				c.Logger().Errorf("dedupe: %v", dedupeErr)
			} else if !added {
				// Replayed commit: answer from current state without touching it.
				err = c.JSON(http.StatusOK, labelResponseFrom(questionID, b.Snapshot()))
				return err
			}
		}
		rollbackDedupe := func() {
			if req.IdempotencyKey != "" && deduper != nil {
				if rerr := deduper.Remove(ctx, userID, req.IdempotencyKey); rerr != nil {
					c.Logger().Errorf("dedupe rollback: %v", rerr)
				}
			}
		}

		if proposeErr := b.ProposeLabel(questionID, req.Category); proposeErr != nil {
			rollbackDedupe()
			switch {
			case errors.Is(proposeErr, board.ErrUnknownQuestion):
				metrics.SetErrorStage("unknown_question")
				err = c.JSON(http.StatusNotFound, errorResponse{Error: "question not found"})
			case errors.Is(proposeErr, board.ErrInvalidCategory):
				metrics.SetErrorStage("invalid_category")
				err = c.JSON(http.StatusBadRequest, errorResponse{Error: proposeErr.Error()})
			default:
				metrics.SetErrorStage("propose")
				err = c.JSON(http.StatusBadRequest, errorResponse{Error: proposeErr.Error()})
			}
			return err
		}

		commitStart := time.Now()
		_, commitErr := b.CommitPending(ctx, questionID)
		metrics.ObserveCommit(time.Since(commitStart))
		if commitErr != nil {
			switch {
			case errors.Is(commitErr, board.ErrNoPendingEdit):
				// Proposing the committed value cleared the edit; nothing to
				// persist, answer with current state.
			case errors.Is(commitErr, board.ErrCommitInProgress):
				rollbackDedupe()
				metrics.SetErrorStage("commit_in_progress")
				metrics.SetRetryable(true)
				err = c.JSON(http.StatusConflict, errorResponse{Error: "a commit for this question is already in flight", Retryable: true})
				return err
			case isRejected(commitErr):
				rollbackDedupe()
				metrics.SetErrorStage("persist_rejected")
				err = c.JSON(http.StatusConflict, errorResponse{Error: commitErr.Error()})
				return err
			default:
				rollbackDedupe()
				metrics.SetErrorStage("persist_transient")
				metrics.SetRetryable(true)
				err = c.JSON(http.StatusBadGateway, errorResponse{Error: "classification could not be saved, try again", Retryable: true})
				return err
			}
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, labelResponseFrom(questionID, b.Snapshot()))
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func deleteLabel(boards *boardRegistry, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		b, err := boards.get(ctx, userID, c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Retryable: true})
		}
		if err := b.RevertPending(c.Param("qid")); err != nil {
			if errors.Is(err, board.ErrUnknownQuestion) {
				return c.JSON(http.StatusNotFound, errorResponse{Error: "question not found"})
			}
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteRun(store Storage, boards *boardRegistry, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		runID := c.Param("id")

		if err := store.DeleteRun(ctx, userID, runID); err != nil {
			if isRejected(err) {
				return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
			}
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Retryable: true})
		}
		boards.evict(userID, runID)
		return c.NoContent(http.StatusNoContent)
	}
}

func bulkDeleteRuns(store Storage, boards *boardRegistry, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, bulkDeleteMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()
		var req bulkDeleteRequest
		if err := dec.Decode(&req); err != nil || len(req.RunIDs) == 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		deleted := 0
		for _, runID := range req.RunIDs {
			if err := store.DeleteRun(ctx, userID, runID); err != nil {
				if isRejected(err) {
					continue
				}
				c.Logger().Error(err)
				return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Retryable: true})
			}
			boards.evict(userID, runID)
			deleted++
		}
		return c.JSON(http.StatusOK, bulkDeleteResponse{Deleted: deleted})
	}
}

func getStats(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var stats statsResponse
		token := ""
		for {
			runs, next, err := store.FetchRuns(ctx, userID, token, 0)
			if err != nil {
				c.Logger().Error(err)
				return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Retryable: true})
			}
			for _, run := range runs {
				if run.Status != domain.RunCompleted {
					continue
				}
				aggregate(&stats, run)
			}
			if next == "" {
				break
			}
			token = next
		}

		stats.LowerOrderCount = stats.Counts.C1 + stats.Counts.C2
		stats.HigherOrderCount = stats.Counts.Total() - stats.LowerOrderCount
		stats.Distribution = percentages(stats.Counts, stats.TotalQuestions)
		if stats.TotalRuns > 0 {
			stats.AverageQuestions = math.Round(float64(stats.TotalQuestions)/float64(stats.TotalRuns)*10) / 10
		}
		return c.JSON(http.StatusOK, stats)
	}
}

// labelResponseFrom shapes the commit result the way the reclassification UI
// consumes it: the question's current labels plus the refreshed aggregates.
func labelResponseFrom(questionID string, snap board.Snapshot) labelResponse {
	resp := labelResponse{
		QuestionID:       questionID,
		Counts:           snap.CommittedCounts,
		Total:            snap.Total,
		LowerOrderCount:  snap.LowerOrderCount,
		HigherOrderCount: snap.HigherOrderCount,
		HighestCategory:  snap.HighestCategory,
		Distribution:     snap.Distribution,
	}
	for _, view := range snap.Questions {
		if view.ID == questionID {
			resp.Committed = view.Category
			resp.CategoryName = view.Category.Name()
			resp.Pending = view.Pending
			break
		}
	}
	return resp
}

// percentages converts counts to a per-category share rounded to one decimal.
func percentages(counts domain.Counts, total int) map[domain.Category]float64 {
	out := make(map[domain.Category]float64, 6)
	for _, cat := range domain.Categories() {
		if total == 0 {
			out[cat] = 0
			continue
		}
		out[cat] = math.Round(float64(counts.Of(cat))/float64(total)*1000) / 10
	}
	return out
}
