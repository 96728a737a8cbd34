package api

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"bloomers/domain"
)

// getExport writes the run's questions as a CSV report.
func getExport(store Storage, auth Authenticator) echo.HandlerFunc {
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
		if !run.HasResults() {
			return c.JSON(http.StatusConflict, errorResponse{Error: "run has no results to export"})
		}

		questions, err := store.FetchQuestions(ctx, userID, runID)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Retryable: true})
		}

		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"Number", "Question", "Category", "Level", "Confidence", "Manually Reclassified"})
		for _, q := range questions {
			_ = w.Write([]string{
				strconv.Itoa(q.Number),
				q.Text,
				string(q.Category),
				q.Category.Name(),
				fmt.Sprintf("%.2f", q.Confidence),
				strconv.FormatBool(q.ManuallyClassified),
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}

		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s.csv"`, runID))
		return c.Blob(http.StatusOK, "text/csv", buf.Bytes())
	}
}

// aggregate folds one completed run into the running stats totals.
func aggregate(stats *statsResponse, run domain.Run) {
	stats.TotalRuns++
	stats.TotalQuestions += run.TotalQuestions
	stats.Counts.C1 += run.Counts.C1
	stats.Counts.C2 += run.Counts.C2
	stats.Counts.C3 += run.Counts.C3
	stats.Counts.C4 += run.Counts.C4
	stats.Counts.C5 += run.Counts.C5
	stats.Counts.C6 += run.Counts.C6
}
