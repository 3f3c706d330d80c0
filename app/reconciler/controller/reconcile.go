package controller

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type rangeRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Fresh bool   `json:"fresh"`
}

func parseRange(op, start, end string) (time.Time, time.Time, error) {
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, faults.InvalidParameter(op, "start and end are required")
	}
	s, err := utils.ParseDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, faults.InvalidParameter(op, "%v", err)
	}
	e, err := utils.ParseDate(end)
	if err != nil {
		return time.Time{}, time.Time{}, faults.InvalidParameter(op, "%v", err)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, faults.InvalidParameter(op, "end %s is before start %s", end, start)
	}
	return s, e, nil
}

func decodeRange(r *http.Request) (rangeRequest, error) {
	var in rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		return in, faults.InvalidParameter("decode", "bad json: %v", err)
	}
	return in, nil
}

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.Service.Health(r.Context()); err != nil {
		c.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus returns the checkpoint and, with ?start&end, range completeness.
func (c *Controller) HandleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var start, end time.Time
	if q.Get("start") != "" || q.Get("end") != "" {
		var err error
		if start, end, err = parseRange("status", q.Get("start"), q.Get("end")); err != nil {
			c.writeFailure(w, "status", err)
			return
		}
	}
	st, err := c.Service.Status(r.Context(), start, end)
	if err != nil {
		c.writeFailure(w, "status", err)
		return
	}
	c.writeJSON(w, http.StatusOK, st)
}

func (c *Controller) HandleAnalyzeRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := parseRange("analyze", q.Get("start"), q.Get("end"))
	if err != nil {
		c.writeFailure(w, "analyze", err)
		return
	}
	rs, err := c.Service.AnalyzeRange(r.Context(), start, end)
	if err != nil {
		c.writeFailure(w, "analyze", err)
		return
	}
	c.writeJSON(w, http.StatusOK, rs)
}

func (c *Controller) HandleAnalyzeDate(w http.ResponseWriter, r *http.Request) {
	date, err := utils.ParseDate(mux.Vars(r)["date"])
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := c.Service.Analyze(r.Context(), date)
	if err != nil {
		c.writeFailure(w, "analyze_date", err)
		return
	}
	c.writeJSON(w, http.StatusOK, a)
}

// HandleReconcile starts a checkpointed run and returns immediately; progress is on /api/ws
// and /api/status.
func (c *Controller) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	in, err := decodeRange(r)
	if err != nil {
		c.writeFailure(w, "reconcile", err)
		return
	}
	start, end, err := parseRange("reconcile", in.Start, in.End)
	if err != nil {
		c.writeFailure(w, "reconcile", err)
		return
	}
	if err := c.Service.StartReconcile(r.Context(), types.BatchInput{Start: start, End: end, Fresh: in.Fresh}); err != nil {
		c.writeFailure(w, "reconcile", err)
		return
	}
	c.Logger.Info("reconcile started via api",
		zap.String("user", c.currentUser(r)),
		zap.String("start", in.Start),
		zap.String("end", in.End),
		zap.Bool("fresh", in.Fresh))
	c.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "started",
		"start":  utils.FormatDate(start),
		"end":    utils.FormatDate(end),
		"fresh":  in.Fresh,
	})
}

// HandleFixDate repairs one date synchronously. ?force=true recomputes every model.
func (c *Controller) HandleFixDate(w http.ResponseWriter, r *http.Request) {
	date, err := utils.ParseDate(mux.Vars(r)["date"])
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			c.writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
	}
	res, err := c.Service.FixDate(r.Context(), types.FixInput{Date: date, Force: force})
	if err != nil {
		c.writeFailure(w, "fix_date", err)
		return
	}
	c.Logger.Info("date fixed via api", zap.String("user", c.currentUser(r)), zap.String("date", utils.FormatDate(date)))
	c.writeJSON(w, http.StatusOK, res)
}

// HandleFixRange runs a non-checkpointed repair of a range and returns its summary.
func (c *Controller) HandleFixRange(w http.ResponseWriter, r *http.Request) {
	in, err := decodeRange(r)
	if err != nil {
		c.writeFailure(w, "fix_range", err)
		return
	}
	start, end, err := parseRange("fix_range", in.Start, in.End)
	if err != nil {
		c.writeFailure(w, "fix_range", err)
		return
	}
	sum, err := c.Service.FixRange(r.Context(), start, end)
	if err != nil {
		c.writeFailure(w, "fix_range", err)
		return
	}
	c.writeJSON(w, http.StatusOK, sum)
}

func (c *Controller) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := c.Service.Checkpoint(r.Context())
	if err != nil {
		c.writeFailure(w, "checkpoint", err)
		return
	}
	if cp == nil {
		c.writeError(w, http.StatusNotFound, "no checkpoint")
		return
	}
	c.writeJSON(w, http.StatusOK, cp)
}

func (c *Controller) HandleResetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := c.Service.ResetCheckpoint(r.Context()); err != nil {
		c.writeFailure(w, "reset_checkpoint", err)
		return
	}
	c.Logger.Info("checkpoint reset via api", zap.String("user", c.currentUser(r)))
	c.writeJSON(w, http.StatusOK, map[string]string{"ok": "1"})
}
