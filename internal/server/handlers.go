package server

import (
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"uniscan/internal/errs"
)

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// markRequest accepts the mobile client's qrCodeData field as well as
// code_data.
type markRequest struct {
	QRCodeData string `json:"qrCodeData"`
	CodeData   string `json:"code_data"`
}

func (m markRequest) code() string {
	if m.QRCodeData != "" {
		return m.QRCodeData
	}
	return m.CodeData
}

func writeError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errs.Message(err), "kind": kind})
}

func (h *handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Validation("invalid request body"))
		return
	}
	u, err := h.svc.Register(c.Request.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "User registered successfully", "user": u})
}

func (h *handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Validation("invalid request body"))
		return
	}
	res, err := h.svc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) me(c *gin.Context) {
	u, err := h.svc.Me(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *handler) markAttendance(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Validation("invalid request body"))
		return
	}
	rec, err := h.svc.MarkAttendance(c.Request.Context(), req.code())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Attendance validated and saved!", "record": rec})
}

func (h *handler) history(c *gin.Context) {
	recs, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

type codeCount struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

func (h *handler) dailyTally(c *gin.Context) {
	day := strings.TrimSpace(c.Query("date"))
	if day == "" {
		day = h.clock.Now().In(h.loc).Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, day); err != nil {
		writeError(c, errs.Validation("date must be YYYY-MM-DD"))
		return
	}
	counts, err := h.tally.Counts(c.Request.Context(), day)
	if err != nil {
		writeError(c, errs.Store(err))
		return
	}
	out := make([]codeCount, 0, len(counts))
	for code, n := range counts {
		out = append(out, codeCount{Code: code, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})
	c.JSON(http.StatusOK, gin.H{"date": day, "counts": out})
}

func (h *handler) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, probe := range h.probes {
		ok := probe(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
