package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/httprunner/MinerAgent/pkg/miner"
)

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api")
	api.GET("/machines", s.handleMachines)
	api.GET("/machines/:addr", s.handleMachine)
	api.GET("/switch-records", s.handleSwitchRecords)
	api.GET("/records", s.handleRecords)

	api.POST("/scan", s.handleScan)
	api.POST("/switch", s.handleSwitch)
	api.POST("/reboot", s.handleReboot)
	api.POST("/watch", s.handleWatch)
}

type scanRequest struct {
	Ranges      []string `json:"ranges" binding:"required,min=1"`
	Concurrency int      `json:"concurrency" binding:"gte=0,lte=1024"`
}

type switchRequest struct {
	Targets []string           `json:"targets" binding:"required,min=1"`
	Pools   []miner.PoolConfig `json:"pools" binding:"required,min=1,max=3"`
	// Force applies pools unconditionally, like a batch configure.
	Force    bool           `json:"force"`
	WorkMode miner.WorkMode `json:"work_mode" binding:"omitempty,oneof=normal high"`
}

type rebootRequest struct {
	Targets []string `json:"targets" binding:"required,min=1"`
}

func (s *Server) handleMachines(c *gin.Context) {
	vendor := c.Query("vendor")
	status := c.Query("status")
	machines := s.opts.Fleet.Inventory().List()
	out := make([]miner.MachineInfo, 0, len(machines))
	for _, m := range machines {
		if vendor != "" && string(m.Vendor) != vendor {
			continue
		}
		if status != "" && string(m.Status) != status {
			continue
		}
		out = append(out, m)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "machines": out})
}

func (s *Server) handleMachine(c *gin.Context) {
	m, ok := s.opts.Fleet.Inventory().Get(c.Param("addr"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "machine not found"})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleSwitchRecords(c *gin.Context) {
	addr := c.Query("address")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if s.opts.History == nil {
		// 未启用存储时仅返回内存中的最近记录
		records := s.opts.Fleet.Ledger().Records()
		if addr != "" {
			filtered := records[:0]
			for _, r := range records {
				if r.Address == addr {
					filtered = append(filtered, r)
				}
			}
			records = filtered
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
		return
	}
	records, err := s.opts.History.SwitchHistory(c.Request.Context(), addr, limit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) handleRecords(c *gin.Context) {
	if s.opts.History == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "metric history requires storage"})
		return
	}
	from, err := parseTime(c.Query("from"))
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		badRequest(c, err)
		return
	}
	records, err := s.opts.History.QueryRecords(c.Request.Context(), c.Query("address"), from, to)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "records": records})
}

func (s *Server) handleScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Concurrency == 0 {
		req.Concurrency = s.opts.ScanConcurrency
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	summary, err := s.opts.Fleet.Scan(ctx, req.Ranges, req.Concurrency)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "vendors": summary.VendorCounts()})
}

func (s *Server) handleSwitch(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	policy := s.opts.SwitchPolicy
	policy.Force = req.Force
	policy.WorkMode = req.WorkMode
	outcomes, err := s.opts.Fleet.SwitchIfNeeded(ctx, req.Targets, req.Pools, policy)
	if err != nil {
		badRequest(c, err)
		return
	}
	resp := gin.H{"outcomes": outcomes}
	if err := outcomes.Err(); err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReboot(c *gin.Context) {
	var req rebootRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	outcomes, err := s.opts.Fleet.Reboot(ctx, req.Targets, s.opts.RebootPolicy)
	if err != nil {
		badRequest(c, err)
		return
	}
	resp := gin.H{"outcomes": outcomes}
	if err := outcomes.Err(); err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWatch(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()
	alerts, err := s.opts.Fleet.Watch(ctx, time.Now())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "alerts": alerts})
}
