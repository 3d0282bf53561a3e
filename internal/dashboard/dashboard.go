// Package dashboard serves the local management API: backend server
// and workflow administration, pipeline and batch control, run history
// and live event push.
package dashboard

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comfyclaw/node/internal/batch"
	"github.com/comfyclaw/node/internal/comfy"
	"github.com/comfyclaw/node/internal/history"
	"github.com/comfyclaw/node/internal/logger"
	"github.com/comfyclaw/node/internal/pipeline"
	"github.com/comfyclaw/node/internal/provider"
	"github.com/comfyclaw/node/internal/store"
)

// Dashboard wires the management API to the node's components.
type Dashboard struct {
	store     *store.Store
	hist      *history.DB
	prov      *provider.Provider
	pipelines *pipeline.Orchestrator
	batches   *batch.Orchestrator
	hub       *EventHub
}

// New creates the dashboard. hist may be nil; the stats endpoints then
// report empty aggregates.
func New(st *store.Store, hist *history.DB, prov *provider.Provider, pipes *pipeline.Orchestrator, batches *batch.Orchestrator) *Dashboard {
	return &Dashboard{
		store:     st,
		hist:      hist,
		prov:      prov,
		pipelines: pipes,
		batches:   batches,
		hub:       NewEventHub(),
	}
}

// Hub returns the event hub, for wiring as the provider's event sink.
func (d *Dashboard) Hub() *EventHub { return d.hub }

// Serve runs the HTTP server until ctx is cancelled.
func (d *Dashboard) Serve(ctx context.Context, addr string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	d.registerRoutes(r)

	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	lg := logger.With("dashboard")
	lg.Info().Str("addr", addr).Msg("dashboard listening")
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (d *Dashboard) registerRoutes(r *gin.Engine) {
	r.GET("/api/health", d.health)
	r.GET("/api/status", d.status)
	r.GET("/api/stats", d.stats)
	r.GET("/api/runs", d.recentRuns)
	r.GET("/api/events", d.hub.Handle)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/api/servers", d.listServers)
	r.POST("/api/servers", d.addServer)
	r.PUT("/api/servers/:id", d.updateServer)
	r.DELETE("/api/servers/:id", d.deleteServer)
	r.POST("/api/servers/:id/test", d.testServer)
	r.POST("/api/servers/:id/upload", d.uploadToServer)

	r.GET("/api/workflows", d.listWorkflows)
	r.POST("/api/workflows", d.importWorkflow)
	r.GET("/api/workflows/:id", d.getWorkflow)
	r.PUT("/api/workflows/:id", d.updateWorkflow)
	r.DELETE("/api/workflows/:id", d.deleteWorkflow)
	r.POST("/api/workflows/:id/publish", d.publishWorkflow)

	r.GET("/api/templates", d.listTemplates)
	r.POST("/api/templates", d.addTemplate)
	r.DELETE("/api/templates/:id", d.deleteTemplate)

	r.GET("/api/pipelines", d.listPipelines)
	r.POST("/api/pipelines", d.addPipeline)
	r.DELETE("/api/pipelines/:id", d.deletePipeline)

	r.POST("/api/pipeline-runs", d.startPipeline)
	r.GET("/api/pipeline-runs", d.listPipelineRuns)
	r.GET("/api/pipeline-runs/:id", d.getPipelineRun)

	r.POST("/api/batches", d.submitBatch)
	r.GET("/api/batches", d.listBatches)
	r.GET("/api/batches/:id", d.getBatch)
}

func (d *Dashboard) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (d *Dashboard) status(c *gin.Context) {
	c.JSON(http.StatusOK, d.prov.Status())
}

func (d *Dashboard) stats(c *gin.Context) {
	if d.hist == nil {
		c.JSON(http.StatusOK, &history.AggregateStats{})
		return
	}
	stats, err := d.hist.GetAggregateStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (d *Dashboard) recentRuns(c *gin.Context) {
	if d.hist == nil {
		c.JSON(http.StatusOK, []history.Record{})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		limit = 50
	}
	runs, err := d.hist.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []history.Record{}
	}
	c.JSON(http.StatusOK, runs)
}

// ─────────────────────────────────────────────
// Servers
// ─────────────────────────────────────────────

func (d *Dashboard) listServers(c *gin.Context) {
	c.JSON(http.StatusOK, d.store.Servers())
}

func (d *Dashboard) addServer(c *gin.Context) {
	var srv store.Server
	if err := c.ShouldBindJSON(&srv); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if srv.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	added, err := d.store.AddServer(srv)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, added)
}

func (d *Dashboard) updateServer(c *gin.Context) {
	var srv store.Server
	if err := c.ShouldBindJSON(&srv); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	srv.ID = c.Param("id")
	updated, err := d.store.UpdateServer(srv)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (d *Dashboard) deleteServer(c *gin.Context) {
	if err := d.store.DeleteServer(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// testServer checks connectivity and reports the backend's devices.
func (d *Dashboard) testServer(c *gin.Context) {
	srv, ok := d.store.FindServer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}
	stats, err := comfy.NewClient(srv.URL, srv.APIKey).SystemStats()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "devices": stats.Devices})
}

// uploadToServer proxies a multipart upload to the backend, so browser
// clients never need direct backend access.
func (d *Dashboard) uploadToServer(c *gin.Context) {
	srv, ok := d.store.FindServer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return
	}
	raw, err := comfy.NewClient(srv.URL, srv.APIKey).Upload(c.ContentType(), c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// ─────────────────────────────────────────────
// Workflows
// ─────────────────────────────────────────────

func (d *Dashboard) listWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, d.store.Workflows())
}

func (d *Dashboard) getWorkflow(c *gin.Context) {
	wf, ok := d.store.FindWorkflow(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return
	}
	c.JSON(http.StatusOK, wf)
}

// importWorkflow stores a new workflow and auto-detects its input and
// output nodes from the graph.
func (d *Dashboard) importWorkflow(c *gin.Context) {
	var wf store.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if wf.WorkflowJSON == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflowJson is required"})
		return
	}
	if _, ok := d.store.FindServer(wf.ServerRef); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serverRef does not name a configured server"})
		return
	}

	inputs, outputs, err := comfy.DetectNodes(wf.WorkflowJSON)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(wf.SecondaryInputNodes) == 0 {
		wf.SecondaryInputNodes = toNodeRefs(inputs)
	}
	if len(wf.PrimaryOutputNodes) == 0 {
		wf.PrimaryOutputNodes = toNodeRefs(outputs)
	}

	added, err := d.store.AddWorkflow(wf)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, added)
}

func toNodeRefs(nodes []comfy.DetectedNode) []store.NodeRef {
	refs := make([]store.NodeRef, 0, len(nodes))
	for _, n := range nodes {
		refs = append(refs, store.NodeRef{
			NodeID:       n.NodeID,
			FieldPath:    n.FieldPath,
			Label:        n.Label,
			Type:         n.Type,
			CurrentValue: n.CurrentValue,
			Description:  n.Description,
		})
	}
	return refs
}

func (d *Dashboard) updateWorkflow(c *gin.Context) {
	var wf store.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wf.ID = c.Param("id")
	updated, err := d.store.UpdateWorkflow(wf)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (d *Dashboard) deleteWorkflow(c *gin.Context) {
	if err := d.store.DeleteWorkflow(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (d *Dashboard) publishWorkflow(c *gin.Context) {
	var req struct {
		Published bool `json:"published"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := d.store.SetPublished(c.Param("id"), req.Published); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"published": req.Published})
}

// ─────────────────────────────────────────────
// Templates
// ─────────────────────────────────────────────

func (d *Dashboard) listTemplates(c *gin.Context) {
	templates := d.store.Templates(c.Query("workflowId"))
	if templates == nil {
		templates = []store.Template{}
	}
	c.JSON(http.StatusOK, templates)
}

func (d *Dashboard) addTemplate(c *gin.Context) {
	var t store.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if t.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	added, err := d.store.AddTemplate(t)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, added)
}

func (d *Dashboard) deleteTemplate(c *gin.Context) {
	if err := d.store.DeleteTemplate(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ─────────────────────────────────────────────
// Saved pipelines and pipeline runs
// ─────────────────────────────────────────────

func (d *Dashboard) listPipelines(c *gin.Context) {
	c.JSON(http.StatusOK, d.store.Pipelines())
}

func (d *Dashboard) addPipeline(c *gin.Context) {
	var p store.Pipeline
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(p.Steps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "steps are required"})
		return
	}
	added, err := d.store.AddPipeline(p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, added)
}

func (d *Dashboard) deletePipeline(c *gin.Context) {
	if err := d.store.DeletePipeline(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// startPipeline launches a run, either from a saved pipeline by id or
// from inline steps.
func (d *Dashboard) startPipeline(c *gin.Context) {
	var req struct {
		PipelineID string               `json:"pipelineId"`
		Name       string               `json:"name"`
		Steps      []store.PipelineStep `json:"steps"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := req.Name
	steps := req.Steps
	if req.PipelineID != "" {
		var found bool
		for _, p := range d.store.Pipelines() {
			if p.ID == req.PipelineID || p.Name == req.PipelineID {
				name, steps, found = p.Name, p.Steps, true
				break
			}
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
			return
		}
	}

	// The run must outlive this request; its own poll budgets bound it.
	id, err := d.pipelines.Start(context.Background(), name, steps)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d.hub.Publish("pipeline_started", gin.H{"pipelineId": id, "steps": len(steps)})
	c.JSON(http.StatusAccepted, gin.H{"pipelineId": id})
}

func (d *Dashboard) listPipelineRuns(c *gin.Context) {
	c.JSON(http.StatusOK, d.pipelines.Runs())
}

func (d *Dashboard) getPipelineRun(c *gin.Context) {
	run, ok := d.pipelines.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "pipeline run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// ─────────────────────────────────────────────
// Batches
// ─────────────────────────────────────────────

func (d *Dashboard) submitBatch(c *gin.Context) {
	var req struct {
		WorkflowID string                 `json:"workflowId"`
		Inputs     map[string]interface{} `json:"inputs"`
		Variations int                    `json:"variations"`
		VarySeed   bool                   `json:"varySeed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.WorkflowID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflowId is required"})
		return
	}

	b, err := d.batches.Submit(req.WorkflowID, req.Inputs, req.Variations, req.VarySeed)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d.hub.Publish("batch_submitted", gin.H{"batchId": b.ID, "variations": b.Variations})
	c.JSON(http.StatusAccepted, b)
}

func (d *Dashboard) listBatches(c *gin.Context) {
	c.JSON(http.StatusOK, d.batches.Batches())
}

// getBatch refreshes still-queued runs against the backend before
// answering, so polling this endpoint drives batch completion.
func (d *Dashboard) getBatch(c *gin.Context) {
	b, ok := d.batches.Refresh(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	c.JSON(http.StatusOK, b)
}
