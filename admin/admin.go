// Package admin hosts the management surface on the baseline port:
// provider health, resource listings, direct invocation, state reset,
// a service proxy for the dashboard and a websocket log stream.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
	"lws.localdev.org/compute"
	"lws.localdev.org/gateway"
	"lws.localdev.org/httpx"
	"lws.localdev.org/iam"
	"lws.localdev.org/identity"
	"lws.localdev.org/kv"
	"lws.localdev.org/object"
	"lws.localdev.org/orchestrator"
	"lws.localdev.org/params"
	"lws.localdev.org/pubsub"
	"lws.localdev.org/queue"
	"lws.localdev.org/secrets"
	"lws.localdev.org/service"
	"lws.localdev.org/workflow"
)

// Resources bundles everything the management surface can reach.
type Resources struct {
	KV        *kv.Engine
	Queues    *queue.Registry
	Objects   *object.Engine
	Topics    *pubsub.Topics
	Buses     *pubsub.Buses
	Workflow  *workflow.Engine
	Identity  *identity.Engine
	Functions *compute.Registry
	Params    *params.Store
	Secrets   *secrets.Store
	Gateway   *gateway.Gateway
	Evaluator *iam.Evaluator
}

// Server is the baseline-port provider. When gateway routes are
// declared it also serves them on the catch-all, so one port carries
// both the management prefix and the public API.
type Server struct {
	cfg    httpx.ServerConfig
	e      *echo.Echo
	orch   *orchestrator.Orchestrator
	res    Resources
	logs   *common.LogBuffer
	ports  map[string]int
	log    *logrus.Entry
	client *http.Client
}

func NewServer(basePort int, orch *orchestrator.Orchestrator, res Resources, logs *common.LogBuffer, ports map[string]int) *Server {
	cfg := httpx.DefaultServerConfig(basePort)
	e := httpx.NewEchoServer(cfg)
	s := &Server{
		cfg:    cfg,
		e:      e,
		orch:   orch,
		res:    res,
		logs:   logs,
		ports:  ports,
		log:    common.ServiceLogger("admin"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
	e.Use(httpx.AccessLog("admin", logs))

	g := e.Group("/_lws")
	g.GET("/status", s.status)
	g.GET("/resources", s.resources)
	g.POST("/invoke", s.invoke)
	g.POST("/reset", s.reset)
	g.POST("/service-proxy", s.serviceProxy)
	g.GET("/ws/logs", s.wsLogs)
	g.POST("/iam-auth", s.iamAuth)

	if res.Gateway != nil && res.Gateway.HasRoutes() {
		service.RegisterGatewayManagement(e, res.Gateway)
		e.Any("/*", res.Gateway.Handle)
	}
	return s
}

func (s *Server) Name() string { return "admin" }

func (s *Server) Start(context.Context) error {
	return httpx.Start(s.e, s.cfg)
}

func (s *Server) Stop(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	return httpx.GracefulShutdown(s.e, timeout)
}

func (s *Server) Health(context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return fmt.Errorf("admin not listening on %s: %w", addr, err)
	}
	return conn.Close()
}

func (s *Server) status(c echo.Context) error {
	c.Set("operation", "Status")
	snapshot := s.orch.HealthSnapshot(c.Request().Context())
	out := make(map[string]string, len(snapshot))
	for name, err := range snapshot {
		if err != nil {
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"services": out})
}

func (s *Server) resources(c echo.Context) error {
	c.Set("operation", "Resources")
	out := map[string]any{}

	tables, _ := s.res.KV.ListTables()
	tableEntries := make([]map[string]string, 0, len(tables))
	for _, name := range tables {
		tableEntries = append(tableEntries, map[string]string{"name": name, "arn": common.TableARN(name)})
	}
	out["kv"] = map[string]any{"port": s.ports["kv"], "tables": tableEntries}

	queues := s.res.Queues.ListQueues("")
	queueEntries := make([]map[string]string, 0, len(queues))
	for _, name := range queues {
		queueEntries = append(queueEntries, map[string]string{"name": name, "arn": common.QueueARN(name)})
	}
	out["queue"] = map[string]any{"port": s.ports["queue"], "queues": queueEntries}

	buckets, _ := s.res.Objects.ListBuckets()
	bucketEntries := make([]map[string]string, 0, len(buckets))
	for _, b := range buckets {
		bucketEntries = append(bucketEntries, map[string]string{"name": b.Name, "arn": common.BucketARN(b.Name)})
	}
	out["object"] = map[string]any{"port": s.ports["object"], "buckets": bucketEntries}

	out["pubsub"] = map[string]any{"port": s.ports["pubsub"], "topics": s.res.Topics.ListTopics()}
	out["bus"] = map[string]any{"port": s.ports["bus"], "buses": s.res.Buses.ListBuses()}

	machines := s.res.Workflow.ListMachines()
	machineEntries := make([]map[string]string, 0, len(machines))
	for _, m := range machines {
		machineEntries = append(machineEntries, map[string]string{"name": m.Name, "arn": m.ARN})
	}
	out["workflow"] = map[string]any{"port": s.ports["workflow"], "stateMachines": machineEntries}

	pools, _ := s.res.Identity.ListPools()
	poolEntries := make([]map[string]string, 0, len(pools))
	for _, p := range pools {
		poolEntries = append(poolEntries, map[string]string{"id": p.ID, "name": p.Config.Name, "arn": p.ARN})
	}
	out["identity"] = map[string]any{"port": s.ports["identity"], "pools": poolEntries}

	fns := s.res.Functions.ListFunctions()
	fnEntries := make([]map[string]string, 0, len(fns))
	for _, fn := range fns {
		fnEntries = append(fnEntries, map[string]string{"name": fn.Name, "arn": fn.ARN})
	}
	out["compute"] = map[string]any{"port": s.ports["compute"], "functions": fnEntries}

	paramEntries := []string{}
	for _, p := range s.res.Params.List() {
		paramEntries = append(paramEntries, p.Name)
	}
	out["params"] = map[string]any{"port": s.ports["params"], "parameters": paramEntries}

	secretEntries := []string{}
	for _, sec := range s.res.Secrets.List() {
		secretEntries = append(secretEntries, sec.Name)
	}
	out["secrets"] = map[string]any{"port": s.ports["secrets"], "secrets": secretEntries}

	if s.res.Gateway != nil {
		out["gateway"] = map[string]any{"port": s.ports["gateway"], "routes": s.res.Gateway.ListRoutes()}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) invoke(c echo.Context) error {
	c.Set("operation", "Invoke")
	var req struct {
		FunctionName string          `json:"function_name"`
		Event        json.RawMessage `json:"event"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
	}
	out, err := s.res.Functions.Invoke(c.Request().Context(), req.FunctionName, req.Event)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
	}
	if len(out) == 0 {
		out = []byte("null")
	}
	return c.JSONBlob(http.StatusOK, out)
}

// reset clears ephemeral engines. Persisted stores (tables, buckets,
// pools) survive, matching what a process restart would keep.
func (s *Server) reset(c echo.Context) error {
	c.Set("operation", "Reset")
	s.res.Queues.Reset()
	s.res.Topics.Reset()
	s.res.Buses.Reset()
	s.res.Workflow.Reset()
	s.res.Params.Reset()
	s.res.Secrets.Reset()
	s.log.Info("ephemeral state cleared")
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

// serviceProxy forwards a request to a colocated service port. Only
// loopback targets are allowed.
func (s *Server) serviceProxy(c echo.Context) error {
	c.Set("operation", "ServiceProxy")
	var req struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
	}
	if !strings.HasPrefix(req.URL, "http://127.0.0.1:") && !strings.HasPrefix(req.URL, "http://localhost:") {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "proxy target must be a local service"})
	}
	fwd, err := http.NewRequestWithContext(c.Request().Context(), strings.ToUpper(req.Method), req.URL, strings.NewReader(req.Body))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
	}
	for k, v := range req.Headers {
		fwd.Header.Set(k, v)
	}
	resp, err := s.client.Do(fwd)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"message": err.Error()})
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"message": err.Error()})
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    string(body),
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsLogs replays the access log ring buffer, then streams live records
// until the client goes away.
func (s *Server) wsLogs(c echo.Context) error {
	c.Set("operation", "LogStream")
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, rec := range s.logs.Snapshot() {
		if err := conn.WriteJSON(rec); err != nil {
			return nil
		}
	}
	live, cancel := s.logs.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case rec, ok := <-live:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(rec); err != nil {
				return nil
			}
		case <-closed:
			return nil
		}
	}
}

// iamAuth installs identity records and optionally flips the
// enforcement mode.
func (s *Server) iamAuth(c echo.Context) error {
	c.Set("operation", "IAMAuth")
	var req struct {
		Mode       string         `json:"mode"`
		Identities []iam.Identity `json:"identities"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": err.Error()})
	}
	if req.Mode != "" {
		s.res.Evaluator.SetMode(iam.Mode(req.Mode))
	}
	for _, id := range req.Identities {
		if id.Name == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"message": "identity name is required"})
		}
		s.res.Evaluator.PutIdentity(id)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"mode":       s.res.Evaluator.Mode(),
		"identities": len(req.Identities),
	})
}
