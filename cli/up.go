package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lws.localdev.org/admin"
	"lws.localdev.org/common"
	"lws.localdev.org/compute"
	"lws.localdev.org/config"
	"lws.localdev.org/fabric"
	"lws.localdev.org/gateway"
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

// tokenSigningKey signs identity pool tokens. The emulator does not
// gatekeep the developer, so a fixed key keeps tokens valid across
// restarts.
const tokenSigningKey = "lws-local-token-key"

func init() {
	RootCmd.AddCommand(upCmd)
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "start all service providers",
	Long: `Assemble the engines, create bootstrap resources and start every
service provider in dependency order. Blocks until SIGINT or SIGTERM,
then shuts providers down in reverse order.`,
	RunE: runUp,
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	log := common.ServiceLogger("lws")

	evaluator := iam.NewEvaluator(iam.Mode(cfg.IAM.Mode))
	for _, id := range cfg.IAM.Identities {
		evaluator.PutIdentity(id)
	}
	logs := common.NewLogBuffer(cfg.Logging.BufferSize)
	deps := &service.Deps{
		BasePort:  cfg.Server.Port,
		Logs:      logs,
		Evaluator: evaluator,
		Chaos:     cfg.Chaos,
	}

	kvEngine, err := kv.Open(filepath.Join(cfg.DataDir, "kv"), 0)
	if err != nil {
		return fmt.Errorf("open kv engine: %w", err)
	}
	defer kvEngine.Close()

	objEngine, err := object.Open(filepath.Join(cfg.DataDir, "object"))
	if err != nil {
		return fmt.Errorf("open object engine: %w", err)
	}

	idEngine, err := identity.Open(filepath.Join(cfg.DataDir, "identity"), []byte(tokenSigningKey))
	if err != nil {
		return fmt.Errorf("open identity engine: %w", err)
	}
	defer idEngine.Close()

	queueBase := fmt.Sprintf("http://localhost:%d", cfg.Server.Port+service.OffsetQueue)
	queues := queue.NewRegistry(queueBase)

	registry := compute.NewRegistry()
	registerBuiltins(registry)

	fab := fabric.New(queues, cfg.Fabric.BatchWindow)
	fab.SetInvoker(registry)
	topics := pubsub.NewTopics(fab)
	buses := pubsub.NewBuses(fab)
	fab.SetTopicPublisher(topics)
	kvEngine.SetStreamSink(fab.StreamSink())
	objEngine.SetNotificationHook(fab.NotificationHook())
	idEngine.SetInvoker(registry)

	wf := workflow.NewEngine(registry, time.Duration(cfg.Workflow.MaxWaitSeconds)*time.Second)
	gw := gateway.New(registry)

	paramStore := params.NewStore()
	secretStore := secrets.NewStore()

	if err := bootstrap(cfg, kvEngine, queues, objEngine, topics, buses, registry, wf, gw, fab, paramStore, secretStore); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	orch := orchestrator.New()
	order := []string{
		"kv", "queue", "object", "pubsub", "bus", "compute",
		"workflow", "identity", "gateway", "iam", "sts",
		"params", "secrets", "admin",
	}
	orch.Register(service.NewKVProvider(deps, kvEngine))
	orch.Register(service.NewQueueProvider(deps, queues))
	orch.Register(service.NewObjectProvider(deps, objEngine))
	orch.Register(service.NewPubSubProvider(deps, topics))
	orch.Register(service.NewBusProvider(deps, buses))
	orch.Register(service.NewComputeProvider(deps, registry, fab))
	orch.Register(service.NewWorkflowProvider(deps, wf))
	orch.Register(service.NewIdentityProvider(deps, idEngine))
	orch.Register(service.NewGatewayProvider(deps, gw))
	orch.Register(service.NewIAMStubProvider(deps, evaluator))
	orch.Register(service.NewSTSStubProvider(deps, evaluator))
	orch.Register(service.NewParamsProvider(deps, paramStore))
	orch.Register(service.NewSecretsProvider(deps, secretStore))
	orch.Register(admin.NewServer(cfg.Server.Port, orch, admin.Resources{
		KV:        kvEngine,
		Queues:    queues,
		Objects:   objEngine,
		Topics:    topics,
		Buses:     buses,
		Workflow:  wf,
		Identity:  idEngine,
		Functions: registry,
		Params:    paramStore,
		Secrets:   secretStore,
		Gateway:   gw,
		Evaluator: evaluator,
	}, logs, servicePorts(cfg.Server.Port)))

	ctx := context.Background()
	fab.Start(ctx)
	defer fab.Stop()

	if err := orch.Start(ctx, order); err != nil {
		return fmt.Errorf("start providers: %w", err)
	}
	log.WithField("port", cfg.Server.Port).Info("all providers up")

	orch.WaitForShutdown(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := orch.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("shutdown finished with errors")
	}
	wf.Wait()
	return nil
}

func servicePorts(base int) map[string]int {
	return map[string]int{
		"kv":       base + service.OffsetKV,
		"queue":    base + service.OffsetQueue,
		"object":   base + service.OffsetObject,
		"pubsub":   base + service.OffsetPubSub,
		"bus":      base + service.OffsetBus,
		"workflow": base + service.OffsetWorkflow,
		"identity": base + service.OffsetIdentity,
		"gateway":  base + service.OffsetGateway,
		"compute":  base + service.OffsetCompute,
		"iam":      base + service.OffsetIAM,
		"sts":      base + service.OffsetSTS,
		"params":   base + service.OffsetParams,
		"secrets":  base + service.OffsetSecrets,
	}
}

// registerBuiltins installs the handlers bootstrap functions can bind
// to. The sandboxed runtime is out of scope; builtins stand in for
// deployed code.
func registerBuiltins(registry *compute.Registry) {
	registry.RegisterBuiltin("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	registry.RegisterBuiltin("noop", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(`{}`), nil
	})
}

// parseTarget reads "function:NAME", "queue:NAME" or "topic:NAME".
func parseTarget(s string) (fabric.Target, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return fabric.Target{}, fmt.Errorf("invalid target %q", s)
	}
	switch kind {
	case "function":
		return fabric.Target{Kind: fabric.TargetFunction, Name: name}, nil
	case "queue":
		return fabric.Target{Kind: fabric.TargetQueue, Name: name}, nil
	case "topic":
		return fabric.Target{Kind: fabric.TargetTopic, Name: name}, nil
	}
	return fabric.Target{}, fmt.Errorf("unknown target kind %q", kind)
}

// bootstrap creates the declared resources before any provider accepts
// traffic. Existing persisted resources are left as they are.
func bootstrap(
	cfg *config.Config,
	kvEngine *kv.Engine,
	queues *queue.Registry,
	objEngine *object.Engine,
	topics *pubsub.Topics,
	buses *pubsub.Buses,
	registry *compute.Registry,
	wf *workflow.Engine,
	gw *gateway.Gateway,
	fab *fabric.Fabric,
	paramStore *params.Store,
	secretStore *secrets.Store,
) error {
	existing := map[string]bool{}
	if names, err := kvEngine.ListTables(); err == nil {
		for _, n := range names {
			existing[n] = true
		}
	}
	for _, t := range cfg.Bootstrap.Tables {
		if existing[t.Name] {
			continue
		}
		def := kv.TableDef{
			Name:         t.Name,
			PartitionKey: kv.KeyAttr{Name: t.PartitionKey, Type: kv.TypeString},
		}
		if t.SortKey != "" {
			def.SortKey = &kv.KeyAttr{Name: t.SortKey, Type: kv.TypeString}
		}
		if t.StreamView != "" {
			def.Stream = &kv.StreamSpec{ViewType: kv.StreamViewType(t.StreamView)}
		}
		if err := kvEngine.CreateTable(def); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
	}

	for _, q := range cfg.Bootstrap.Queues {
		attrs := queue.Attributes{
			VisibilityTimeout: time.Duration(q.VisibilityTimeout) * time.Second,
			FIFO:              q.FIFO,
			ContentBasedDedup: q.ContentBasedDedup,
			DLQ:               q.DLQ,
			MaxReceiveCount:   q.MaxReceiveCount,
		}
		if _, err := queues.CreateQueue(q.Name, attrs, nil); err != nil {
			return fmt.Errorf("queue %s: %w", q.Name, err)
		}
	}

	for _, b := range cfg.Bootstrap.Buckets {
		if err := objEngine.CreateBucket(b); err != nil && !errors.Is(err, object.ErrBucketExists) {
			return fmt.Errorf("bucket %s: %w", b, err)
		}
	}

	for _, t := range cfg.Bootstrap.Topics {
		if _, err := topics.CreateTopic(t); err != nil {
			return fmt.Errorf("topic %s: %w", t, err)
		}
	}
	for _, b := range cfg.Bootstrap.Buses {
		if err := buses.CreateBus(b); err != nil {
			return fmt.Errorf("bus %s: %w", b, err)
		}
	}

	for _, fn := range cfg.Bootstrap.Functions {
		if _, err := registry.CreateFunction(fn.Name, fn.Builtin); err != nil {
			return fmt.Errorf("function %s: %w", fn.Name, err)
		}
	}

	for _, m := range cfg.Bootstrap.StateMachines {
		source := m.Definition
		if source == "" {
			data, err := os.ReadFile(m.File)
			if err != nil {
				return fmt.Errorf("state machine %s: %w", m.Name, err)
			}
			source = string(data)
		}
		if _, err := wf.CreateMachine(m.Name, source, m.Type); err != nil {
			return fmt.Errorf("state machine %s: %w", m.Name, err)
		}
	}

	for _, r := range cfg.Bootstrap.Routes {
		if err := gw.AddRoute(r); err != nil {
			return fmt.Errorf("route %s %s: %w", r.Method, r.Path, err)
		}
	}

	for _, m := range cfg.Bootstrap.Mappings {
		switch {
		case m.Queue != "":
			fab.AddQueueMapping(m.Queue, m.Function, m.BatchSize, time.Second)
		case m.Table != "":
			fab.SubscribeStream(m.Table, m.Function)
		default:
			return fmt.Errorf("mapping for %s needs queue or table", m.Function)
		}
	}

	for _, s := range cfg.Bootstrap.Subscriptions {
		var filter map[string][]string
		if s.FilterPolicy != "" {
			if err := json.Unmarshal([]byte(s.FilterPolicy), &filter); err != nil {
				return fmt.Errorf("subscription filter for %s: %w", s.Topic, err)
			}
		}
		if _, err := topics.Subscribe(s.Topic, s.Protocol, s.Endpoint, filter); err != nil {
			return fmt.Errorf("subscription %s: %w", s.Topic, err)
		}
	}

	for _, n := range cfg.Bootstrap.Notifications {
		target, err := parseTarget(n.Target)
		if err != nil {
			return fmt.Errorf("notification for %s: %w", n.Bucket, err)
		}
		fab.AddNotificationRoute(n.Bucket, n.EventType, target)
	}

	for _, p := range cfg.Bootstrap.Parameters {
		if _, err := paramStore.Put(p.Name, p.Value, p.Type, true); err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
	}
	for _, s := range cfg.Bootstrap.Secrets {
		if _, err := secretStore.Create(s.Name, s.Value); err != nil {
			return fmt.Errorf("secret %s: %w", s.Name, err)
		}
	}
	return nil
}
