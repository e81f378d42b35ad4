// Command dispatchd is a demo dispatcher process: it discovers a fixed
// set of stores from DISPATCH_STORES, runs the outbox, inbox, and
// scheduler loops against every one of them, and exposes an admin HTTP
// surface for operators. It is meant as a reference wiring, a real
// deployment is expected to supply its own Discovery (service catalog,
// control-plane table) in place of router.StaticDiscovery.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oss.nandlabs.io/dispatch/cli"
	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/dispatcher"
	"oss.nandlabs.io/dispatch/events"
	"oss.nandlabs.io/dispatch/inbox"
	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/lifecycle"
	"oss.nandlabs.io/dispatch/messaging"
	"oss.nandlabs.io/dispatch/metrics"
	"oss.nandlabs.io/dispatch/outbox"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/router"
)

var logger = l3.Get()

func main() {
	app := cli.NewCLI()
	app.AddVersion("0.1.0")

	serve := cli.NewCommand("serve", "Run the dispatcher process", "0.1.0", runServe)
	app.AddCommand(serve)

	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd: %v\n", err)
		os.Exit(1)
	}
}

func runServe(_ *cli.Context) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	discovery := router.StaticDiscovery{Stores: cfg.Stores}
	self := owner.MustNew()
	clk := clock.NewSystem()

	r := router.New(discovery, self, clk, router.WithSchemaName(cfg.SchemaName))
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("dispatchd: initial discovery: %w", err)
	}
	logger.InfoF("dispatchd discovered stores: %v", r.Keys())

	sink := metrics.NewPrometheusSink(nil)

	emitter, err := events.New(messaging.GetManager())
	if err != nil {
		return fmt.Errorf("dispatchd: building event emitter: %w", err)
	}
	logLoggedEvents(emitter)

	manager := lifecycle.NewSimpleComponentManager()
	d := dispatcher.New(r, self, clk, manager, sink, emitter)

	registerDemoHandlers(d)

	loopCfg := dispatcher.Config{
		BatchSize:    cfg.BatchSize,
		LeaseSeconds: cfg.LeaseSeconds,
	}
	d.AddOutboxLoop(loopCfg)
	d.AddInboxLoop(loopCfg)
	d.AddSchedulerLoop(loopCfg, 30*time.Second)

	if err := d.StartAll(); err != nil {
		return fmt.Errorf("dispatchd: starting loops: %w", err)
	}
	logger.Info("dispatchd loops started")

	adminRouter := newAdminRouter(r)
	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: adminRouter}
	go func() {
		logger.InfoF("dispatchd admin surface listening on %s", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorF("dispatchd admin surface: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("dispatchd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.WarnF("dispatchd: admin surface shutdown: %v", err)
	}
	if err := d.Drain(shutdownCtx); err != nil {
		return fmt.Errorf("dispatchd: drain: %w", err)
	}
	return nil
}

// registerDemoHandlers binds placeholder handlers so a freshly started
// process has somewhere for the "demo.echo" and "demo.inbound" topics to
// go; a real deployment replaces these with its own domain handlers.
func registerDemoHandlers(d *dispatcher.Dispatcher) {
	d.RegisterOutboxHandler("demo.echo", func(ctx context.Context, msg *outbox.Message) error {
		logger.InfoF("demo.echo: id=%s payload=%s", msg.ID, string(msg.Payload))
		return nil
	})
	d.RegisterInboxHandler("demo.inbound", func(ctx context.Context, msg *inbox.Message) error {
		logger.InfoF("demo.inbound: source=%s id=%s payload=%s", msg.Source, msg.ID, string(msg.Payload))
		return nil
	})
}

// logLoggedEvents subscribes a log line to every event the process emits,
// standing in for the metrics/alerting pipeline a real deployment would
// attach here instead.
func logLoggedEvents(emitter *events.Emitter) {
	err := emitter.Subscribe(func(ev events.Event) {
		logger.DebugF("event: kind=%s store=%s key=%s detail=%s", ev.Kind, ev.Store, ev.Key, ev.Detail)
	})
	if err != nil {
		logger.WarnF("dispatchd: subscribing demo event logger: %v", err)
	}
}
