package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nergy-se/ilc/pkg/actuator"
	"github.com/nergy-se/ilc/pkg/actuator/dummy"
	"github.com/nergy-se/ilc/pkg/actuator/modbus"
	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/api/v1/meter"
	"github.com/nergy-se/ilc/pkg/criteria"
	"github.com/nergy-se/ilc/pkg/curtail"
	"github.com/nergy-se/ilc/pkg/demand"
	"github.com/nergy-se/ilc/pkg/mbus"
	"github.com/nergy-se/ilc/pkg/metrics"
	"github.com/nergy-se/ilc/pkg/mqtt"
	"github.com/nergy-se/ilc/pkg/schedule"
	"github.com/sirupsen/logrus"
)

type telemetryEvent struct {
	device string
	ts     time.Time
	data   map[string]any
}

type powerEvent struct {
	data meter.Data
}

type goalEvent struct {
	task   schedule.Task
	cancel bool
}

type killEvent struct {
	on bool
}

// App owns the controller. Everything it holds except the inbox, the meter cache and the kill flag
// is only touched from the controller loop.
type App struct {
	wg     *sync.WaitGroup
	config *config.CliConfig
	engine *config.Config

	inbox chan any
	done  chan struct{}
	now   func() time.Time
	// simTime is the timestamp of the last power sample in simulation mode.
	simTime time.Time

	bus        mqtt.Bus
	actuators  actuator.Registry
	dummies    map[string]*dummy.Dummy
	manager    *curtail.Manager
	registry   *criteria.Registry
	scheduler  *schedule.Scheduler
	controller *demand.Controller
	metrics    *metrics.Recorder
	meter      *meter.Cache
	topics     map[string]string
	closers    []func() error
}

func New(config *config.CliConfig) *App {
	return &App{
		wg:      &sync.WaitGroup{},
		config:  config,
		inbox:   make(chan any, 256),
		done:    make(chan struct{}),
		now:     time.Now,
		dummies: make(map[string]*dummy.Dummy),
		meter:   &meter.Cache{},
	}
}

func (a *App) Start(ctx context.Context) error {
	engine, err := config.Load(a.config.ConfigFile)
	if err != nil {
		return err
	}

	var bus mqtt.Bus
	if a.config.EmbeddedBroker {
		bus, err = mqtt.StartBroker(ctx, a.wg, a.config.EmbeddedBrokerAddress)
	} else {
		bus, err = mqtt.Connect(mqtt.ClientOptions{
			Broker:   a.config.MQTTBroker,
			ClientID: a.config.MQTTClientID,
			Username: a.config.MQTTUsername,
			Password: a.config.MQTTPassword,
		})
	}
	if err != nil {
		return err
	}
	a.closers = append(a.closers, bus.Close)

	err = a.setup(engine, bus)
	if err != nil {
		return err
	}
	err = a.subscribe()
	if err != nil {
		return err
	}

	if a.config.MbusDevice != "" {
		m := mbus.New(a.config.MbusDevice)
		a.closers = append(a.closers, m.Close)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			interval := time.Duration(a.config.MbusInterval) * time.Second
			mbus.Poll(ctx, m, a.config.MbusModel, a.config.MbusPrimaryID, interval, func(d meter.Data) {
				a.post(powerEvent{data: d})
			})
		}()
	}

	if a.config.MetricsAddress != "" {
		a.serveHTTP(ctx)
	}

	a.wg.Add(1)
	go a.controllerLoop(ctx)
	return nil
}

func (a *App) Wait() {
	a.wg.Wait()
	for _, c := range a.closers {
		err := c()
		if err != nil {
			logrus.Error(err)
		}
	}
}

// setup builds the controller from the engine configuration. It does not start any goroutine.
func (a *App) setup(engine *config.Config, bus mqtt.Bus) error {
	a.engine = engine
	a.bus = bus
	a.topics = engine.DeviceTopics()

	a.actuators = make(actuator.Registry)
	for name, ac := range engine.Actuators {
		switch ac.Type {
		case "modbus":
			m := modbus.Dial(name, ac)
			a.closers = append(a.closers, m.Close)
			a.actuators[name] = m
		case "dummy":
			d := dummy.New()
			for key, reg := range ac.Points {
				if reg.Default == nil {
					continue
				}
				i := strings.LastIndex(key, "/")
				if i < 0 {
					continue
				}
				d.Seed(key[:i], key[i+1:], *reg.Default)
			}
			a.dummies[name] = d
			a.actuators[name] = d
		}
	}

	requester := a.config.Requester()
	var err error
	a.manager, err = curtail.NewManager(engine, a.actuators, requester)
	if err != nil {
		return err
	}
	a.registry, err = criteria.NewRegistry(engine, a.manager)
	if err != nil {
		return err
	}

	var after schedule.AfterFunc
	if !a.config.SimulationMode {
		after = schedule.Wall
	}
	a.scheduler = schedule.New(func(ev schedule.Event) {
		a.post(ev)
	}, after)
	if engine.DemandLimit != nil {
		err = a.scheduler.Schedule(schedule.Task{ID: "demand_limit", Target: *engine.DemandLimit}, a.now())
		if err != nil {
			return err
		}
	}

	a.metrics = metrics.New(mqtt.NewPublisher(bus, engine.Topics.Record, requester))
	a.controller = demand.NewController(engine.Timing, a.registry, a.manager, a.scheduler.Limit, a.metrics)

	logrus.WithFields(logrus.Fields{
		"campus":    engine.Campus,
		"building":  engine.Building,
		"clusters":  len(engine.Clusters),
		"actuators": len(a.actuators),
		"requester": requester,
	}).Info("controller configured")
	return nil
}

func (a *App) subscribe() error {
	for topic, device := range a.topics {
		device := device
		err := a.bus.Subscribe(topic, func(topic string, payload []byte) {
			ts, data, err := mqtt.DecodeTelemetry(payload)
			if err != nil {
				logrus.WithField("topic", topic).Warnf("dropping telemetry: %s", err)
				return
			}
			a.post(telemetryEvent{device: device, ts: ts, data: data})
		})
		if err != nil {
			return fmt.Errorf("error subscribing to %s: %w", topic, err)
		}
	}

	err := a.bus.Subscribe(a.engine.Power.Topic, func(topic string, payload []byte) {
		d, err := mqtt.DecodePower(payload, a.engine.Power)
		if err != nil {
			logrus.WithField("topic", topic).Warnf("dropping power sample: %s", err)
			return
		}
		a.post(powerEvent{data: d})
	})
	if err != nil {
		return fmt.Errorf("error subscribing to %s: %w", a.engine.Power.Topic, err)
	}

	err = a.bus.Subscribe(a.engine.Topics.Goal, func(topic string, payload []byte) {
		task, cancel, err := mqtt.DecodeGoal(payload, time.Time{})
		if err != nil {
			logrus.WithField("topic", topic).Warnf("dropping demand goal: %s", err)
			return
		}
		a.post(goalEvent{task: task, cancel: cancel})
	})
	if err != nil {
		return fmt.Errorf("error subscribing to %s: %w", a.engine.Topics.Goal, err)
	}

	if ks := a.engine.KillSwitch; ks != nil {
		err = a.bus.Subscribe(ks.Topic, func(topic string, payload []byte) {
			on, err := mqtt.DecodeKill(payload, ks.Point)
			if err != nil {
				logrus.WithField("topic", topic).Warnf("dropping kill switch message: %s", err)
				return
			}
			a.controller.SignalKill(on)
			a.post(killEvent{on: on})
		})
		if err != nil {
			return fmt.Errorf("error subscribing to %s: %w", ks.Topic, err)
		}
	}
	return nil
}

// post hands ev to the controller loop. Events arriving after the loop stopped are dropped.
func (a *App) post(ev any) {
	select {
	case a.inbox <- ev:
	case <-a.done:
	}
}

func (a *App) controllerLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.done)
	interval := time.Duration(a.config.TickInterval) * time.Second
	delay := nextDelay(a.now(), interval)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	logrus.Debug("scheduling first tick in ", delay)
	for {
		select {
		case ev := <-a.inbox:
			a.handle(ctx, ev)
		case <-timer.C:
			timer.Reset(nextDelay(a.now(), interval))
			a.tick(ctx)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.engine.Timing.RevertTimeout*2)
			a.controller.Shutdown(shutdownCtx, a.clock())
			cancel()
			return
		}
	}
}

func (a *App) tick(ctx context.Context) {
	if a.config.SimulationMode {
		return
	}
	a.controller.Tick(ctx, a.now())
}

// clock is the time the controller runs at. In simulation mode that is the timestamp of the last
// power sample once one has arrived.
func (a *App) clock() time.Time {
	if a.config.SimulationMode && !a.simTime.IsZero() {
		return a.simTime
	}
	return a.now()
}

func (a *App) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case telemetryEvent:
		ts := ev.ts
		if ts.IsZero() {
			ts = a.clock()
		}
		a.manager.Ingest(ev.device, ev.data)
		a.registry.Ingest(ev.device, ts, ev.data)
	case powerEvent:
		ts := ev.data.Time
		if ts.IsZero() {
			ts = a.now()
			ev.data.Time = ts
		}
		a.meter.Set(ev.data)
		if a.config.SimulationMode {
			a.simTime = ts
			a.scheduler.CheckSchedule(ts)
		}
		a.controller.HandlePower(ctx, ts, ev.data.KW())
	case goalEvent:
		a.goal(ev)
	case killEvent:
		a.controller.SetKill(ctx, ev.on, a.clock())
	case schedule.Event:
		a.scheduler.Fire(ev)
	default:
		logrus.Errorf("unknown event %T", ev)
	}
}

func (a *App) goal(ev goalEvent) {
	logger := logrus.WithFields(logrus.Fields{
		"goal":   ev.task.ID,
		"start":  ev.task.Start,
		"end":    ev.task.End,
		"target": ev.task.Target,
	})
	if ev.cancel {
		if a.scheduler.Cancel(ev.task.ID) {
			logger.Info("demand goal cancelled")
		}
		return
	}
	now := a.clock()
	if a.config.SimulationMode && a.simTime.IsZero() {
		// Before the first sample the goal is checked against the samples that follow.
		now = ev.task.Start
	} else if ev.task.Start.IsZero() {
		ev.task.Start = now
	}
	err := a.scheduler.Schedule(ev.task, now)
	if errors.Is(err, schedule.ErrExpired) || errors.Is(err, schedule.ErrInvalidWindow) {
		logger.Warnf("rejecting demand goal: %s", err)
		return
	}
	if err != nil {
		logger.Error(err)
		return
	}
	logger.Info("demand goal scheduled")
}

func (a *App) serveHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/meter", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(a.meter.Get())
		if err != nil {
			logrus.Error(err)
		}
	})
	for name, d := range a.dummies {
		mux.Handle("/dummy/"+name, d.Handler())
	}

	srv := &http.Server{
		Addr:              a.config.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("http: %s", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			logrus.Errorf("http: %s", err)
		}
	}()
	logrus.WithField("address", a.config.MetricsAddress).Info("http: serving /metrics and /meter")
}
