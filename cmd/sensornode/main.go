package main

import (
	"flag"
	"os"

	"github.com/golang/glog"

	"github.com/robotalks/sensornode/pkg/config"
	"github.com/robotalks/sensornode/pkg/flash"
	"github.com/robotalks/sensornode/pkg/framework"
	"github.com/robotalks/sensornode/pkg/measure"
	"github.com/robotalks/sensornode/pkg/metrics"
	"github.com/robotalks/sensornode/pkg/mqtt"
	"github.com/robotalks/sensornode/pkg/ota"
	"github.com/robotalks/sensornode/pkg/status"
	"github.com/robotalks/sensornode/pkg/transport"
)

const (
	measureTask = "measure"
	otaTask     = "ota"
)

func init() {
	config.SetupFlags()
}

func main() {
	flag.Parse()
	defer glog.Flush()

	conf, err := config.Load()
	if err != nil {
		glog.Exitf("config: %v", err)
	}
	glog.Infof("sensornode %s starting, device %s", conf.CurrentVersion, conf.DeviceID)

	m := metrics.New()
	creds, err := conf.Credentials()
	if err != nil {
		glog.Exitf("config: %v", err)
	}
	certs := transport.NewCertCache(conf.TLSMode(), creds)
	stack := transport.NewStack(certs)
	stack.OnRetry = m.ObserveRetry

	table, err := flash.OpenFileTable(conf.FlashDir, conf.PartitionSize)
	if err != nil {
		glog.Exitf("partition table: %v", err)
	}
	updater, err := ota.New(ota.Config{
		DeviceID:       conf.DeviceID,
		Hostname:       conf.OTAHostname,
		Port:           conf.OTAPort,
		CurrentVersion: conf.CurrentVersion,
	}, stack, table, ota.WithMetrics(m), ota.WithRebooter(ota.ExitRebooter{}))
	if err != nil {
		glog.Exitf("updater: %v", err)
	}
	if err := updater.MarkValid(); err != nil {
		glog.Warningf("mark image valid: %v", err)
	}

	queue, err := mqtt.NewQueueFromURL(conf.MQTTURL, conf.DeviceID, certs)
	if err != nil {
		glog.Exitf("mqtt: %v", err)
	}

	sensors := measure.Sensors(measure.DiscoverThermalZones(conf.ThermalRoot))
	if len(sensors) == 0 {
		glog.Warningf("no thermal zones under %s", conf.ThermalRoot)
	}
	publisher := &measure.Publisher{
		Sensor:   sensors,
		Format:   conf.PayloadFormatValue(),
		Location: conf.Location,
		Topic:    conf.MQTTTopic,
		Bus:      queue,
		Lock:     stack,
		Metrics:  m,
	}

	loop := framework.NewLoop(conf.MeasurementInterval())
	loop.AddTask(framework.PrLvSense, measureTask, 1, publisher).
		AddTask(framework.PrLvMaintenance, otaTask, conf.FirmwareCheckTicks(),
			framework.TaskFunc(func(tc framework.TickContext) error {
				return updater.CheckForUpdate(tc.Context())
			}))

	queue.Sub(conf.MQTTTopic+"/ota/check", func(topic string, payload []byte) {
		glog.Infof("update check requested on %s", topic)
		loop.Trigger(otaTask)
	})
	loop.AddRunnable(queue)

	if conf.MetricsAddr != "" {
		loop.AddRunnable(&status.Server{
			Addr:     conf.MetricsAddr,
			DeviceID: conf.DeviceID,
			Updater:  updater,
			Boot:     table,
			Metrics:  m,
			Trigger:  func() bool { return loop.Trigger(otaTask) },
		})
	}

	if err := framework.NewRunner().HandleSignals().Go(loop).Wait(); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
}
